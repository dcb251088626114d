package graph

import (
	"fmt"
	"regexp"

	"github.com/smallnest/stateflow/state"
)

var placeholderPattern = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_\-]+)\.outputs\.([A-Za-z0-9_\-]+)\s*\}\}`)

// Reference is a ${{ identifier.outputs.field }} placeholder.
type Reference struct {
	Identifier string
	Field      string
}

func referencesIn(v any) []Reference {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	var refs []Reference
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		refs = append(refs, Reference{Identifier: m[1], Field: m[2]})
	}
	return refs
}

// DeriveInputs builds the inputs of a downstream state: the parent outputs,
// overlaid by the downstream static inputs with placeholders naming parent
// substituted. A placeholder that is the whole value keeps the output's type.
// Placeholders for other identifiers are left untouched.
func DeriveInputs(static state.Document, parent string, outputs state.Document) state.Document {
	inputs := state.CloneDocument(outputs)
	for k, v := range static {
		inputs[k] = substitute(v, parent, outputs)
	}
	return inputs
}

func substitute(v any, parent string, outputs state.Document) any {
	s, ok := v.(string)
	if !ok {
		return state.CloneValue(v)
	}
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if m[1] != parent {
			return s
		}
		if out, ok := outputs[m[2]]; ok {
			return state.CloneValue(out)
		}
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholderPattern.FindStringSubmatch(match)
		if m[1] != parent {
			return match
		}
		out, ok := outputs[m[2]]
		if !ok {
			return match
		}
		return fmt.Sprint(out)
	})
}
