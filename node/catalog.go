package node

import (
	"fmt"
	"sort"
)

// Catalog is a point-in-time index of definitions used to resolve node names.
type Catalog struct {
	byName map[string][]*Definition
}

// NewCatalog indexes the given definitions by namespace and name.
func NewCatalog(defs ...*Definition) *Catalog {
	c := &Catalog{byName: make(map[string][]*Definition)}
	for _, d := range defs {
		c.Add(d)
	}
	return c
}

// Add indexes one definition, replacing an earlier one with the same identity.
func (c *Catalog) Add(d *Definition) {
	key := catalogKey(d.Namespace, d.Name)
	list := c.byName[key]
	for i, existing := range list {
		if existing.RuntimeName == d.RuntimeName {
			list[i] = d
			return
		}
	}
	list = append(list, d)
	sort.Slice(list, func(i, j int) bool { return list[i].RuntimeName < list[j].RuntimeName })
	c.byName[key] = list
}

// Resolve returns the single definition registered under name in namespace.
func (c *Catalog) Resolve(namespace, name string) (*Definition, error) {
	list := c.byName[catalogKey(namespace, name)]
	switch len(list) {
	case 0:
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, name)
	case 1:
		return list[0], nil
	default:
		runtimes := make([]string, len(list))
		for i, d := range list {
			runtimes[i] = d.RuntimeName
		}
		return nil, fmt.Errorf("%w: %s/%s in %v", ErrAmbiguous, namespace, name, runtimes)
	}
}

func catalogKey(namespace, name string) string {
	return namespace + "\x00" + name
}
