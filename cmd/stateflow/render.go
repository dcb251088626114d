package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/state"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	tableBorders = lipgloss.NormalBorder()
)

func statusStyle(s state.Status) lipgloss.Style {
	switch s {
	case state.Success, state.NextCreated:
		return okStyle
	case state.Errored, state.TimedOut, state.Cancelled:
		return failStyle
	case state.RetryCreated:
		return warnStyle
	default:
		return mutedStyle
	}
}

func validationStyle(v graph.ValidationStatus) lipgloss.Style {
	switch v {
	case graph.Valid:
		return okStyle
	case graph.Pending:
		return warnStyle
	default:
		return failStyle
	}
}

func renderTemplate(w io.Writer, tpl *graph.Template) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(tpl.Namespace+"/"+tpl.Name),
		validationStyle(tpl.ValidationStatus).Render(string(tpl.ValidationStatus)))
	for _, msg := range tpl.ValidationErrors {
		fmt.Fprintf(w, "  %s %s\n", failStyle.Render("✗"), msg)
	}
	for _, name := range slices.Sorted(maps.Keys(tpl.Secrets)) {
		if !tpl.Secrets[name] {
			fmt.Fprintf(w, "  %s secret %s has no value\n", warnStyle.Render("!"), name)
		}
	}
}

// renderSummary prints the execution summary of a run as a table, statuses in
// lifecycle order.
func renderSummary(w io.Writer, s *graph.Structure) {
	fmt.Fprintf(w, "%s %s (%s)\n", titleStyle.Render("run"), s.RunID, s.GraphName)
	fmt.Fprintf(w, "%d states, %d edges, %d roots\n", s.NodeCount, s.EdgeCount, len(s.RootNodes))

	t := table.New().
		Border(tableBorders).
		Headers("STATUS", "COUNT").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, st := range state.AllStatuses {
		n, ok := s.ExecutionSummary[st]
		if !ok {
			continue
		}
		t.Row(statusStyle(st).Render(string(st)), strconv.Itoa(n))
	}
	fmt.Fprintln(w, t.Render())
}
