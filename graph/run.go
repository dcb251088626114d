package graph

import "time"

// Run is one execution instance of a graph template. It keeps the template as it
// was when the run started, so recompiling the template never changes the run.
type Run struct {
	ID        string    `json:"run_id"`
	Namespace string    `json:"namespace"`
	GraphName string    `json:"graph_name"`
	Template  *Template `json:"template"`
	CreatedAt time.Time `json:"created_at"`
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary returns the listing view of the run.
func (r *Run) Summary() RunSummary {
	return RunSummary{RunID: r.ID, CreatedAt: r.CreatedAt}
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Template = r.Template.Clone()
	return &c
}
