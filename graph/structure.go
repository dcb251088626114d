package graph

import (
	"sort"
	"time"

	"github.com/smallnest/stateflow/state"
)

// StructureNode is one state rendered as a graph node.
type StructureNode struct {
	ID         string         `json:"id"`
	NodeName   string         `json:"node_name"`
	Identifier string         `json:"identifier"`
	Status     state.Status   `json:"status"`
	Inputs     state.Document `json:"inputs"`
	Outputs    state.Document `json:"outputs"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// StructureEdge is one provenance link between two states.
type StructureEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	// Role is the parents key the link was recorded under.
	Role string `json:"role"`
}

// Structure is the node/edge view of a run rebuilt from its states.
type Structure struct {
	Namespace        string               `json:"namespace"`
	RunID            string               `json:"run_id"`
	GraphName        string               `json:"graph_name"`
	RootNodes        []StructureNode      `json:"root_nodes"`
	Nodes            []StructureNode      `json:"nodes"`
	Edges            []StructureEdge      `json:"edges"`
	NodeCount        int                  `json:"node_count"`
	EdgeCount        int                  `json:"edge_count"`
	ExecutionSummary map[state.Status]int `json:"execution_summary"`
}

// BuildStructure derives the run graph from its states. Partial runs are fine:
// the result reflects whatever states exist.
func BuildStructure(namespace, runID, graphName string, states []*state.State) *Structure {
	ordered := make([]*state.State, len(states))
	copy(ordered, states)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	s := &Structure{
		Namespace:        namespace,
		RunID:            runID,
		GraphName:        graphName,
		RootNodes:        []StructureNode{},
		Nodes:            make([]StructureNode, 0, len(ordered)),
		Edges:            []StructureEdge{},
		ExecutionSummary: make(map[state.Status]int),
	}

	for _, st := range ordered {
		n := StructureNode{
			ID:         st.ID,
			NodeName:   st.NodeName,
			Identifier: st.Identifier,
			Status:     st.Status,
			Inputs:     state.CloneDocument(st.Inputs),
			Outputs:    state.CloneDocument(st.Outputs),
			Error:      st.Error,
			CreatedAt:  st.CreatedAt,
			UpdatedAt:  st.UpdatedAt,
		}
		s.Nodes = append(s.Nodes, n)
		if st.IsRoot() {
			s.RootNodes = append(s.RootNodes, n)
		}
		s.ExecutionSummary[st.Status]++

		roles := make([]string, 0, len(st.Parents))
		for role := range st.Parents {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			parent := st.Parents[role]
			if parent == "" {
				continue
			}
			s.Edges = append(s.Edges, StructureEdge{
				ID:     parent + "->" + st.ID,
				Source: parent,
				Target: st.ID,
				Role:   role,
			})
		}
	}

	s.NodeCount = len(s.Nodes)
	s.EdgeCount = len(s.Edges)
	return s
}
