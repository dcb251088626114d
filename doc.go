// Stateflow - Graph-Based Workflow Orchestration in Go
//
// Stateflow coordinates work that is executed by external runtimes. Runtimes
// register the operators ("nodes") they implement, graph templates wire node
// instances into a DAG, and every run of a template materializes states that
// move through a fixed lifecycle while pollers lease them, execute them and
// report results back.
//
// # Quick Start
//
//	s := memory.NewMemoryStore()
//	e := engine.New(s)
//
//	e.RegisterNodes(ctx, "ns", "rt1", []node.Definition{{Name: "fetch"}})
//	e.UpsertTemplate(ctx, engine.TemplateRequest{
//		Namespace: "ns",
//		Name:      "pipeline",
//		Nodes: []graph.NodeInstance{
//			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}},
//			{NodeName: "fetch", Identifier: "B"},
//		},
//	})
//	e.Create(ctx, "ns", "pipeline", "r1", []state.RequestState{{Identifier: "A"}})
//
//	batch, _ := e.Enqueue(ctx, "ns", []string{"fetch"}, 10)
//	for _, st := range batch.States {
//		e.ReportExecuted(ctx, st.ID, []state.Document{{"x": 1}})
//	}
//
// # Lifecycle
//
//	CREATED -> QUEUED -> EXECUTED -> NEXT_CREATED | SUCCESS
//	                  -> ERRORED  -> RETRY_CREATED | CANCELLED
//	                  -> TIMEDOUT -> RETRY_CREATED | CANCELLED
//
// # Packages
//
//   - state: state records and the status state machine
//   - node: node definitions and JSON Schema checks
//   - graph: template compilation, run reconstruction and rendering
//   - store: persistence contracts with memory, SQLite, PostgreSQL and Redis backends
//   - engine: registry, dispatch, result processing, retries and the timeout watchdog
//   - secret: secret material of templates
//   - config: YAML configuration with environment overrides
//   - log: logging
//
// The cmd/stateflow command validates templates, inspects runs and runs the
// watchdog against a configured store.
package stateflow
