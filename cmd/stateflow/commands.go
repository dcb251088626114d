package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/smallnest/stateflow/config"
	"github.com/smallnest/stateflow/engine"
	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/log"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store/memory"
)

// runValidate compiles a template against node definitions without touching
// the configured store.
func runValidate(ctx context.Context, out io.Writer, args []string) error {
	fs, configPath := newFlagSet("validate", out)
	nodesPath := fs.String("nodes", "", "YAML file with node definitions")
	templatePath := fs.String("template", "", "YAML file with the graph template")
	format := fs.String("format", "", "also draw the template: ascii, mermaid or dot")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *nodesPath == "" || *templatePath == "" {
		return &exitError{Code: 2, Message: "-nodes and -template are required"}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	e := engine.New(memory.NewMemoryStore(), engine.WithLogger(logger))

	nf, defs, err := loadNodes(*nodesPath, cfg.Namespace)
	if err != nil {
		return err
	}
	if _, err := e.RegisterNodes(ctx, nf.Namespace, nf.Runtime, defs); err != nil {
		return err
	}
	req, err := loadTemplate(*templatePath, cfg.Namespace)
	if err != nil {
		return err
	}
	tpl, err := e.UpsertTemplate(ctx, req)
	if err != nil {
		return err
	}

	renderTemplate(out, tpl)
	if *format != "" {
		drawn, err := draw(graph.NewTemplateExporter(tpl), *format)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, drawn)
	}
	if tpl.ValidationStatus == graph.Invalid {
		return &exitError{Code: 1, Message: fmt.Sprintf("template %s is invalid", tpl.Name)}
	}
	return nil
}

// runInspect prints the reconstructed graph of a run from the configured store.
func runInspect(ctx context.Context, out io.Writer, args []string) error {
	fs, configPath := newFlagSet("inspect", out)
	runID := fs.String("run", "", "run id")
	namespace := fs.String("namespace", "", "namespace (default from config)")
	format := fs.String("format", "summary", "summary, ascii, mermaid, dot or json")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *runID == "" {
		return &exitError{Code: 2, Message: "-run is required"}
	}

	e, cfg, closeFn, err := newEngine(ctx, os.Stderr, *configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	if *namespace == "" {
		*namespace = cfg.Namespace
	}

	structure, err := e.Graph(ctx, *namespace, *runID)
	if err != nil {
		return err
	}
	return printStructure(out, structure, *format)
}

// runWatchdog sweeps expired leases until interrupted.
func runWatchdog(ctx context.Context, out io.Writer, args []string) error {
	fs, configPath := newFlagSet("watchdog", out)
	interval := fs.Duration("interval", 0, "sweep interval (default from config)")
	workers := fs.Int("workers", 0, "concurrent sweepers (default from config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	e, cfg, closeFn, err := newEngine(ctx, os.Stderr, *configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	if *interval <= 0 {
		*interval = cfg.Watchdog.Interval
	}
	if *workers <= 0 {
		*workers = cfg.Watchdog.Workers
	}

	fmt.Fprintf(out, "watchdog on %s store: every %v with %d workers\n", cfg.Store.Driver, *interval, *workers)
	return e.NewWatchdog(
		engine.WithSweepInterval(*interval),
		engine.WithSweepBatch(cfg.Watchdog.BatchSize),
		engine.WithWorkers(*workers),
	).Run(ctx)
}

// runDemo drives a two-node run through an in-memory engine and prints its graph.
func runDemo(ctx context.Context, out io.Writer, args []string) error {
	fs, _ := newFlagSet("demo", out)
	format := fs.String("format", "ascii", "summary, ascii, mermaid, dot or json")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	const ns = "demo"
	e := engine.New(memory.NewMemoryStore(), engine.WithLogger(&log.NoOpLogger{}))
	if _, err := e.RegisterNodes(ctx, ns, "rt1", []node.Definition{{Name: "fetch"}}); err != nil {
		return err
	}
	tpl, err := e.UpsertTemplate(ctx, engine.TemplateRequest{
		Namespace: ns,
		Name:      "pipeline",
		Nodes: []graph.NodeInstance{
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}},
			{NodeName: "fetch", Identifier: "B"},
		},
	})
	if err != nil {
		return err
	}
	renderTemplate(out, tpl)

	if _, err := e.Create(ctx, ns, "pipeline", "r1", []state.RequestState{{Identifier: "A"}}); err != nil {
		return err
	}
	for {
		batch, err := e.Enqueue(ctx, ns, []string{"fetch"}, 10)
		if err != nil {
			return err
		}
		if batch.Count == 0 {
			break
		}
		for _, s := range batch.States {
			if _, err := e.ReportExecuted(ctx, s.ID, []state.Document{{"x": 1}}); err != nil {
				return err
			}
		}
	}

	structure, err := e.Graph(ctx, ns, "r1")
	if err != nil {
		return err
	}
	return printStructure(out, structure, *format)
}

func printStructure(out io.Writer, s *graph.Structure, format string) error {
	switch format {
	case "summary":
		renderSummary(out, s)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	default:
		drawn, err := draw(graph.NewRunExporter(s), format)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, drawn)
		renderSummary(out, s)
		return nil
	}
}

func draw(exp *graph.Exporter, format string) (string, error) {
	switch format {
	case "ascii":
		return exp.DrawASCII(), nil
	case "mermaid":
		return exp.DrawMermaid(), nil
	case "dot":
		return exp.DrawDOT(), nil
	default:
		return "", &exitError{Code: 2, Message: fmt.Sprintf("unknown format %q", format)}
	}
}
