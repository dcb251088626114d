// Command stateflow validates templates, inspects runs and runs the timeout
// watchdog against a configured store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `Usage:
  stateflow validate -nodes nodes.yaml -template template.yaml [-format ascii|mermaid|dot]
  stateflow inspect  -run RUN_ID [-namespace NS] [-format summary|ascii|mermaid|dot|json]
  stateflow watchdog [-interval 30s] [-workers 1]
  stateflow demo

Every command accepts -config path.yaml; STATEFLOW_* environment variables
override the file.`

// exitError carries a process exit code.
type exitError struct {
	Code    int
	Message string
}

func (e *exitError) Error() string {
	return e.Message
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, args []string) error {
	if len(args) < 1 {
		return &exitError{Code: 2, Message: usage}
	}

	err := dispatch(ctx, out, args[0], args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

func dispatch(ctx context.Context, out io.Writer, cmd string, rest []string) error {
	switch cmd {
	case "validate":
		return runValidate(ctx, out, rest)
	case "inspect":
		return runInspect(ctx, out, rest)
	case "watchdog":
		return runWatchdog(ctx, out, rest)
	case "demo":
		return runDemo(ctx, out, rest)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return &exitError{Code: 2, Message: fmt.Sprintf("unknown command %q\n\n%s", cmd, usage)}
	}
}

func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "path to the YAML configuration")
	return fs, configPath
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &exitError{Code: 2, Message: err.Error()}
	}
	return nil
}
