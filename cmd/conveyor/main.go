// Command conveyor validates and runs state machine definitions and sends
// control interrupts to persisted runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/pkg/schema"
)

const usage = `usage: conveyor <command> [flags]

commands:
  run <definition>          validate, register and execute a definition
  validate <definition>     validate a definition without running it
  interrupt <TYPE>          register an interrupt against a persisted run
  diagram <definition>      draw a definition, optionally with a run's statuses
  version                   print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and returns the process exit code:
// 0 on success, 1 on failure, 2 on bad usage or an invalid definition.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		printVersion(stdout)
		return 0
	case "run", "validate", "interrupt", "diagram":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var diagramOpts diagramOptions
	if cmd == "diagram" {
		if diagramOpts, err = parseDiagramArgs(rest); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	// Neither needs the store nor the bus unless a run is overlaid.
	if cmd == "validate" || (cmd == "diagram" && diagramOpts.ExecutionUUID == "") {
		cfg.DBDriver = driverMemory
		cfg.NotifyBackend = notifyMemory
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	switch cmd {
	case "validate":
		return a.validateCommand(rest, stdout, stderr)
	case "diagram":
		if err := a.diagramCommand(ctx, diagramOpts, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			if schema.IsCode(err, schema.ErrCodeValidation) {
				return 2
			}
			return 1
		}
		return 0
	case "interrupt":
		in, err := parseInterruptArgs(rest)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		summary, err := a.applyInterrupt(ctx, in)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		writeJSON(stdout, summary)
		return 0
	default:
		opts, err := parseRunArgs(rest)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := a.reaper.Start(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		opts.FollowTo = stderr
		summary, err := a.executeRun(ctx, opts)
		return report(summary, err, stdout, stderr)
	}
}

func (a *app) validateCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: conveyor validate <definition.(json|yaml)>")
		return 2
	}
	_, result, err := a.loadDefinition(args[0])
	if result != nil {
		writeJSON(stdout, result)
	}
	if err != nil {
		if result == nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		} else {
			fmt.Fprint(stderr, result.Report())
		}
		return 2
	}
	return 0
}

// report prints a run summary and maps its outcome to an exit code.
func report(summary *runSummary, err error, stdout, stderr io.Writer) int {
	if summary != nil {
		writeJSON(stdout, summary)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if schema.IsCode(err, schema.ErrCodeValidation) {
			return 2
		}
		return 1
	}
	if summary.Status != schema.StatusSuccess {
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
