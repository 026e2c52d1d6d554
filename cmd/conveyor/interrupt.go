package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

func parseInterruptArgs(args []string) (*store.ExecutionInterrupt, error) {
	in := &store.ExecutionInterrupt{}
	var typ string

	fs := flag.NewFlagSet("interrupt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&in.AppID, "app", "", "application id")
	fs.StringVar(&in.ExecutionUUID, "run", "", "execution uuid")
	fs.StringVar(&in.StateExecutionInstanceID, "instance", "", "target instance (instance-level interrupts)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("usage: conveyor interrupt -app <id> -run <uuid> [-instance <id>] <TYPE>")
	}
	typ = strings.ToUpper(fs.Arg(0))
	in.Type = schema.InterruptType(typ)
	if !in.Type.Valid() {
		return nil, fmt.Errorf("unknown interrupt type %q", typ)
	}
	return in, nil
}

// applyInterrupt registers in and waits until the work it triggered in this
// process is done, then describes the run.
func (a *app) applyInterrupt(ctx context.Context, in *store.ExecutionInterrupt) (*runSummary, error) {
	accepted, err := a.interrupts.RegisterExecutionInterrupt(ctx, in)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "interrupt registered",
		"interrupt_id", accepted.UUID, "type", string(accepted.Type), "execution_uuid", accepted.ExecutionUUID)

	a.executor.Wait()

	instances, err := a.describeRun(ctx, in.AppID, in.ExecutionUUID)
	if err != nil {
		return nil, err
	}
	return &runSummary{ExecutionUUID: in.ExecutionUUID, Status: rootStatus(instances), Instances: instances}, nil
}
