package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/streaming"
	"github.com/rendis/conveyor/pkg/schema"
)

// runOptions are the inputs of one `conveyor run`.
type runOptions struct {
	DefinitionPath string
	ExecutionUUID  string
	ExecutionName  string
	Values         map[string]any
	ElementsFile   string
	Timeout        time.Duration

	// Follow streams the run's events to FollowTo as JSON lines.
	Follow   bool
	FollowTo io.Writer
}

// kvFlag collects repeated key=value flags into a STANDARD element.
type kvFlag map[string]any

func (f kvFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[k] = v
	return nil
}

func parseRunArgs(args []string) (runOptions, error) {
	values := kvFlag{}
	opts := runOptions{}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.ExecutionUUID, "uuid", "", "execution uuid (generated when empty)")
	fs.StringVar(&opts.ExecutionName, "name", "", "execution name (defaults to the definition name)")
	fs.Var(values, "e", "context value key=value, repeatable")
	fs.StringVar(&opts.ElementsFile, "elements", "", "JSON file with a list of context elements")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "give up waiting after this long (0 = wait until the run ends)")
	fs.BoolVar(&opts.Follow, "follow", false, "stream run events to stderr while waiting")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		return opts, fmt.Errorf("usage: conveyor run [flags] <definition.(json|yaml)>")
	}
	opts.DefinitionPath = fs.Arg(0)
	opts.Values = values
	if opts.ExecutionUUID == "" {
		opts.ExecutionUUID = uuid.NewString()
	}
	return opts, nil
}

// loadDefinition reads, parses and validates a definition file. JSON
// documents are also checked before decoding so unknown fields surface.
func (a *app) loadDefinition(path string) (*schema.StateMachineDefinition, *schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read definition: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		if result := a.validator.ValidateDocument(data); !result.Valid() {
			return nil, result, result.ToError()
		}
	}

	def, err := schema.ParseDefinition(path, data)
	if err != nil {
		return nil, nil, err
	}
	result := a.validator.Validate(def)
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	return def, result, nil
}

func loadElements(path string) ([]store.ContextElement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read elements: %w", err)
	}
	var elements []store.ContextElement
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("parse elements %s: %w", path, err)
	}
	return elements, nil
}

// runSummary is what `conveyor run` prints when it returns.
type runSummary struct {
	ExecutionUUID string                   `json:"execution_uuid"`
	Status        schema.ExecutionStatus   `json:"status"`
	Instances     []instanceSummary        `json:"instances"`
	Warnings      []schema.ValidationIssue `json:"warnings,omitempty"`
}

type instanceSummary struct {
	UUID         string                 `json:"uuid"`
	StateName    string                 `json:"state_name"`
	ChildMachine string                 `json:"child_machine,omitempty"`
	Status       schema.ExecutionStatus `json:"status"`
	Error        string                 `json:"error,omitempty"`

	parent string
}

// executeRun registers the definition, starts a run and waits for its root
// branch to end, ctx to be canceled or the timeout to pass. A run that is
// left behind keeps its persisted state and can be driven by interrupts.
func (a *app) executeRun(ctx context.Context, opts runOptions) (*runSummary, error) {
	def, result, err := a.loadDefinition(opts.DefinitionPath)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		a.logger.WarnContext(ctx, "definition warning", "path", w.Path, "message", w.Message)
	}

	sm, err := a.executor.RegisterStateMachine(ctx, def)
	if err != nil {
		return nil, err
	}

	var elements []store.ContextElement
	if opts.ElementsFile != "" {
		if elements, err = loadElements(opts.ElementsFile); err != nil {
			return nil, err
		}
	}
	if len(opts.Values) > 0 {
		elements = append(elements, store.ContextElement{Type: store.ElementStandard, Name: "cli", Values: opts.Values})
	}

	name := opts.ExecutionName
	if name == "" {
		name = sm.Name()
	}

	if opts.Follow && opts.FollowTo != nil {
		stop, err := a.follow(ctx, opts.ExecutionUUID, opts.FollowTo)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	done := make(chan engine.BranchResult, 1)
	cb := func(_ context.Context, r engine.BranchResult) {
		select {
		case done <- r:
		default:
		}
	}
	if _, err := a.executor.Execute(ctx, sm, opts.ExecutionUUID, name, elements, cb); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "run started", "execution_uuid", opts.ExecutionUUID, "state_machine_id", sm.ID())

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	summary := &runSummary{ExecutionUUID: opts.ExecutionUUID, Warnings: result.Warnings}
	select {
	case r := <-done:
		summary.Status = r.Status
	case <-timeout:
		a.logger.WarnContext(ctx, "stopped waiting for run", "execution_uuid", opts.ExecutionUUID, "timeout", opts.Timeout.String())
	case <-ctx.Done():
		a.logger.WarnContext(ctx, "interrupted while waiting for run", "execution_uuid", opts.ExecutionUUID)
	}

	// ctx may be canceled by now.
	instances, err := a.describeRun(context.WithoutCancel(ctx), sm.AppID(), opts.ExecutionUUID)
	if err != nil {
		return summary, err
	}
	summary.Instances = instances
	if summary.Status == "" {
		summary.Status = rootStatus(instances)
	}
	return summary, nil
}

// follow writes the events of one execution to w until the returned stop
// func is called. stop returns once every received event has been written.
func (a *app) follow(ctx context.Context, executionUUID string, w io.Writer) (func(), error) {
	events, cancel, err := a.hub.Subscribe(ctx, streaming.Filter{ExecutionUUID: executionUUID})
	if err != nil {
		return nil, err
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		enc := json.NewEncoder(w)
		for ev := range events {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		cancel()
		<-drained
		if n := a.hub.Dropped(); n > 0 {
			a.logger.WarnContext(ctx, "follow missed events", "execution_uuid", executionUUID, "dropped", n)
		}
	}, nil
}

// describeRun lists a run's instances oldest first.
func (a *app) describeRun(ctx context.Context, appID, executionUUID string) ([]instanceSummary, error) {
	list, err := a.store.ListInstances(ctx, store.InstanceFilter{AppID: appID, ExecutionUUID: executionUUID})
	if err != nil {
		return nil, err
	}
	out := make([]instanceSummary, 0, len(list))
	for _, inst := range list {
		s := instanceSummary{
			UUID:         inst.UUID,
			StateName:    inst.StateName,
			ChildMachine: inst.ChildStateMachineID,
			Status:       inst.Status,
			parent:       inst.ParentInstanceID,
		}
		if d := inst.StateExecutionMap[inst.StateName]; d != nil {
			s.Error = d.ErrorMsg
		}
		out = append(out, s)
	}
	return out, nil
}

// rootStatus is the status of the newest instance of the root branch.
func rootStatus(instances []instanceSummary) schema.ExecutionStatus {
	var status schema.ExecutionStatus
	for _, inst := range instances {
		if inst.ChildMachine == "" && inst.parent == "" {
			status = inst.Status
		}
	}
	return status
}
