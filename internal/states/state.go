package states

import (
	"context"

	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// State is a named unit of work in a state machine graph.
type State interface {
	Name() string
	Type() string
	Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error)
	// HandleAsyncResponse interprets the responses for every correlation id
	// returned by Execute (or by a previous HandleAsyncResponse).
	HandleAsyncResponse(ctx context.Context, ec ExecutionContext, responses map[string]notify.Response) (*ExecutionResponse, error)
	HandleAbortEvent(ctx context.Context, ec ExecutionContext) error
}

// ExecutionContext is the read-only view of an instance handed to states and advisors.
type ExecutionContext interface {
	AppID() string
	ExecutionUUID() string
	ExecutionName() string
	StateExecutionInstanceID() string
	StateName() string
	ChildStateMachineID() string

	// StateExecutionData is the data recorded for the current state, or nil.
	StateExecutionData() *store.StateExecutionData
	StateExecutionDataFor(stateName string) *store.StateExecutionData

	// ContextElement returns the innermost element of type t.
	ContextElement(t store.ContextElementType) (store.ContextElement, bool)
	// ContextElements returns every element of type t, innermost first.
	ContextElements(t store.ContextElementType) []store.ContextElement
	ContextMap() map[string]any

	RenderExpression(ctx context.Context, expression string) string
	EvaluateExpression(ctx context.Context, expression string) (any, error)
	ErrorStrategy() schema.ErrorStrategy

	// NewChildInstance returns a NEW instance template spawned by the current
	// one. The caller sets its state, notify id and extra context elements.
	NewChildInstance() *store.StateExecutionInstance
}

// ExecutionResponse is what a state reports back to the executor.
type ExecutionResponse struct {
	Status schema.ExecutionStatus
	// CorrelationIDs makes the response asynchronous: the instance waits until
	// every id has been notified.
	CorrelationIDs     []string
	StateExecutionData map[string]any
	ErrorMessage       string
	// Elements are pushed onto the successor's context stack.
	Elements []store.ContextElement
	// NotifyElements are surfaced to whatever waits on this branch.
	NotifyElements []store.ContextElement
	SpawnInstances []*store.StateExecutionInstance
}

// IsAsync reports whether the response carries correlation ids.
func (r *ExecutionResponse) IsAsync() bool {
	return r != nil && len(r.CorrelationIDs) > 0
}

// Success is a synchronous SUCCESS response carrying data.
func Success(data map[string]any) *ExecutionResponse {
	return &ExecutionResponse{Status: schema.StatusSuccess, StateExecutionData: data}
}

// Failed is a synchronous FAILED response with msg as the error message.
func Failed(msg string, data map[string]any) *ExecutionResponse {
	return &ExecutionResponse{Status: schema.StatusFailed, ErrorMessage: msg, StateExecutionData: data}
}

// base carries the name and type of a state and the default hooks.
type base struct {
	name string
	typ  string
}

func (b base) Name() string { return b.name }
func (b base) Type() string { return b.typ }

func (b base) HandleAsyncResponse(context.Context, ExecutionContext, map[string]notify.Response) (*ExecutionResponse, error) {
	return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "state %q (%s) does not handle async responses", b.name, b.typ)
}

func (b base) HandleAbortEvent(context.Context, ExecutionContext) error { return nil }
