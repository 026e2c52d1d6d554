package states

import (
	"context"
	"encoding/json"

	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// --- noop ---

type noopParams struct {
	Message string `json:"message,omitempty"`
}

// noopState succeeds immediately, recording its rendered message.
type noopState struct {
	base
	params noopParams
}

func newNoopState(name string, params json.RawMessage) (State, error) {
	s := &noopState{base: base{name: name, typ: schema.StateTypeNoop}}
	if err := decodeParams(params, &s.params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *noopState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	var data map[string]any
	if s.params.Message != "" {
		data = map[string]any{"message": ec.RenderExpression(ctx, s.params.Message)}
	}
	return Success(data), nil
}

// --- pause ---

type pauseParams struct {
	Reason string `json:"reason,omitempty"`
}

// pauseState parks the branch in PAUSED until a RESUME interrupt arrives.
type pauseState struct {
	base
	params pauseParams
}

func newPauseState(name string, params json.RawMessage) (State, error) {
	s := &pauseState{base: base{name: name, typ: schema.StateTypePause}}
	if err := decodeParams(params, &s.params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *pauseState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	resp := &ExecutionResponse{Status: schema.StatusPaused}
	if s.params.Reason != "" {
		resp.StateExecutionData = map[string]any{"reason": ec.RenderExpression(ctx, s.params.Reason)}
	}
	return resp, nil
}

// --- wait ---

// WaitCorrelationID is the id a wait state listens on.
func WaitCorrelationID(instanceID string) string {
	return "wait-" + instanceID
}

type waitParams struct {
	Message string `json:"message,omitempty"`
}

// waitState suspends the branch until an external actor notifies
// WaitCorrelationID(instance). The notification decides the outcome.
type waitState struct {
	base
	params waitParams
}

func newWaitState(name string, params json.RawMessage) (State, error) {
	s := &waitState{base: base{name: name, typ: schema.StateTypeWait}}
	if err := decodeParams(params, &s.params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *waitState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	id := WaitCorrelationID(ec.StateExecutionInstanceID())
	data := map[string]any{"correlationId": id}
	if s.params.Message != "" {
		data["message"] = ec.RenderExpression(ctx, s.params.Message)
	}
	return &ExecutionResponse{
		Status:             schema.StatusWaiting,
		CorrelationIDs:     []string{id},
		StateExecutionData: data,
	}, nil
}

func (s *waitState) HandleAsyncResponse(_ context.Context, ec ExecutionContext, responses map[string]notify.Response) (*ExecutionResponse, error) {
	resp, ok := responses[WaitCorrelationID(ec.StateExecutionInstanceID())]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "no response for wait state %q", s.name)
	}
	status := resp.Status
	if status == "" {
		status = schema.StatusSuccess
	}
	return &ExecutionResponse{
		Status:             status,
		StateExecutionData: resp.Data,
		ErrorMessage:       resp.Error,
		Elements:           cloneElements(resp.Elements),
	}, nil
}

func cloneElements(in []store.ContextElement) []store.ContextElement {
	if in == nil {
		return nil
	}
	out := make([]store.ContextElement, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
