package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// TransitionHook is called after a successful instance transition.
type TransitionHook func(ctx context.Context, inst *store.StateExecutionInstance, from, to schema.ExecutionStatus)

// EventAppender is satisfied by the Store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// instanceUpdater is the slice of the Store the FSM writes through.
type instanceUpdater interface {
	EventAppender
	UpdateInstance(ctx context.Context, appID, id string, expected []schema.ExecutionStatus, update store.InstanceUpdate) (int64, error)
}

// InstanceFSM applies status transitions to persisted instances. Every
// transition is a conditional update: it only lands when the persisted
// status is one of the expected ones.
type InstanceFSM struct {
	mu    sync.Mutex
	store instanceUpdater
	clock clock.Clock
	after map[schema.ExecutionStatus][]TransitionHook
}

// NewInstanceFSM creates an InstanceFSM writing through s.
func NewInstanceFSM(s instanceUpdater, clk clock.Clock) *InstanceFSM {
	if clk == nil {
		clk = clock.New()
	}
	return &InstanceFSM{
		store: s,
		clock: clk,
		after: make(map[schema.ExecutionStatus][]TransitionHook),
	}
}

// OnAfter registers a hook called after any transition into to.
func (f *InstanceFSM) OnAfter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves inst to status to, provided its persisted status is one
// of from. Each from -> to pair must be in ValidInstanceTransitions. On
// success the update is applied to inst as well.
func (f *InstanceFSM) Transition(ctx context.Context, inst *store.StateExecutionInstance, from []schema.ExecutionStatus, to schema.ExecutionStatus, update store.InstanceUpdate) error {
	if len(from) == 0 {
		from = []schema.ExecutionStatus{inst.Status}
	}
	for _, s := range from {
		if !IsValidInstanceTransition(s, to) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid instance transition: %s -> %s", s, to).
				WithInstance(inst.UUID).
				WithDetails(map[string]any{"state_name": inst.StateName, "from": string(s), "to": string(to)})
		}
	}

	update.Status = &to
	n, err := f.store.UpdateInstance(ctx, inst.AppID, inst.UUID, from, update)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update instance: %s", err.Error()).
			WithInstance(inst.UUID).WithCause(err)
	}
	if n == 0 {
		return persistenceRace(inst, from, to)
	}

	prev := inst.Status
	update.Apply(inst)
	f.emit(ctx, inst, schema.StatusEventType(to), map[string]any{"from": string(prev), "to": string(to)})

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.after[to]...)
	f.mu.Unlock()
	for _, h := range hooks {
		h(ctx, inst, prev, to)
	}
	return nil
}

// Update writes fields without changing the status, under the same
// conditional semantics.
func (f *InstanceFSM) Update(ctx context.Context, inst *store.StateExecutionInstance, expected []schema.ExecutionStatus, update store.InstanceUpdate) error {
	if len(expected) == 0 {
		expected = []schema.ExecutionStatus{inst.Status}
	}
	update.Status = nil
	n, err := f.store.UpdateInstance(ctx, inst.AppID, inst.UUID, expected, update)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update instance: %s", err.Error()).
			WithInstance(inst.UUID).WithCause(err)
	}
	if n == 0 {
		return persistenceRace(inst, expected, inst.Status)
	}
	update.Apply(inst)
	return nil
}

// emit appends an audit event for inst. Failures to emit are not fatal to
// the transition that already landed.
func (f *InstanceFSM) emit(ctx context.Context, inst *store.StateExecutionInstance, eventType string, payload map[string]any) {
	if eventType == "" {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	_ = f.store.AppendEvent(ctx, &store.Event{
		ExecutionUUID: inst.ExecutionUUID,
		InstanceID:    inst.UUID,
		StateName:     inst.StateName,
		Type:          eventType,
		Payload:       raw,
		Timestamp:     f.clock.Now().UTC(),
	})
}

func persistenceRace(inst *store.StateExecutionInstance, from []schema.ExecutionStatus, to schema.ExecutionStatus) error {
	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}
	return schema.NewErrorf(schema.ErrCodePersistenceRace,
		"conditional update to %s matched no record (expected status in %v)", to, expected).
		WithInstance(inst.UUID).
		WithDetails(map[string]any{"state_name": inst.StateName, "expected": expected, "to": string(to)})
}

// IsValidInstanceTransition reports whether from -> to is in the transition table.
func IsValidInstanceTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status with a transition into to, restricted to
// candidates when given.
func SourcesOf(to schema.ExecutionStatus, candidates ...schema.ExecutionStatus) []schema.ExecutionStatus {
	var out []schema.ExecutionStatus
	for _, from := range schema.AllStatuses {
		if !IsValidInstanceTransition(from, to) {
			continue
		}
		if len(candidates) > 0 && !from.In(candidates...) {
			continue
		}
		out = append(out, from)
	}
	return out
}

// --- Transition table ---

// ValidInstanceTransitions defines the allowed status transitions for state execution instances.
var ValidInstanceTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusNew: {schema.StatusStarting, schema.StatusPaused, schema.StatusAborting},
	schema.StatusStarting: {
		schema.StatusRunning, schema.StatusSuccess, schema.StatusFailed, schema.StatusError,
		schema.StatusAborted, schema.StatusPaused, schema.StatusWaiting, schema.StatusAborting,
	},
	schema.StatusRunning: {
		schema.StatusRunning, schema.StatusSuccess, schema.StatusFailed, schema.StatusError,
		schema.StatusAborted, schema.StatusPaused, schema.StatusWaiting, schema.StatusAborting,
	},
	schema.StatusPaused:        {schema.StatusStarting, schema.StatusSuccess, schema.StatusFailed, schema.StatusAborting},
	schema.StatusPausedOnError: {schema.StatusStarting, schema.StatusSuccess, schema.StatusFailed, schema.StatusAborting},
	schema.StatusWaiting:       {schema.StatusStarting, schema.StatusSuccess, schema.StatusFailed, schema.StatusAborting},
	schema.StatusError:         {schema.StatusStarting, schema.StatusPausedOnError, schema.StatusSuccess, schema.StatusFailed},
	schema.StatusFailed:        {schema.StatusPausedOnError},
	schema.StatusAborting:      {schema.StatusAborted},
	schema.StatusSuccess:       {},
	schema.StatusAborted:       {},
	schema.StatusResumed:       {},
}
