package notify

import (
	"context"
	"sync"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// Response is the completion payload delivered for one correlation id.
type Response struct {
	Status   schema.ExecutionStatus `json:"status"`
	Elements []store.ContextElement `json:"elements,omitempty"`
	Data     map[string]any         `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Callback receives every response of a completed wait, keyed by correlation id.
type Callback func(ctx context.Context, responses map[string]Response)

// Bus correlates asynchronous completions with the instances waiting on them.
// A wait fires its callback exactly once, after every id has a response.
// Responses that arrive before the wait is registered are kept.
type Bus interface {
	WaitForAll(ctx context.Context, callback Callback, ids ...string) error
	Notify(ctx context.Context, id string, resp Response) error
}

// wait is one registered WaitForAll call.
type wait struct {
	ids       []string
	responses map[string]Response
	callback  Callback
	fired     bool
}

func (w *wait) complete() bool {
	return len(w.responses) == len(w.ids)
}

// registry tracks pending waits by correlation id. Delivery is idempotent
// per wait, so the same response may be offered more than once.
type registry struct {
	mu    sync.Mutex
	waits map[string][]*wait
}

func newRegistry() *registry {
	return &registry{waits: make(map[string][]*wait)}
}

// register adds a wait, pre-filled with any already known responses. It
// returns the wait when it is complete on registration.
func (r *registry) register(callback Callback, ids []string, known map[string]Response) *wait {
	w := &wait{ids: dedupe(ids), responses: make(map[string]Response, len(ids)), callback: callback}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range w.ids {
		if resp, ok := known[id]; ok {
			w.responses[id] = resp
		}
	}
	if w.complete() {
		w.fired = true
		return w
	}
	for _, id := range w.ids {
		if _, ok := w.responses[id]; !ok {
			r.waits[id] = append(r.waits[id], w)
		}
	}
	return w
}

// deliver records resp on every wait for id and returns the waits it completed.
func (r *registry) deliver(id string, resp Response) (completed []*wait, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.waits[id]
	if len(pending) == 0 {
		return nil, false
	}
	delete(r.waits, id)
	for _, w := range pending {
		if w.fired {
			continue
		}
		w.responses[id] = resp
		if w.complete() {
			w.fired = true
			completed = append(completed, w)
		}
	}
	return completed, true
}

// pending reports how many correlation ids still have waiters.
func (r *registry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

func fire(ctx context.Context, waits ...*wait) {
	for _, w := range waits {
		if w == nil {
			continue
		}
		out := make(map[string]Response, len(w.responses))
		for k, v := range w.responses {
			out[k] = v
		}
		w.callback(ctx, out)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func validateWait(callback Callback, ids []string) error {
	if callback == nil {
		return schema.NewError(schema.ErrCodeInvalidArgument, "wait callback is required")
	}
	if len(ids) == 0 {
		return schema.NewError(schema.ErrCodeInvalidArgument, "wait requires at least one correlation id")
	}
	for _, id := range ids {
		if id == "" {
			return schema.NewError(schema.ErrCodeInvalidArgument, "correlation id must not be empty")
		}
	}
	return nil
}
