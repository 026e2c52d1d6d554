package notify

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rendis/conveyor/pkg/schema"
)

type MemoryOptions struct {
	// ResponseTTL bounds how long an unclaimed response is kept.
	ResponseTTL time.Duration
	// MaxUnclaimed caps the unclaimed responses held; the least recently
	// stored is dropped first.
	MaxUnclaimed uint64
}

type MemoryOption func(*MemoryOptions)

func WithMemoryResponseTTL(ttl time.Duration) MemoryOption {
	return func(o *MemoryOptions) {
		o.ResponseTTL = ttl
	}
}

func WithMaxUnclaimed(n uint64) MemoryOption {
	return func(o *MemoryOptions) {
		o.MaxUnclaimed = n
	}
}

// MemoryBus is an in-process Bus. Unclaimed responses are held until a wait
// consumes them or they expire.
type MemoryBus struct {
	mu      sync.Mutex
	early   *ttlcache.Cache[string, Response]
	waiters *registry
}

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	options := MemoryOptions{
		ResponseTTL:  24 * time.Hour,
		MaxUnclaimed: 10000,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &MemoryBus{
		early: ttlcache.New(
			ttlcache.WithTTL[string, Response](options.ResponseTTL),
			ttlcache.WithCapacity[string, Response](options.MaxUnclaimed),
			ttlcache.WithDisableTouchOnHit[string, Response](),
		),
		waiters: newRegistry(),
	}
}

// WaitForAll registers callback for ids. If every id already has a response
// the callback runs before WaitForAll returns.
func (b *MemoryBus) WaitForAll(ctx context.Context, callback Callback, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateWait(callback, ids); err != nil {
		return err
	}

	b.mu.Lock()
	known := make(map[string]Response)
	for _, id := range ids {
		if item := b.early.Get(id); item != nil {
			known[id] = item.Value()
			b.early.Delete(id)
		}
	}
	w := b.waiters.register(callback, ids, known)
	b.mu.Unlock()

	if w.fired {
		fire(ctx, w)
	}
	return nil
}

// Notify delivers resp for id. Completed waits run on the caller's goroutine.
func (b *MemoryBus) Notify(ctx context.Context, id string, resp Response) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeInvalidArgument, "correlation id must not be empty")
	}

	b.mu.Lock()
	completed, matched := b.waiters.deliver(id, resp)
	if !matched {
		b.early.DeleteExpired()
		b.early.Set(id, resp, ttlcache.DefaultTTL)
	}
	b.mu.Unlock()

	fire(ctx, completed...)
	return nil
}

// Pending returns the number of correlation ids with registered waiters.
func (b *MemoryBus) Pending() int {
	return b.waiters.pending()
}

// Unclaimed returns the number of responses held for waits not yet registered.
func (b *MemoryBus) Unclaimed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.early.DeleteExpired()
	return b.early.Len()
}

var _ Bus = (*MemoryBus)(nil)
