package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/conveyor/internal/store"
)

const defaultChannelBuffer = 64

type subscription struct {
	ch      chan store.Event
	filter  Filter
	dropped atomic.Int64
}

func (s *subscription) matches(e store.Event) bool {
	if s.filter.ExecutionUUID != "" && s.filter.ExecutionUUID != e.ExecutionUUID {
		return false
	}
	return len(s.filter.Types) == 0 || slices.Contains(s.filter.Types, e.Type)
}

// MemoryHub fans events out to in-process subscribers. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event
// and the miss is counted.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, event store.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns a channel of matching events. The subscription ends,
// closing the channel, when cancel is called or ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan store.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{ch: make(chan store.Event, defaultChannelBuffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return sub.ch, func() {
		stop()
		unsubscribe()
	}, nil
}

// Dropped reports how many deliveries were skipped because a subscriber
// was not keeping up.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

var _ Hub = (*MemoryHub)(nil)
