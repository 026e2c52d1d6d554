// Package streaming fans run events out to live subscribers as they are
// persisted.
package streaming

import (
	"context"

	"github.com/rendis/conveyor/internal/store"
)

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	ExecutionUUID string
	Types         []string
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event store.Event) error
	// Subscribe returns the event channel and a cancel func that removes the
	// subscription and closes the channel.
	Subscribe(ctx context.Context, filter Filter) (<-chan store.Event, func(), error)
}

// EventStore is a store.Store that publishes every event it appends.
type EventStore struct {
	store.Store
	hub Hub
}

// NewEventStore wraps s so that appended events also reach hub.
func NewEventStore(s store.Store, hub Hub) *EventStore {
	return &EventStore{Store: s, hub: hub}
}

// AppendEvent persists the event, then publishes it with the id and
// sequence the store assigned. Publishing never fails the append.
func (s *EventStore) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := s.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), *event)
	return nil
}
