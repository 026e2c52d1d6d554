package store

import (
	"context"

	"github.com/rendis/conveyor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// State machine definitions
	SaveStateMachine(ctx context.Context, rec *StateMachineRecord) error
	GetStateMachine(ctx context.Context, appID, id string) (*StateMachineRecord, error)

	// State execution instances. CreateInstance assigns UUID when empty.
	CreateInstance(ctx context.Context, inst *StateExecutionInstance) error
	GetInstance(ctx context.Context, appID, id string) (*StateExecutionInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*StateExecutionInstance, error)

	// UpdateInstance applies update iff the persisted status is in expected.
	// It returns the number of affected records (0 or 1). An empty expected set
	// updates unconditionally.
	UpdateInstance(ctx context.Context, appID, id string, expected []schema.ExecutionStatus, update InstanceUpdate) (int64, error)
	// UpdateInstances applies update to every instance matching filter whose
	// status is in expected.
	UpdateInstances(ctx context.Context, filter InstanceFilter, expected []schema.ExecutionStatus, update InstanceUpdate) (int64, error)

	// Interrupts
	CreateInterrupt(ctx context.Context, in *ExecutionInterrupt) error
	ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*ExecutionInterrupt, error)
	DeleteInterrupt(ctx context.Context, appID, id string) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
