package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conveyor/pkg/schema"
)

// MemoryStore is an in-process Store. It keeps the same conditional-update
// semantics as SQLStore and hands out deep copies, so callers never share
// records with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	machines   map[string]*StateMachineRecord
	instances  map[string]*StateExecutionInstance
	interrupts map[string]*ExecutionInterrupt
	events     []*Event
	seq        map[string]int64
	nextID     int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:   make(map[string]*StateMachineRecord),
		instances:  make(map[string]*StateExecutionInstance),
		interrupts: make(map[string]*ExecutionInterrupt),
		seq:        make(map[string]int64),
	}
}

func machineKey(appID, id string) string { return appID + "/" + id }

func (m *MemoryStore) SaveStateMachine(_ context.Context, rec *StateMachineRecord) error {
	raw, err := json.Marshal(rec.Definition)
	if err != nil {
		return err
	}
	cp := *rec
	if err := json.Unmarshal(raw, &cp.Definition); err != nil {
		return err
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	rec.CreatedAt = cp.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines[machineKey(rec.AppID, rec.ID)] = &cp
	return nil
}

func (m *MemoryStore) GetStateMachine(_ context.Context, appID, id string) (*StateMachineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.machines[machineKey(appID, id)]
	if !ok {
		return nil, storeNotFound("state machine", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) CreateInstance(_ context.Context, inst *StateExecutionInstance) error {
	if inst.UUID == "" {
		inst.UUID = uuid.New().String()
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.UUID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "state execution instance %q already exists", inst.UUID)
	}
	m.instances[inst.UUID] = inst.Clone()
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, appID, id string) (*StateExecutionInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok || inst.AppID != appID {
		return nil, storeNotFound("state execution instance", id)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*StateExecutionInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StateExecutionInstance
	for _, inst := range m.instances {
		if matchInstance(filter, inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UUID < out[j].UUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, appID, id string, expected []schema.ExecutionStatus, update InstanceUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok || inst.AppID != appID {
		return 0, nil
	}
	if len(expected) > 0 && !inst.Status.In(expected...) {
		return 0, nil
	}
	update.Apply(inst)
	inst.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *MemoryStore) UpdateInstances(_ context.Context, filter InstanceFilter, expected []schema.ExecutionStatus, update InstanceUpdate) (int64, error) {
	filter.Statuses = expected
	filter.Limit = 0

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, inst := range m.instances {
		if !matchInstance(filter, inst) {
			continue
		}
		update.Apply(inst)
		inst.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

func matchInstance(f InstanceFilter, inst *StateExecutionInstance) bool {
	if f.AppID != "" && f.AppID != inst.AppID {
		return false
	}
	if f.ExecutionUUID != "" && f.ExecutionUUID != inst.ExecutionUUID {
		return false
	}
	if f.ParentInstanceID != "" && f.ParentInstanceID != inst.ParentInstanceID {
		return false
	}
	if len(f.Statuses) > 0 && !inst.Status.In(f.Statuses...) {
		return false
	}
	for _, t := range f.ExcludeStateTypes {
		if inst.StateType == t {
			return false
		}
	}
	if f.NotStarted && inst.StartTs != nil {
		return false
	}
	if f.ExpiredBefore != nil && (inst.ExpiryTs == nil || !inst.ExpiryTs.Before(*f.ExpiredBefore)) {
		return false
	}
	return true
}

func (m *MemoryStore) CreateInterrupt(_ context.Context, in *ExecutionInterrupt) error {
	if in.UUID == "" {
		in.UUID = uuid.New().String()
	}
	in.CreatedAt = timeOrNow(in.CreatedAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.interrupts[in.UUID] = &cp
	return nil
}

func (m *MemoryStore) ListInterrupts(_ context.Context, filter InterruptFilter) ([]*ExecutionInterrupt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ExecutionInterrupt
	for _, in := range m.interrupts {
		if filter.AppID != "" && filter.AppID != in.AppID {
			continue
		}
		if filter.ExecutionUUID != "" && filter.ExecutionUUID != in.ExecutionUUID {
			continue
		}
		if filter.StateExecutionInstanceID != "" && filter.StateExecutionInstanceID != in.StateExecutionInstanceID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, in.Type) {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsType(types []schema.InterruptType, t schema.InterruptType) bool {
	for _, c := range types {
		if c == t {
			return true
		}
	}
	return false
}

func (m *MemoryStore) DeleteInterrupt(_ context.Context, appID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.interrupts[id]
	if !ok || in.AppID != appID {
		return storeNotFound("interrupt", id)
	}
	delete(m.interrupts, id)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.seq[event.ExecutionUUID]++
	event.ID = m.nextID
	event.Sequence = m.seq[event.ExecutionUUID]
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if filter.ExecutionUUID != "" && filter.ExecutionUUID != e.ExecutionUUID {
			continue
		}
		if filter.InstanceID != "" && filter.InstanceID != e.InstanceID {
			continue
		}
		if filter.Type != "" && filter.Type != e.Type {
			continue
		}
		if e.Sequence <= filter.Since {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
