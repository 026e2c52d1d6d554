package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/conveyor/pkg/schema"
)

// ContextElementType tags the kind of value a context element carries.
type ContextElementType string

const (
	ElementStandard ContextElementType = "STANDARD"
	ElementParam    ContextElementType = "PARAM"
	ElementInstance ContextElementType = "INSTANCE"
	ElementHost     ContextElementType = "HOST"
	ElementService  ContextElementType = "SERVICE"
	ElementPhase    ContextElementType = "PHASE"
	ElementArtifact ContextElementType = "ARTIFACT"
	ElementFork     ContextElementType = "FORK"
	ElementRepeat   ContextElementType = "REPEAT"
	ElementOther    ContextElementType = "OTHER"
)

// PhaseParamElementName names the PARAM element whose variable overrides are
// exposed to expressions under "serviceVariable".
const PhaseParamElementName = "PHASE_PARAM"

// ContextElement is a named, typed value pushed onto an instance's scope stack.
type ContextElement struct {
	UUID              string             `json:"uuid,omitempty"`
	Type              ContextElementType `json:"type"`
	Name              string             `json:"name"`
	Values            map[string]any     `json:"values,omitempty"`
	VariableOverrides map[string]string  `json:"variable_overrides,omitempty"`
}

// ParamMap is the key/value contribution of the element to expression evaluation.
// STANDARD elements contribute their values at top level; every other element
// contributes its values under its name.
func (e ContextElement) ParamMap() map[string]any {
	if e.Type == ElementStandard {
		return copyMap(e.Values)
	}
	if e.Name == "" {
		return map[string]any{}
	}
	return map[string]any{e.Name: copyMap(e.Values)}
}

// Clone returns a deep copy of the element.
func (e ContextElement) Clone() ContextElement {
	out := e
	out.Values = copyMap(e.Values)
	if e.VariableOverrides != nil {
		out.VariableOverrides = make(map[string]string, len(e.VariableOverrides))
		for k, v := range e.VariableOverrides {
			out.VariableOverrides[k] = v
		}
	}
	return out
}

// StateExecutionData is the per-state result recorded on an instance.
type StateExecutionData struct {
	StateName string                 `json:"state_name"`
	StateType string                 `json:"state_type,omitempty"`
	Status    schema.ExecutionStatus `json:"status,omitempty"`
	StartTs   *time.Time             `json:"start_ts,omitempty"`
	EndTs     *time.Time             `json:"end_ts,omitempty"`
	ErrorMsg  string                 `json:"error_msg,omitempty"`
	Data      map[string]any         `json:"data,omitempty"`
}

// Clone returns a deep copy of the data.
func (d *StateExecutionData) Clone() *StateExecutionData {
	if d == nil {
		return nil
	}
	out := *d
	out.StartTs = copyTime(d.StartTs)
	out.EndTs = copyTime(d.EndTs)
	out.Data = copyMap(d.Data)
	return &out
}

// ToMap flattens the data for expression evaluation: the state-specific data
// keys plus stateName, status, errorMsg, startTs and endTs.
func (d *StateExecutionData) ToMap() map[string]any {
	m := copyMap(d.Data)
	if m == nil {
		m = make(map[string]any)
	}
	m["stateName"] = d.StateName
	m["stateType"] = d.StateType
	m["status"] = string(d.Status)
	m["errorMsg"] = d.ErrorMsg
	if d.StartTs != nil {
		m["startTs"] = d.StartTs.UnixMilli()
	}
	if d.EndTs != nil {
		m["endTs"] = d.EndTs.UnixMilli()
	}
	return m
}

// AdvisorRef names an execution event advisor registered with the state registry.
type AdvisorRef struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// StateExecutionInstance is the persisted record of one state's execution within one branch.
type StateExecutionInstance struct {
	UUID                string                 `json:"uuid"`
	AppID               string                 `json:"app_id"`
	ExecutionUUID       string                 `json:"execution_uuid"`
	ExecutionName       string                 `json:"execution_name,omitempty"`
	StateMachineID      string                 `json:"state_machine_id"`
	ChildStateMachineID string                 `json:"child_state_machine_id,omitempty"`
	StateName           string                 `json:"state_name"`
	StateType           string                 `json:"state_type,omitempty"`
	Status              schema.ExecutionStatus `json:"status"`

	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	PrevInstanceID   string `json:"prev_instance_id,omitempty"`
	NextInstanceID   string `json:"next_instance_id,omitempty"`
	CloneInstanceID  string `json:"clone_instance_id,omitempty"`

	ContextElements []ContextElement `json:"context_elements,omitempty"`
	NotifyElements  []ContextElement `json:"notify_elements,omitempty"`
	// PendingElements are the successor's elements held while a finished
	// step is parked in PAUSED.
	PendingElements []ContextElement `json:"pending_elements,omitempty"`

	StateExecutionMap         map[string]*StateExecutionData `json:"state_execution_map,omitempty"`
	StateExecutionDataHistory []*StateExecutionData          `json:"state_execution_data_history,omitempty"`

	NotifyID               string       `json:"notify_id,omitempty"`
	DelegateTaskID         string       `json:"delegate_task_id,omitempty"`
	Callback               string       `json:"callback,omitempty"`
	ExecutionEventAdvisors []AdvisorRef `json:"execution_event_advisors,omitempty"`
	Rollback               bool         `json:"rollback,omitempty"`

	StartTs   *time.Time `json:"start_ts,omitempty"`
	EndTs     *time.Time `json:"end_ts,omitempty"`
	ExpiryTs  *time.Time `json:"expiry_ts,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the instance, identity included.
func (i *StateExecutionInstance) Clone() *StateExecutionInstance {
	out := *i
	out.ContextElements = cloneElements(i.ContextElements)
	out.NotifyElements = cloneElements(i.NotifyElements)
	out.PendingElements = cloneElements(i.PendingElements)
	if i.StateExecutionMap != nil {
		out.StateExecutionMap = make(map[string]*StateExecutionData, len(i.StateExecutionMap))
		for k, v := range i.StateExecutionMap {
			out.StateExecutionMap[k] = v.Clone()
		}
	}
	if i.StateExecutionDataHistory != nil {
		out.StateExecutionDataHistory = make([]*StateExecutionData, len(i.StateExecutionDataHistory))
		for k, v := range i.StateExecutionDataHistory {
			out.StateExecutionDataHistory[k] = v.Clone()
		}
	}
	if i.ExecutionEventAdvisors != nil {
		out.ExecutionEventAdvisors = make([]AdvisorRef, len(i.ExecutionEventAdvisors))
		for k, a := range i.ExecutionEventAdvisors {
			out.ExecutionEventAdvisors[k] = AdvisorRef{Type: a.Type, Params: copyMap(a.Params)}
		}
	}
	out.StartTs = copyTime(i.StartTs)
	out.EndTs = copyTime(i.EndTs)
	out.ExpiryTs = copyTime(i.ExpiryTs)
	return &out
}

// CloneForTransition builds the successor instance for nextState. Context stack,
// execution maps, advisors and coordination fields carry over; identity,
// status, timing and forward lineage reset.
func (i *StateExecutionInstance) CloneForTransition(nextState, nextType string) *StateExecutionInstance {
	out := i.Clone()
	out.UUID = ""
	out.Status = schema.StatusNew
	out.StartTs = nil
	out.EndTs = nil
	out.ExpiryTs = nil
	out.PrevInstanceID = i.UUID
	out.NextInstanceID = ""
	out.PendingElements = nil
	out.CloneInstanceID = ""
	out.DelegateTaskID = ""
	out.StateName = nextState
	out.StateType = nextType
	out.CreatedAt = time.Time{}
	out.UpdatedAt = time.Time{}
	return out
}

// CloneForSpawn builds a child instance template spawned by i. The caller sets
// the child's state, notify id and any extra context elements.
func (i *StateExecutionInstance) CloneForSpawn() *StateExecutionInstance {
	out := i.Clone()
	out.UUID = ""
	out.Status = schema.StatusNew
	out.ParentInstanceID = i.UUID
	out.PrevInstanceID = ""
	out.NextInstanceID = ""
	out.CloneInstanceID = ""
	out.NotifyElements = nil
	out.PendingElements = nil
	out.NotifyID = ""
	out.Callback = ""
	out.DelegateTaskID = ""
	out.StartTs = nil
	out.EndTs = nil
	out.ExpiryTs = nil
	out.CreatedAt = time.Time{}
	out.UpdatedAt = time.Time{}
	return out
}

// PushContextElement appends e to the top of the scope stack.
func (i *StateExecutionInstance) PushContextElement(e ContextElement) {
	i.ContextElements = append(i.ContextElements, e)
}

// TopDown returns the scope stack from the most recent push to the oldest.
func (i *StateExecutionInstance) TopDown() []ContextElement {
	out := make([]ContextElement, 0, len(i.ContextElements))
	for k := len(i.ContextElements) - 1; k >= 0; k-- {
		out = append(out, i.ContextElements[k])
	}
	return out
}

// BottomUp returns the scope stack from the oldest push to the most recent.
func (i *StateExecutionInstance) BottomUp() []ContextElement {
	out := make([]ContextElement, len(i.ContextElements))
	copy(out, i.ContextElements)
	return out
}

// CurrentStateExecutionData returns the data recorded for the instance's own state.
func (i *StateExecutionInstance) CurrentStateExecutionData() *StateExecutionData {
	if i.StateExecutionMap == nil {
		return nil
	}
	return i.StateExecutionMap[i.StateName]
}

// InstanceUpdate holds the fields written by a conditional instance update.
// Nil fields are left untouched.
type InstanceUpdate struct {
	Status                    *schema.ExecutionStatus
	StartTs                   *time.Time
	EndTs                     *time.Time
	ClearEndTs                bool
	ExpiryTs                  *time.Time
	NextInstanceID            *string
	DelegateTaskID            *string
	ContextElements           []ContextElement
	NotifyElements            []ContextElement
	PendingElements           []ContextElement // an empty non-nil slice clears them
	StateExecutionMap         map[string]*StateExecutionData
	StateExecutionDataHistory []*StateExecutionData
}

// Apply writes the update onto inst. Stores call it after the status check passes.
func (u InstanceUpdate) Apply(inst *StateExecutionInstance) {
	if u.Status != nil {
		inst.Status = *u.Status
	}
	if u.StartTs != nil {
		inst.StartTs = copyTime(u.StartTs)
	}
	if u.ClearEndTs {
		inst.EndTs = nil
	} else if u.EndTs != nil {
		inst.EndTs = copyTime(u.EndTs)
	}
	if u.ExpiryTs != nil {
		inst.ExpiryTs = copyTime(u.ExpiryTs)
	}
	if u.NextInstanceID != nil {
		inst.NextInstanceID = *u.NextInstanceID
	}
	if u.DelegateTaskID != nil {
		inst.DelegateTaskID = *u.DelegateTaskID
	}
	if u.ContextElements != nil {
		inst.ContextElements = cloneElements(u.ContextElements)
	}
	if u.NotifyElements != nil {
		inst.NotifyElements = cloneElements(u.NotifyElements)
	}
	if u.PendingElements != nil {
		inst.PendingElements = nil
		if len(u.PendingElements) > 0 {
			inst.PendingElements = cloneElements(u.PendingElements)
		}
	}
	if u.StateExecutionMap != nil {
		inst.StateExecutionMap = make(map[string]*StateExecutionData, len(u.StateExecutionMap))
		for k, v := range u.StateExecutionMap {
			inst.StateExecutionMap[k] = v.Clone()
		}
	}
	if u.StateExecutionDataHistory != nil {
		inst.StateExecutionDataHistory = make([]*StateExecutionData, len(u.StateExecutionDataHistory))
		for k, v := range u.StateExecutionDataHistory {
			inst.StateExecutionDataHistory[k] = v.Clone()
		}
	}
}

// InstanceFilter selects instances for listing or bulk updates.
type InstanceFilter struct {
	AppID             string
	ExecutionUUID     string
	ParentInstanceID  string
	Statuses          []schema.ExecutionStatus
	ExcludeStateTypes []string
	NotStarted        bool       // start_ts IS NULL
	ExpiredBefore     *time.Time // expiry_ts < value
	Limit             int
}

// ExecutionInterrupt is a validated control action targeting a run or an instance.
type ExecutionInterrupt struct {
	UUID                     string               `json:"uuid"`
	AppID                    string               `json:"app_id"`
	ExecutionUUID            string               `json:"execution_uuid"`
	StateExecutionInstanceID string               `json:"state_execution_instance_id,omitempty"`
	Type                     schema.InterruptType `json:"execution_interrupt_type"`
	CreatedAt                time.Time            `json:"created_at"`
}

// InterruptFilter selects interrupts.
type InterruptFilter struct {
	AppID                    string
	ExecutionUUID            string
	StateExecutionInstanceID string
	Types                    []schema.InterruptType
}

// StateMachineRecord is a persisted state machine definition.
type StateMachineRecord struct {
	ID         string                        `json:"id"`
	AppID      string                        `json:"app_id"`
	Name       string                        `json:"name,omitempty"`
	Definition schema.StateMachineDefinition `json:"definition"`
	CreatedAt  time.Time                     `json:"created_at"`
}

// Event is an immutable entry in the execution audit log.
type Event struct {
	ID            int64           `json:"id"`
	ExecutionUUID string          `json:"execution_uuid"`
	InstanceID    string          `json:"instance_id,omitempty"`
	StateName     string          `json:"state_name,omitempty"`
	Type          string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      int64           `json:"sequence"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	ExecutionUUID string
	InstanceID    string
	Type          string
	Since         int64 // sequence, exclusive
	Limit         int
}

func cloneElements(in []ContextElement) []ContextElement {
	if in == nil {
		return nil
	}
	out := make([]ContextElement, len(in))
	for k, e := range in {
		out[k] = e.Clone()
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// copyMap deep-copies nested maps and slices so clones never share mutable state.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = copyValue(x)
		}
		return out
	default:
		return v
	}
}
