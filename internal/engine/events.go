package engine

import (
	"context"
	"errors"

	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// abortable are the statuses ABORT_ALL moves to ABORTING.
var abortable = []schema.ExecutionStatus{
	schema.StatusNew, schema.StatusStarting, schema.StatusRunning,
	schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting,
}

// HandleEvent applies an interrupt the interrupt manager has validated and
// persisted. Instance-level interrupts are consumed here; PAUSE_ALL stays
// active until RESUME_ALL and ROLLBACK until its leg ends.
func (e *executor) HandleEvent(ctx context.Context, in *store.ExecutionInterrupt) error {
	if in == nil {
		return schema.NewError(schema.ErrCodeInvalidArgument, "interrupt is required")
	}
	ctx = logging.WithIDs(ctx, in.ExecutionUUID, in.StateExecutionInstanceID, "")
	e.logger.InfoContext(ctx, "handling interrupt", "type", string(in.Type), "interrupt_id", in.UUID)

	switch in.Type {
	case schema.InterruptPauseAll:
		// Enforced when instances are dispatched.
		return nil
	case schema.InterruptResumeAll:
		return e.resumeAll(ctx, in)
	case schema.InterruptAbortAll:
		return e.abortAll(ctx, in)
	case schema.InterruptRollback:
		return e.rollback(ctx, in)
	case schema.InterruptRollbackDone:
		e.closeInterrupts(ctx, in.AppID, in.ExecutionUUID, schema.InterruptRollback, schema.InterruptRollbackDone)
		return nil
	}

	if in.StateExecutionInstanceID == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "%s interrupt needs a state execution instance id", in.Type)
	}
	inst, err := e.store.GetInstance(ctx, in.AppID, in.StateExecutionInstanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionUUID, inst.UUID, inst.StateName)
	sm, st, err := e.resolve(ctx, inst)
	if err != nil {
		return err
	}

	switch in.Type {
	case schema.InterruptPause:
		return e.pauseInstance(ctx, inst, in)
	case schema.InterruptResume:
		e.consume(ctx, in)
		if inst.StartTs == nil {
			return e.schedule(ctx, inst)
		}
		return e.handleSync(ctx, sm, st, inst, resumed(inst, nil))
	case schema.InterruptIgnore, schema.InterruptMarkSuccess:
		e.consume(ctx, in)
		return e.handleSync(ctx, sm, st, inst, resumed(inst, map[string]any{"interrupt": string(in.Type)}))
	case schema.InterruptMarkFailed:
		e.consume(ctx, in)
		return e.handleSync(ctx, sm, st, inst, states.Failed("marked failed", map[string]any{"interrupt": string(in.Type)}))
	case schema.InterruptRetry:
		e.consume(ctx, in)
		return e.retry(ctx, inst)
	case schema.InterruptAbort:
		e.consume(ctx, in)
		return e.abort(ctx, sm, inst)
	case schema.InterruptEndExecution:
		e.consume(ctx, in)
		now := e.clock.Now().UTC()
		if err := e.fsm.Update(ctx, inst, nil, store.InstanceUpdate{EndTs: &now}); err != nil {
			return e.fatal(ctx, "end execution", err)
		}
		return e.endBranch(ctx, inst, inst.Status)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "unknown interrupt type %q", in.Type)
	}
}

// resumed is the SUCCESS response that continues a parked step. It carries
// the elements the step produced before it was paused.
func resumed(inst *store.StateExecutionInstance, data map[string]any) *states.ExecutionResponse {
	resp := states.Success(data)
	resp.Elements = inst.PendingElements
	return resp
}

// pauseInstance pauses a NEW instance right away. A started instance keeps
// the interrupt and parks once its step succeeds.
func (e *executor) pauseInstance(ctx context.Context, inst *store.StateExecutionInstance, in *store.ExecutionInterrupt) error {
	if inst.Status != schema.StatusNew {
		return nil
	}
	err := e.fsm.Transition(ctx, inst, []schema.ExecutionStatus{schema.StatusNew}, schema.StatusPaused, store.InstanceUpdate{})
	if schema.IsCode(err, schema.ErrCodePersistenceRace) {
		// A concurrent dispatch either paused or claimed it first.
		return nil
	}
	if err != nil {
		return err
	}
	e.consume(ctx, in)
	return nil
}

// retry archives the current state's data, clears endTs and dispatches the
// same instance again.
func (e *executor) retry(ctx context.Context, inst *store.StateExecutionInstance) error {
	m := make(map[string]*store.StateExecutionData, len(inst.StateExecutionMap))
	for k, v := range inst.StateExecutionMap {
		if k != inst.StateName {
			m[k] = v.Clone()
		}
	}
	history := make([]*store.StateExecutionData, 0, len(inst.StateExecutionDataHistory)+1)
	for _, d := range inst.StateExecutionDataHistory {
		history = append(history, d.Clone())
	}
	if d := inst.CurrentStateExecutionData(); d != nil {
		history = append(history, d.Clone())
	}

	update := store.InstanceUpdate{
		ClearEndTs:                true,
		StateExecutionMap:         m,
		StateExecutionDataHistory: history,
	}
	expected := []schema.ExecutionStatus{schema.StatusPausedOnError, schema.StatusWaiting, schema.StatusError}
	if err := e.fsm.Update(ctx, inst, expected, update); err != nil {
		return e.fatal(ctx, "retry: archive state data", err)
	}
	e.appendEvent(ctx, inst.ExecutionUUID, inst.UUID, schema.EventInstanceRetried,
		map[string]any{"state_name": inst.StateName, "attempt": len(history) + 1})
	return e.schedule(ctx, inst)
}

// resumeAll closes the run's PAUSE_ALL and dispatches every instance it held
// before start.
func (e *executor) resumeAll(ctx context.Context, in *store.ExecutionInterrupt) error {
	e.closeInterrupts(ctx, in.AppID, in.ExecutionUUID, schema.InterruptPauseAll, schema.InterruptResumeAll)

	paused, err := e.store.ListInstances(ctx, store.InstanceFilter{
		AppID:         in.AppID,
		ExecutionUUID: in.ExecutionUUID,
		Statuses:      []schema.ExecutionStatus{schema.StatusPaused},
		NotStarted:    true,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list paused instances: %s", err.Error()).WithCause(err)
	}
	var errs []error
	for _, inst := range paused {
		errs = append(errs, e.schedule(ctx, inst))
	}
	return errors.Join(errs...)
}

// abortAll moves every abortable instance of the run to ABORTING and then
// aborts each one. Fork and repeat parents are left to end through their
// children's ABORTED outcomes.
func (e *executor) abortAll(ctx context.Context, in *store.ExecutionInterrupt) error {
	filter := store.InstanceFilter{
		AppID:             in.AppID,
		ExecutionUUID:     in.ExecutionUUID,
		ExcludeStateTypes: []string{schema.StateTypeFork, schema.StateTypeRepeat},
	}
	status := schema.StatusAborting
	n, err := e.store.UpdateInstances(ctx, filter, abortable, store.InstanceUpdate{Status: &status})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "abort all: %s", err.Error()).WithCause(err)
	}
	e.logger.InfoContext(ctx, "abort all", "instances", n)

	filter.ExcludeStateTypes = nil
	filter.Statuses = []schema.ExecutionStatus{schema.StatusAborting}
	aborting, err := e.store.ListInstances(ctx, filter)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list aborting instances: %s", err.Error()).WithCause(err)
	}

	var errs []error
	for _, inst := range aborting {
		e.fsm.emit(ctx, inst, schema.EventInstanceAborting, map[string]any{"interrupt": string(in.Type)})
		sm, err := e.StateMachine(ctx, inst.AppID, inst.StateMachineID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, e.abort(ctx, sm, inst))
	}
	e.consume(ctx, in)
	return errors.Join(errs...)
}

// rollback sends PAUSED_ON_ERROR branches (the targeted one, or all of the
// run) into their graph's rollback state. Branches still running pick the
// rollback up through the rollback advisor after their current step.
func (e *executor) rollback(ctx context.Context, in *store.ExecutionInterrupt) error {
	var targets []*store.StateExecutionInstance
	if in.StateExecutionInstanceID != "" {
		inst, err := e.store.GetInstance(ctx, in.AppID, in.StateExecutionInstanceID)
		if err != nil {
			return err
		}
		targets = append(targets, inst)
	} else {
		list, err := e.store.ListInstances(ctx, store.InstanceFilter{
			AppID:         in.AppID,
			ExecutionUUID: in.ExecutionUUID,
			Statuses:      []schema.ExecutionStatus{schema.StatusPausedOnError},
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "list paused-on-error instances: %s", err.Error()).WithCause(err)
		}
		targets = list
	}

	var errs []error
	for _, inst := range targets {
		if inst.Status != schema.StatusPausedOnError {
			continue
		}
		errs = append(errs, e.rollbackBranch(ctx, inst))
	}
	return errors.Join(errs...)
}

func (e *executor) rollbackBranch(ctx context.Context, inst *store.StateExecutionInstance) error {
	ctx = logging.WithIDs(ctx, inst.ExecutionUUID, inst.UUID, inst.StateName)
	sm, err := e.StateMachine(ctx, inst.AppID, inst.StateMachineID)
	if err != nil {
		return err
	}
	name := sm.RollbackStateName(inst.ChildStateMachineID)
	if name == "" {
		e.logger.WarnContext(ctx, "rollback: graph has no rollback state")
		return nil
	}
	target, err := sm.State(inst.ChildStateMachineID, name)
	if err != nil {
		return err
	}
	if err := e.fsm.Transition(ctx, inst, []schema.ExecutionStatus{schema.StatusPausedOnError}, schema.StatusFailed, store.InstanceUpdate{}); err != nil {
		return e.fatal(ctx, "rollback: close failed step", err)
	}
	return e.transitionTo(ctx, inst, target, nil, true)
}

var _ StateMachineExecutor = (*executor)(nil)
