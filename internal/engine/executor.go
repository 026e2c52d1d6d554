package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/rendis/conveyor/internal/expressions"
	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/internal/machine"
	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/validation"
	"github.com/rendis/conveyor/pkg/schema"
)

// StateMachineExecutor drives state machine runs over persisted instances.
type StateMachineExecutor interface {
	// Execute creates the root instance of a run for the machine's initial
	// state and dispatches it asynchronously. cb observes the root branch end.
	Execute(ctx context.Context, sm *machine.StateMachine, executionUUID, executionName string, elements []store.ContextElement, cb Callback) (*store.StateExecutionInstance, error)

	// ExecuteInstance persists (when new) and dispatches a pre-populated instance.
	ExecuteInstance(ctx context.Context, sm *machine.StateMachine, inst *store.StateExecutionInstance) (*store.StateExecutionInstance, error)

	// Resume re-enters a RUNNING or WAITING instance with the responses for
	// every correlation id it waited on.
	Resume(ctx context.Context, appID, instanceID string, responses map[string]notify.Response) error

	// HandleEvent applies a validated, persisted interrupt.
	HandleEvent(ctx context.Context, in *store.ExecutionInterrupt) error

	// RegisterStateMachine builds, persists and caches a definition.
	RegisterStateMachine(ctx context.Context, def *schema.StateMachineDefinition) (*machine.StateMachine, error)

	// StateMachine returns a built machine, loading it from the store on a cache miss.
	StateMachine(ctx context.Context, appID, id string) (*machine.StateMachine, error)

	// Wait blocks until no dispatch, resume or abort work is in flight.
	Wait()

	// Shutdown stops accepting work and waits for in-flight work.
	Shutdown()
}

// BranchResult is reported to a run's callback when its root branch ends.
type BranchResult struct {
	Instance *store.StateExecutionInstance
	Status   schema.ExecutionStatus
}

// Callback observes the end of a branch started by Execute.
type Callback func(ctx context.Context, result BranchResult)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultMachineCacheTTL is how long built state machines stay cached.
const DefaultMachineCacheTTL = 10 * time.Minute

// DefaultResumeWait bounds how long Resume waits for an instance to leave NEW or STARTING.
const DefaultResumeWait = 5 * time.Second

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize        int           // max concurrent dispatch goroutines
	MachineCacheTTL time.Duration // built machine cache expiry
	ResumeWait      time.Duration // max wait for RUNNING in Resume
	Clock           clock.Clock   // nil = wall clock
	Logger          *slog.Logger  // nil = slog.Default()

	// Validator checks definitions before they are built. nil = build checks only.
	Validator validation.Validator
}

// dispatchable are the statuses an instance can be (re)started from.
var dispatchable = []schema.ExecutionStatus{
	schema.StatusNew, schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting, schema.StatusError,
}

// executor is the concrete StateMachineExecutor.
type executor struct {
	store     store.Store
	bus       notify.Bus
	registry  *states.Registry
	evaluator *expressions.Evaluator
	validator validation.Validator
	fsm       *InstanceFSM
	pool      *WorkerPool
	machines  *ttlcache.Cache[string, *machine.StateMachine]
	clock     clock.Clock
	logger    *slog.Logger

	resumeWait time.Duration
	stopOnce   sync.Once

	// mu guards callbacks.
	mu        sync.Mutex
	callbacks map[string]Callback
}

// NewExecutor creates a StateMachineExecutor with the given dependencies.
func NewExecutor(s store.Store, bus notify.Bus, reg *states.Registry, ev *expressions.Evaluator, cfg ExecutorConfig) StateMachineExecutor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MachineCacheTTL <= 0 {
		cfg.MachineCacheTTL = DefaultMachineCacheTTL
	}
	if cfg.ResumeWait <= 0 {
		cfg.ResumeWait = DefaultResumeWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if ev == nil {
		ev = expressions.NewEvaluator(expressions.NewExprEngine(), expressions.NewElementProcessorFactory(nil))
	}

	machines := ttlcache.New(ttlcache.WithTTL[string, *machine.StateMachine](cfg.MachineCacheTTL))
	go machines.Start()

	return &executor{
		store:      s,
		bus:        bus,
		registry:   reg,
		evaluator:  ev,
		validator:  cfg.Validator,
		fsm:        NewInstanceFSM(s, cfg.Clock),
		pool:       NewWorkerPool(cfg.PoolSize, cfg.Logger),
		machines:   machines,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		resumeWait: cfg.ResumeWait,
		callbacks:  make(map[string]Callback),
	}
}

// --- State machines ---

func machineCacheKey(appID, id string) string { return appID + "/" + id }

func (e *executor) RegisterStateMachine(ctx context.Context, def *schema.StateMachineDefinition) (*machine.StateMachine, error) {
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	sm, err := machine.Build(def, e.registry)
	if err != nil {
		return nil, err
	}
	if err := e.remember(ctx, sm); err != nil {
		return nil, err
	}
	return sm, nil
}

func (e *executor) StateMachine(ctx context.Context, appID, id string) (*machine.StateMachine, error) {
	if item := e.machines.Get(machineCacheKey(appID, id)); item != nil {
		return item.Value(), nil
	}
	rec, err := e.store.GetStateMachine(ctx, appID, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "unknown state machine %s/%s", appID, id).WithCause(err)
	}
	sm, err := machine.Build(&rec.Definition, e.registry)
	if err != nil {
		return nil, err
	}
	e.machines.Set(machineCacheKey(appID, id), sm, ttlcache.DefaultTTL)
	return sm, nil
}

// remember persists sm's definition so other processes and later resumes
// can rebuild it, and caches the built machine.
func (e *executor) remember(ctx context.Context, sm *machine.StateMachine) error {
	rec := &store.StateMachineRecord{ID: sm.ID(), AppID: sm.AppID(), Name: sm.Name(), Definition: sm.Definition()}
	if err := e.store.SaveStateMachine(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save state machine %s: %s", sm.ID(), err.Error()).WithCause(err)
	}
	e.machines.Set(machineCacheKey(sm.AppID(), sm.ID()), sm, ttlcache.DefaultTTL)
	return nil
}

// --- Entry points ---

func (e *executor) Execute(ctx context.Context, sm *machine.StateMachine, executionUUID, executionName string, elements []store.ContextElement, cb Callback) (*store.StateExecutionInstance, error) {
	if sm == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "state machine is required")
	}
	if executionUUID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "execution uuid is required")
	}
	initial, err := sm.State("", sm.InitialStateName())
	if err != nil {
		return nil, err
	}
	if err := e.remember(ctx, sm); err != nil {
		return nil, err
	}

	inst := &store.StateExecutionInstance{
		AppID:          sm.AppID(),
		ExecutionUUID:  executionUUID,
		ExecutionName:  executionName,
		StateMachineID: sm.ID(),
		StateName:      initial.Name(),
		StateType:      initial.Type(),
		Status:         schema.StatusNew,
	}
	for _, el := range elements {
		el = el.Clone()
		if el.UUID == "" {
			el.UUID = uuid.NewString()
		}
		inst.PushContextElement(el)
	}
	if cb != nil {
		inst.Callback = uuid.NewString()
		e.mu.Lock()
		e.callbacks[inst.Callback] = cb
		e.mu.Unlock()
	}

	return e.start(ctx, inst)
}

func (e *executor) ExecuteInstance(ctx context.Context, sm *machine.StateMachine, inst *store.StateExecutionInstance) (*store.StateExecutionInstance, error) {
	if sm == nil || inst == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "state machine and instance are required")
	}
	if inst.StateName == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "instance has no state name")
	}
	st, err := sm.State(inst.ChildStateMachineID, inst.StateName)
	if err != nil {
		return nil, err
	}
	if err := e.remember(ctx, sm); err != nil {
		return nil, err
	}

	inst = inst.Clone()
	inst.AppID = sm.AppID()
	inst.StateMachineID = sm.ID()
	inst.StateType = st.Type()
	if inst.UUID != "" {
		if _, err := e.store.GetInstance(ctx, inst.AppID, inst.UUID); err == nil {
			if err := e.schedule(ctx, inst); err != nil {
				return nil, err
			}
			return inst, nil
		}
	}
	if inst.Status == "" {
		inst.Status = schema.StatusNew
	}
	return e.start(ctx, inst)
}

// start persists a new instance and schedules its dispatch.
func (e *executor) start(ctx context.Context, inst *store.StateExecutionInstance) (*store.StateExecutionInstance, error) {
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create instance: %s", err.Error()).WithCause(err)
	}
	e.fsm.emit(ctx, inst, schema.EventInstanceCreated, nil)
	if err := e.schedule(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// schedule queues a dispatch of inst on the worker pool. The work outlives
// the caller's context.
func (e *executor) schedule(ctx context.Context, inst *store.StateExecutionInstance) error {
	appID, id := inst.AppID, inst.UUID
	return e.pool.Go(context.WithoutCancel(ctx), Task{
		Kind:       TaskDispatch,
		AppID:      appID,
		InstanceID: id,
		Run:        func(ctx context.Context) error { return e.dispatch(ctx, appID, id) },
	})
}

func (e *executor) Wait() { e.pool.Wait() }

func (e *executor) Shutdown() {
	e.pool.Shutdown()
	e.stopOnce.Do(e.machines.Stop)
}

// --- Dispatch ---

// dispatch moves an instance to STARTING, consults the advisors, runs the
// state and interprets its response.
func (e *executor) dispatch(ctx context.Context, appID, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, appID, instanceID)
	if err != nil {
		e.logger.ErrorContext(ctx, "dispatch: load instance", "instance_id", instanceID, "error", err)
		return err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionUUID, inst.UUID, inst.StateName)

	sm, st, err := e.resolve(ctx, inst)
	if err != nil {
		e.logger.ErrorContext(ctx, "dispatch: resolve state", "error", err)
		return err
	}

	if inst.Status == schema.StatusNew {
		paused, err := e.pauseGate(ctx, inst)
		if err != nil {
			return e.fatal(ctx, "dispatch: pause gate", err)
		}
		if paused {
			return nil
		}
	}

	now := e.clock.Now().UTC()
	update := store.InstanceUpdate{
		StartTs: &now,
		StateExecutionMap: withStateData(inst, func(d *store.StateExecutionData) {
			*d = store.StateExecutionData{StateName: inst.StateName, StateType: st.Type(), Status: schema.StatusStarting, StartTs: &now}
		}),
	}
	if timeout := sm.StateTimeout(inst.ChildStateMachineID, inst.StateName); timeout > 0 {
		expiry := now.Add(timeout)
		update.ExpiryTs = &expiry
	}
	if err := e.fsm.Transition(ctx, inst, dispatchable, schema.StatusStarting, update); err != nil {
		return e.fatal(ctx, "dispatch: claim instance", err)
	}

	ec := newExecutionContext(inst, sm, e.evaluator)
	if advice := e.consult(ctx, sm, inst, ec, states.EventBeforeExecute, ""); advice != nil {
		return e.applyBeforeAdvice(ctx, sm, st, inst, advice)
	}

	resp := e.executeState(ctx, st, ec)
	return e.handleResponse(ctx, sm, st, inst, resp)
}

func (e *executor) resolve(ctx context.Context, inst *store.StateExecutionInstance) (*machine.StateMachine, states.State, error) {
	sm, err := e.StateMachine(ctx, inst.AppID, inst.StateMachineID)
	if err != nil {
		return nil, nil, err
	}
	st, err := sm.State(inst.ChildStateMachineID, inst.StateName)
	if err != nil {
		return nil, nil, err
	}
	return sm, st, nil
}

// pauseGate parks a NEW instance in PAUSED when the run is paused or a
// PAUSE interrupt targets it. A targeted PAUSE is consumed.
func (e *executor) pauseGate(ctx context.Context, inst *store.StateExecutionInstance) (bool, error) {
	active, err := e.store.ListInterrupts(ctx, store.InterruptFilter{
		AppID:         inst.AppID,
		ExecutionUUID: inst.ExecutionUUID,
		Types:         []schema.InterruptType{schema.InterruptPauseAll, schema.InterruptPause},
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "list interrupts: %s", err.Error()).WithCause(err)
	}

	var pauseAll bool
	var targeted *store.ExecutionInterrupt
	for _, in := range active {
		switch {
		case in.Type == schema.InterruptPauseAll:
			pauseAll = true
		case in.StateExecutionInstanceID == inst.UUID:
			targeted = in
		}
	}
	if !pauseAll && targeted == nil {
		return false, nil
	}

	if err := e.fsm.Transition(ctx, inst, []schema.ExecutionStatus{schema.StatusNew}, schema.StatusPaused, store.InstanceUpdate{}); err != nil {
		return false, err
	}
	if targeted != nil {
		e.consume(ctx, targeted)
	}
	e.logger.InfoContext(ctx, "instance paused before start", "pause_all", pauseAll)
	return true, nil
}

// executeState runs st.Execute, turning errors and panics into FAILED.
func (e *executor) executeState(ctx context.Context, st states.State, ec states.ExecutionContext) (resp *states.ExecutionResponse) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "state panicked", "panic", r, "stack", string(debug.Stack()))
			resp = states.Failed(fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	resp, err := st.Execute(ctx, ec)
	return checkResponse(st, resp, err)
}

func (e *executor) handleAsyncResponse(ctx context.Context, st states.State, ec states.ExecutionContext, responses map[string]notify.Response) (resp *states.ExecutionResponse) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "async handler panicked", "panic", r, "stack", string(debug.Stack()))
			resp = states.Failed(fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	resp, err := st.HandleAsyncResponse(ctx, ec, responses)
	return checkResponse(st, resp, err)
}

func checkResponse(st states.State, resp *states.ExecutionResponse, err error) *states.ExecutionResponse {
	if err != nil {
		return states.Failed(err.Error(), nil)
	}
	if resp == nil {
		return states.Failed(fmt.Sprintf("state %q returned no response", st.Name()), nil)
	}
	return resp
}

func (e *executor) handleResponse(ctx context.Context, sm *machine.StateMachine, st states.State, inst *store.StateExecutionInstance, resp *states.ExecutionResponse) error {
	if resp.IsAsync() {
		return e.handleAsync(ctx, sm, inst, resp)
	}
	return e.handleSync(ctx, sm, st, inst, resp)
}

// --- Async ---

// handleAsync records RUNNING (or WAITING), persists spawned children, waits
// on the correlation ids and dispatches the children.
func (e *executor) handleAsync(ctx context.Context, sm *machine.StateMachine, inst *store.StateExecutionInstance, resp *states.ExecutionResponse) error {
	to := schema.StatusRunning
	if resp.Status == schema.StatusWaiting {
		to = schema.StatusWaiting
	}
	update := store.InstanceUpdate{
		StateExecutionMap: withStateData(inst, func(d *store.StateExecutionData) {
			d.Status = to
			mergeData(d, resp.StateExecutionData)
		}),
	}
	if len(resp.NotifyElements) > 0 {
		update.NotifyElements = notifyElements(inst, resp.NotifyElements)
	}
	if err := e.fsm.Transition(ctx, inst, nil, to, update); err != nil {
		return e.fatal(ctx, "async: record "+string(to), err)
	}

	type settled struct {
		id   string
		resp notify.Response
	}
	var children []*store.StateExecutionInstance
	var immediate []settled
	for _, child := range resp.SpawnInstances {
		if child.StateName == "" {
			initial, err := sm.ChildInitialStateName(child.ChildStateMachineID)
			if err != nil {
				immediate = append(immediate, settled{child.NotifyID, notify.Response{Status: schema.StatusFailed, Error: err.Error()}})
				continue
			}
			if initial == "" {
				immediate = append(immediate, settled{child.NotifyID, notify.Response{Status: schema.StatusSuccess}})
				continue
			}
			child.StateName = initial
		}
		cst, err := sm.State(child.ChildStateMachineID, child.StateName)
		if err != nil {
			immediate = append(immediate, settled{child.NotifyID, notify.Response{Status: schema.StatusFailed, Error: err.Error()}})
			continue
		}
		child.UUID = ""
		child.Status = schema.StatusNew
		child.StateType = cst.Type()
		child.ParentInstanceID = inst.UUID
		child.AppID = inst.AppID
		child.StateMachineID = inst.StateMachineID
		if err := e.store.CreateInstance(ctx, child); err != nil {
			return e.fatal(ctx, "async: create child instance", schema.NewErrorf(schema.ErrCodeStore, "create instance: %s", err.Error()).WithCause(err))
		}
		e.fsm.emit(ctx, child, schema.EventInstanceCreated, map[string]any{"parent": inst.UUID})
		children = append(children, child)
	}

	appID, id := inst.AppID, inst.UUID
	err := e.bus.WaitForAll(ctx, func(cbCtx context.Context, responses map[string]notify.Response) {
		e.goResume(cbCtx, appID, id, responses)
	}, resp.CorrelationIDs...)
	if err != nil {
		return e.fatal(ctx, "async: wait for correlation ids", err)
	}

	for _, s := range immediate {
		if err := e.bus.Notify(ctx, s.id, s.resp); err != nil {
			e.logger.ErrorContext(ctx, "async: notify settled child", "correlation_id", s.id, "error", err)
		}
	}
	var errs []error
	for _, child := range children {
		errs = append(errs, e.schedule(ctx, child))
	}
	return errors.Join(errs...)
}

func (e *executor) goResume(ctx context.Context, appID, instanceID string, responses map[string]notify.Response) {
	ctx = context.WithoutCancel(ctx)
	err := e.pool.Go(ctx, Task{
		Kind:       TaskResume,
		AppID:      appID,
		InstanceID: instanceID,
		Run: func(ctx context.Context) error {
			err := e.Resume(ctx, appID, instanceID, responses)
			if err != nil {
				e.logger.ErrorContext(ctx, "resume failed", "instance_id", instanceID, "error", err)
			}
			return err
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "schedule resume", "instance_id", instanceID, "error", err)
	}
}

func (e *executor) Resume(ctx context.Context, appID, instanceID string, responses map[string]notify.Response) error {
	inst, err := e.awaitStarted(ctx, appID, instanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionUUID, inst.UUID, inst.StateName)
	if !inst.Status.In(schema.StatusRunning, schema.StatusWaiting) {
		return schema.NewErrorf(schema.ErrCodePersistenceRace,
			"resume of instance in status %s (expected RUNNING or WAITING)", inst.Status).
			WithInstance(inst.UUID).
			WithDetails(map[string]any{"state_name": inst.StateName, "status": string(inst.Status)})
	}

	sm, st, err := e.resolve(ctx, inst)
	if err != nil {
		return err
	}
	ec := newExecutionContext(inst, sm, e.evaluator)
	resp := e.handleAsyncResponse(ctx, st, ec, responses)
	if inst.Status == schema.StatusWaiting && resp.IsAsync() {
		resp = states.Failed(fmt.Sprintf("state %q cannot wait again after WAITING", st.Name()), resp.StateExecutionData)
	}
	return e.handleResponse(ctx, sm, st, inst, resp)
}

// awaitStarted reads the instance, retrying with backoff while it is still
// NEW or STARTING: the bus can fire before the RUNNING write is visible.
func (e *executor) awaitStarted(ctx context.Context, appID, instanceID string) (*store.StateExecutionInstance, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = e.resumeWait

	var inst *store.StateExecutionInstance
	op := func() error {
		got, err := e.store.GetInstance(ctx, appID, instanceID)
		if err != nil {
			return backoff.Permanent(err)
		}
		inst = got
		if got.Status.In(schema.StatusNew, schema.StatusStarting) {
			return fmt.Errorf("instance %s still %s", instanceID, got.Status)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil && inst == nil {
		return nil, err
	}
	return inst, nil
}

// --- Sync ---

// handleSync persists a synchronous outcome and routes the branch.
func (e *executor) handleSync(ctx context.Context, sm *machine.StateMachine, st states.State, inst *store.StateExecutionInstance, resp *states.ExecutionResponse) error {
	status := resp.Status
	errMsg := resp.ErrorMessage
	switch status {
	case schema.StatusPaused, schema.StatusWaiting:
		update := store.InstanceUpdate{
			StateExecutionMap: withStateData(inst, func(d *store.StateExecutionData) {
				d.Status = status
				mergeData(d, resp.StateExecutionData)
			}),
		}
		if err := e.fsm.Transition(ctx, inst, nil, status, update); err != nil {
			return e.fatal(ctx, "sync: record "+string(status), err)
		}
		return nil
	case schema.StatusSuccess, schema.StatusFailed, schema.StatusError, schema.StatusAborted:
	case schema.StatusRunning:
		status, errMsg = schema.StatusFailed, fmt.Sprintf("state %q returned RUNNING without correlation ids", st.Name())
	default:
		status, errMsg = schema.StatusFailed, fmt.Sprintf("state %q returned unexpected status %q", st.Name(), resp.Status)
	}

	if status == schema.StatusSuccess {
		parked, err := e.parkIfPaused(ctx, inst, resp)
		if err != nil || parked {
			return err
		}
	}

	var next string
	rollback := inst.Rollback
	endNow := false
	ec := newExecutionContext(inst, sm, e.evaluator)
	if advice := e.consult(ctx, sm, inst, ec, states.EventAfterExecute, status); advice != nil {
		switch {
		case advice.NextStateName != "":
			next = advice.NextStateName
			rollback = rollback || advice.Rollback
		case advice.Interrupt == schema.InterruptMarkSuccess:
			status, errMsg = schema.StatusSuccess, ""
		case advice.Interrupt == schema.InterruptMarkFailed:
			status = schema.StatusFailed
			if errMsg == "" {
				errMsg = "marked failed"
			}
		case advice.Interrupt == schema.InterruptEndExecution:
			endNow = true
		}
	}

	if !IsValidInstanceTransition(inst.Status, status) && status != schema.StatusSuccess {
		status = schema.StatusFailed
	}
	if err := e.complete(ctx, inst, status, errMsg, resp); err != nil {
		return err
	}

	child := inst.ChildStateMachineID
	switch {
	case endNow:
		return e.endBranch(ctx, inst, status)
	case next != "":
		nst, err := sm.State(child, next)
		if err != nil {
			return e.fatal(ctx, "sync: advised state", err)
		}
		return e.transitionTo(ctx, inst, nst, resp.Elements, rollback)
	case status == schema.StatusSuccess:
		nst, err := sm.SuccessTransition(child, inst.StateName)
		if err != nil {
			return e.fatal(ctx, "sync: success transition", err)
		}
		if nst == nil {
			return e.endBranch(ctx, inst, schema.StatusSuccess)
		}
		return e.transitionTo(ctx, inst, nst, resp.Elements, rollback)
	case status.IsFailure():
		nst, err := sm.FailureTransition(child, inst.StateName)
		if err != nil {
			return e.fatal(ctx, "sync: failure transition", err)
		}
		if nst != nil {
			return e.transitionTo(ctx, inst, nst, resp.Elements, rollback)
		}
		if ec.ErrorStrategy() == schema.ErrorStrategyPause {
			if err := e.fsm.Transition(ctx, inst, nil, schema.StatusPausedOnError, store.InstanceUpdate{}); err != nil {
				return e.fatal(ctx, "sync: pause on error", err)
			}
			e.logger.WarnContext(ctx, "branch paused on error", "error_msg", errMsg)
			return nil
		}
		if status == schema.StatusError {
			if err := e.fsm.Transition(ctx, inst, nil, schema.StatusFailed, store.InstanceUpdate{}); err != nil {
				return e.fatal(ctx, "sync: fail branch", err)
			}
		}
		return e.endBranch(ctx, inst, schema.StatusFailed)
	default:
		return e.endBranch(ctx, inst, status)
	}
}

// complete writes the final status of the current step with its data.
func (e *executor) complete(ctx context.Context, inst *store.StateExecutionInstance, status schema.ExecutionStatus, errMsg string, resp *states.ExecutionResponse) error {
	now := e.clock.Now().UTC()
	update := store.InstanceUpdate{
		EndTs: &now,
		StateExecutionMap: withStateData(inst, func(d *store.StateExecutionData) {
			d.Status = status
			d.EndTs = &now
			d.ErrorMsg = errMsg
			mergeData(d, resp.StateExecutionData)
		}),
	}
	if len(resp.NotifyElements) > 0 {
		update.NotifyElements = notifyElements(inst, resp.NotifyElements)
	}
	if len(inst.PendingElements) > 0 {
		update.PendingElements = []store.ContextElement{}
	}
	if err := e.fsm.Transition(ctx, inst, nil, status, update); err != nil {
		return e.fatal(ctx, "sync: record "+string(status), err)
	}
	if status.IsFailure() {
		e.logger.WarnContext(ctx, "state failed", "status", string(status), "error_msg", errMsg)
		// A pause aimed at a step that failed has nothing left to hold.
		pauses, err := e.targetedPauses(ctx, inst)
		if err != nil {
			e.logger.ErrorContext(ctx, "list pause interrupts", "error", err)
		}
		for _, in := range pauses {
			e.consume(ctx, in)
		}
	}
	return nil
}

// targetedPauses lists the PAUSE interrupts aimed at inst itself.
func (e *executor) targetedPauses(ctx context.Context, inst *store.StateExecutionInstance) ([]*store.ExecutionInterrupt, error) {
	return e.store.ListInterrupts(ctx, store.InterruptFilter{
		AppID:                    inst.AppID,
		ExecutionUUID:            inst.ExecutionUUID,
		StateExecutionInstanceID: inst.UUID,
		Types:                    []schema.InterruptType{schema.InterruptPause},
	})
}

// parkIfPaused holds a successful step in PAUSED when a PAUSE interrupt
// targeted the instance while it was running. RESUME continues from here.
func (e *executor) parkIfPaused(ctx context.Context, inst *store.StateExecutionInstance, resp *states.ExecutionResponse) (bool, error) {
	if !IsValidInstanceTransition(inst.Status, schema.StatusPaused) {
		return false, nil
	}
	pending, err := e.targetedPauses(ctx, inst)
	if err != nil || len(pending) == 0 {
		return false, err
	}
	update := store.InstanceUpdate{
		StateExecutionMap: withStateData(inst, func(d *store.StateExecutionData) {
			d.Status = schema.StatusPaused
			mergeData(d, resp.StateExecutionData)
		}),
	}
	if len(resp.NotifyElements) > 0 {
		update.NotifyElements = notifyElements(inst, resp.NotifyElements)
	}
	if len(resp.Elements) > 0 {
		// Handed to the successor when the step is resumed.
		update.PendingElements = resp.Elements
	}
	if err := e.fsm.Transition(ctx, inst, nil, schema.StatusPaused, update); err != nil {
		return false, e.fatal(ctx, "sync: park paused", err)
	}
	for _, in := range pending {
		e.consume(ctx, in)
	}
	e.logger.InfoContext(ctx, "instance paused after step")
	return true, nil
}

// transitionTo creates the successor instance for next and dispatches it.
func (e *executor) transitionTo(ctx context.Context, inst *store.StateExecutionInstance, next states.State, elements []store.ContextElement, rollback bool) error {
	succ := inst.CloneForTransition(next.Name(), next.Type())
	for _, el := range elements {
		el = el.Clone()
		if el.UUID == "" {
			el.UUID = uuid.NewString()
		}
		succ.PushContextElement(el)
	}
	succ.Rollback = rollback
	if err := e.store.CreateInstance(ctx, succ); err != nil {
		return e.fatal(ctx, "transition: create instance", schema.NewErrorf(schema.ErrCodeStore, "create instance: %s", err.Error()).WithCause(err))
	}
	e.fsm.emit(ctx, succ, schema.EventInstanceCreated, map[string]any{"prev": inst.UUID})

	nextID := succ.UUID
	if err := e.fsm.Update(ctx, inst, nil, store.InstanceUpdate{NextInstanceID: &nextID}); err != nil {
		e.logger.ErrorContext(ctx, "transition: link successor", "next_instance_id", nextID, "error", err)
	}
	return e.schedule(ctx, succ)
}

// applyBeforeAdvice short-circuits a step an advisor intercepted before it ran.
func (e *executor) applyBeforeAdvice(ctx context.Context, sm *machine.StateMachine, st states.State, inst *store.StateExecutionInstance, advice *states.ExecutionEventAdvice) error {
	switch {
	case advice.NextStateName != "":
		nst, err := sm.State(inst.ChildStateMachineID, advice.NextStateName)
		if err != nil {
			return e.fatal(ctx, "advice: next state", err)
		}
		if err := e.complete(ctx, inst, schema.StatusSuccess, "", states.Success(map[string]any{"skipped": true})); err != nil {
			return err
		}
		return e.transitionTo(ctx, inst, nst, nil, inst.Rollback || advice.Rollback)
	case advice.Interrupt == schema.InterruptEndExecution:
		if err := e.complete(ctx, inst, schema.StatusSuccess, "", states.Success(map[string]any{"skipped": true})); err != nil {
			return err
		}
		return e.endBranch(ctx, inst, schema.StatusSuccess)
	case advice.Interrupt == schema.InterruptMarkFailed:
		return e.handleSync(ctx, sm, st, inst, states.Failed("marked failed", nil))
	default:
		return e.handleSync(ctx, sm, st, inst, states.Success(map[string]any{"skipped": true}))
	}
}

// consult asks the instance's advisors, then the rollback advisor, about an
// execution event. The first advice wins. Advisor errors are logged and skipped.
func (e *executor) consult(ctx context.Context, sm *machine.StateMachine, inst *store.StateExecutionInstance, ec states.ExecutionContext, typ states.ExecutionEventType, status schema.ExecutionStatus) *states.ExecutionEventAdvice {
	active, err := e.store.ListInterrupts(ctx, store.InterruptFilter{AppID: inst.AppID, ExecutionUUID: inst.ExecutionUUID})
	if err != nil {
		e.logger.ErrorContext(ctx, "advisors: list interrupts", "error", err)
	}
	event := states.ExecutionEvent{
		Type:             typ,
		Status:           status,
		Context:          ec,
		ActiveInterrupts: active,
		RollbackState:    sm.RollbackStateName(inst.ChildStateMachineID),
		InRollback:       inst.Rollback,
	}

	advisors := make([]states.ExecutionEventAdvisor, 0, len(inst.ExecutionEventAdvisors)+1)
	for _, ref := range inst.ExecutionEventAdvisors {
		adv, err := e.registry.NewAdvisor(ref)
		if err != nil {
			e.logger.ErrorContext(ctx, "advisors: build", "type", ref.Type, "error", err)
			continue
		}
		advisors = append(advisors, adv)
	}
	advisors = append(advisors, states.RollbackAdvisor{})

	for _, adv := range advisors {
		advice, err := adv.OnExecutionEvent(ctx, event)
		if err != nil {
			e.logger.ErrorContext(ctx, "advisors: evaluate", "event", string(typ), "error", err)
			continue
		}
		if advice != nil {
			e.logger.InfoContext(ctx, "advisor intervened", "event", string(typ),
				"next_state", advice.NextStateName, "interrupt", string(advice.Interrupt))
			return advice
		}
	}
	return nil
}

// --- Branch end & abort ---

// endBranch reports the end of inst's branch to the run callback or, for
// spawned branches, to the waiting parent through the bus.
func (e *executor) endBranch(ctx context.Context, inst *store.StateExecutionInstance, status schema.ExecutionStatus) error {
	e.fsm.emit(ctx, inst, schema.EventBranchEnded, map[string]any{"status": string(status)})
	if inst.Rollback {
		e.closeInterrupts(ctx, inst.AppID, inst.ExecutionUUID, schema.InterruptRollback)
	}

	if inst.Callback != "" {
		e.mu.Lock()
		cb, ok := e.callbacks[inst.Callback]
		delete(e.callbacks, inst.Callback)
		e.mu.Unlock()
		if ok {
			cb(ctx, BranchResult{Instance: inst.Clone(), Status: status})
			return nil
		}
	}
	if inst.NotifyID == "" {
		return nil
	}

	resp := notify.Response{Status: status, Elements: notifyElements(inst, nil)}
	if d := inst.CurrentStateExecutionData(); d != nil {
		resp.Data = d.Clone().Data
		resp.Error = d.ErrorMsg
	}
	if err := e.bus.Notify(ctx, inst.NotifyID, resp); err != nil {
		return e.fatal(ctx, "end branch: notify parent", err)
	}
	return nil
}

// abort moves inst through ABORTING to ABORTED, giving its state a chance to
// release resources, and ends the branch.
func (e *executor) abort(ctx context.Context, sm *machine.StateMachine, inst *store.StateExecutionInstance) error {
	ctx = logging.WithIDs(ctx, inst.ExecutionUUID, inst.UUID, inst.StateName)
	if inst.Status != schema.StatusAborting {
		if err := e.fsm.Transition(ctx, inst, nil, schema.StatusAborting, store.InstanceUpdate{}); err != nil {
			return e.fatal(ctx, "abort: mark aborting", err)
		}
	}

	if st, err := sm.State(inst.ChildStateMachineID, inst.StateName); err == nil {
		e.runAbortHook(ctx, st, newExecutionContext(inst, sm, e.evaluator))
	}

	now := e.clock.Now().UTC()
	update := store.InstanceUpdate{
		EndTs: &now,
		StateExecutionMap: withStateData(inst, func(d *store.StateExecutionData) {
			d.Status = schema.StatusAborted
			d.EndTs = &now
		}),
	}
	if err := e.fsm.Transition(ctx, inst, []schema.ExecutionStatus{schema.StatusAborting}, schema.StatusAborted, update); err != nil {
		return e.fatal(ctx, "abort: mark aborted", err)
	}
	e.logger.InfoContext(ctx, "instance aborted")
	return e.endBranch(ctx, inst, schema.StatusAborted)
}

func (e *executor) runAbortHook(ctx context.Context, st states.State, ec states.ExecutionContext) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "abort hook panicked", "panic", r)
		}
	}()
	if err := st.HandleAbortEvent(ctx, ec); err != nil {
		e.logger.ErrorContext(ctx, "abort hook failed", "error", err)
	}
}

// --- Helpers ---

// fatal logs a dispatch-ending error. Persistence races are logged at error
// level: another actor moved the instance.
func (e *executor) fatal(ctx context.Context, msg string, err error) error {
	if schema.IsCode(err, schema.ErrCodePersistenceRace) {
		e.logger.ErrorContext(ctx, msg+": persistence race", "error", err)
	} else {
		e.logger.ErrorContext(ctx, msg, "error", err)
	}
	return err
}

// consume deletes an interrupt that has taken effect.
func (e *executor) consume(ctx context.Context, in *store.ExecutionInterrupt) {
	if err := e.store.DeleteInterrupt(ctx, in.AppID, in.UUID); err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			e.logger.ErrorContext(ctx, "close interrupt", "interrupt_id", in.UUID, "error", err)
		}
		return
	}
	e.appendEvent(ctx, in.ExecutionUUID, in.StateExecutionInstanceID, schema.EventInterruptClosed,
		map[string]any{"interrupt_id": in.UUID, "type": string(in.Type)})
}

// closeInterrupts consumes every active interrupt of the given types on a run.
func (e *executor) closeInterrupts(ctx context.Context, appID, executionUUID string, types ...schema.InterruptType) {
	active, err := e.store.ListInterrupts(ctx, store.InterruptFilter{AppID: appID, ExecutionUUID: executionUUID, Types: types})
	if err != nil {
		e.logger.ErrorContext(ctx, "list interrupts", "error", err)
		return
	}
	for _, in := range active {
		e.consume(ctx, in)
	}
}

func (e *executor) appendEvent(ctx context.Context, executionUUID, instanceID, typ string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := e.store.AppendEvent(ctx, &store.Event{
		ExecutionUUID: executionUUID,
		InstanceID:    instanceID,
		Type:          typ,
		Payload:       raw,
		Timestamp:     e.clock.Now().UTC(),
	}); err != nil {
		e.logger.ErrorContext(ctx, "append event", "type", typ, "error", err)
	}
}

// withStateData returns a copy of inst's execution map whose entry for the
// current state has been updated by fn.
func withStateData(inst *store.StateExecutionInstance, fn func(d *store.StateExecutionData)) map[string]*store.StateExecutionData {
	m := make(map[string]*store.StateExecutionData, len(inst.StateExecutionMap)+1)
	for k, v := range inst.StateExecutionMap {
		m[k] = v.Clone()
	}
	d := m[inst.StateName]
	if d == nil {
		d = &store.StateExecutionData{StateName: inst.StateName, StateType: inst.StateType}
		m[inst.StateName] = d
	}
	fn(d)
	return m
}

func mergeData(d *store.StateExecutionData, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if d.Data == nil {
		d.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		d.Data[k] = v
	}
}

// notifyElements returns a copy of inst's notify elements with extra appended.
func notifyElements(inst *store.StateExecutionInstance, extra []store.ContextElement) []store.ContextElement {
	out := make([]store.ContextElement, 0, len(inst.NotifyElements)+len(extra))
	for _, el := range inst.NotifyElements {
		out = append(out, el.Clone())
	}
	for _, el := range extra {
		out = append(out, el.Clone())
	}
	return out
}
