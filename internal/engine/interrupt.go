package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// RunStatusNotifier is told when a whole run is paused, resumed or aborted.
type RunStatusNotifier interface {
	NotifyRunStatus(ctx context.Context, appID, executionUUID string, t schema.InterruptType) error
}

// AlertService closes "manual intervention needed" alerts once an operator acted.
type AlertService interface {
	CloseManualInterventionAlert(ctx context.Context, appID, executionUUID, instanceID string) error
}

// LogRunStatusNotifier logs run status changes.
type LogRunStatusNotifier struct{ Logger *slog.Logger }

func (n LogRunStatusNotifier) NotifyRunStatus(ctx context.Context, appID, executionUUID string, t schema.InterruptType) error {
	loggerOrDefault(n.Logger).InfoContext(ctx, "run status changed", "app_id", appID, "execution_uuid", executionUUID, "interrupt", string(t))
	return nil
}

// LogAlertService logs alert closures.
type LogAlertService struct{ Logger *slog.Logger }

func (a LogAlertService) CloseManualInterventionAlert(ctx context.Context, appID, executionUUID, instanceID string) error {
	loggerOrDefault(a.Logger).InfoContext(ctx, "manual intervention alert closed", "app_id", appID, "execution_uuid", executionUUID, "instance_id", instanceID)
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// InterruptManagerConfig holds the manager's optional collaborators.
type InterruptManagerConfig struct {
	Notifier RunStatusNotifier // nil = LogRunStatusNotifier
	Alerts   AlertService      // nil = LogAlertService
	Clock    clock.Clock       // nil = wall clock
	Logger   *slog.Logger      // nil = slog.Default()
}

// InterruptManager validates control actions against the current state of
// a run, persists the accepted ones and hands them to the executor.
type InterruptManager struct {
	store    store.Store
	executor StateMachineExecutor
	notifier RunStatusNotifier
	alerts   AlertService
	clock    clock.Clock
	logger   *slog.Logger

	// mu serializes validate-then-persist so uniqueness checks hold within a process.
	mu sync.Mutex
}

// NewInterruptManager creates an InterruptManager.
func NewInterruptManager(s store.Store, exec StateMachineExecutor, cfg InterruptManagerConfig) *InterruptManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogRunStatusNotifier{Logger: cfg.Logger}
	}
	if cfg.Alerts == nil {
		cfg.Alerts = LogAlertService{Logger: cfg.Logger}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &InterruptManager{
		store:    s,
		executor: exec,
		notifier: cfg.Notifier,
		alerts:   cfg.Alerts,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// interruptRule is one row of the legality table: the statuses an
// instance-level interrupt may target and the code returned otherwise.
type interruptRule struct {
	allowed []schema.ExecutionStatus
	code    string
}

var interruptRules = map[schema.InterruptType]interruptRule{
	schema.InterruptResume: {[]schema.ExecutionStatus{schema.StatusPaused}, schema.ErrCodeStateNotForResume},
	schema.InterruptIgnore: {[]schema.ExecutionStatus{schema.StatusPaused, schema.StatusWaiting}, schema.ErrCodeStateNotForResume},
	schema.InterruptRetry: {
		[]schema.ExecutionStatus{schema.StatusWaiting, schema.StatusError, schema.StatusPausedOnError},
		schema.ErrCodeStateNotForRetry,
	},
	schema.InterruptAbort: {
		[]schema.ExecutionStatus{schema.StatusNew, schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusWaiting},
		schema.ErrCodeStateNotForAbort,
	},
	schema.InterruptPause: {
		[]schema.ExecutionStatus{schema.StatusNew, schema.StatusStarting, schema.StatusRunning},
		schema.ErrCodeStateNotForPause,
	},
	schema.InterruptMarkSuccess:  {markable, schema.ErrCodeStateNotForMark},
	schema.InterruptMarkFailed:   {markable, schema.ErrCodeStateNotForMark},
	schema.InterruptEndExecution: {markable, schema.ErrCodeStateNotForMark},
}

var markable = []schema.ExecutionStatus{
	schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting, schema.StatusError,
}

// CheckInterruptAllowed reports whether an instance-level interrupt of type t
// may target an instance in status s. The error carries the table's code.
func CheckInterruptAllowed(t schema.InterruptType, s schema.ExecutionStatus) error {
	rule, ok := interruptRules[t]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "%s is not an instance interrupt", t)
	}
	if !s.In(rule.allowed...) {
		return schema.NewErrorf(rule.code, "%s not allowed for an instance in status %s", t, s).
			WithDetails(map[string]any{"interrupt": string(t), "status": string(s)})
	}
	return nil
}

// RegisterExecutionInterrupt validates in against the freshly read instance
// or run, persists it and forwards it to the executor. A rejected interrupt
// performs no mutation.
func (m *InterruptManager) RegisterExecutionInterrupt(ctx context.Context, in *store.ExecutionInterrupt) (*store.ExecutionInterrupt, error) {
	if in == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "interrupt is required")
	}
	in = cloneInterrupt(in)
	if !in.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "unknown interrupt type %q", in.Type)
	}
	if in.AppID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "app id is required")
	}

	m.mu.Lock()
	err := m.validate(ctx, in)
	if err == nil {
		in.UUID = ""
		in.CreatedAt = m.clock.Now().UTC()
		if cerr := m.store.CreateInterrupt(ctx, in); cerr != nil {
			err = schema.NewErrorf(schema.ErrCodeStore, "create interrupt: %s", cerr.Error()).WithCause(cerr)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, in.ExecutionUUID, in.StateExecutionInstanceID, "")
	m.appendEvent(ctx, in)
	m.logger.InfoContext(ctx, "interrupt registered", "type", string(in.Type), "interrupt_id", in.UUID)

	if err := m.executor.HandleEvent(ctx, in); err != nil {
		m.logger.ErrorContext(ctx, "interrupt handling failed", "type", string(in.Type), "error", err)
		return in, err
	}

	switch in.Type {
	case schema.InterruptPauseAll, schema.InterruptResumeAll, schema.InterruptAbortAll:
		if err := m.notifier.NotifyRunStatus(ctx, in.AppID, in.ExecutionUUID, in.Type); err != nil {
			m.logger.WarnContext(ctx, "run status notification failed", "error", err)
		}
	}
	if in.StateExecutionInstanceID != "" {
		if err := m.alerts.CloseManualInterventionAlert(ctx, in.AppID, in.ExecutionUUID, in.StateExecutionInstanceID); err != nil {
			m.logger.WarnContext(ctx, "closing intervention alert failed", "error", err)
		}
	}
	return in, nil
}

// CheckForExecutionInterrupt returns the run-level interrupts active on a run.
func (m *InterruptManager) CheckForExecutionInterrupt(ctx context.Context, appID, executionUUID string) ([]*store.ExecutionInterrupt, error) {
	if appID == "" || executionUUID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidArgument, "app id and execution uuid are required")
	}
	active, err := m.store.ListInterrupts(ctx, store.InterruptFilter{
		AppID:         appID,
		ExecutionUUID: executionUUID,
		Types:         []schema.InterruptType{schema.InterruptPauseAll, schema.InterruptRollback},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list interrupts: %s", err.Error()).WithCause(err)
	}
	return active, nil
}

func (m *InterruptManager) validate(ctx context.Context, in *store.ExecutionInterrupt) error {
	if in.StateExecutionInstanceID != "" {
		inst, err := m.store.GetInstance(ctx, in.AppID, in.StateExecutionInstanceID)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidArgument, "unknown state execution instance %q", in.StateExecutionInstanceID).WithCause(err)
		}
		if in.ExecutionUUID == "" {
			in.ExecutionUUID = inst.ExecutionUUID
		}
		if in.ExecutionUUID != inst.ExecutionUUID {
			return schema.NewErrorf(schema.ErrCodeInvalidArgument, "instance %s does not belong to run %s", inst.UUID, in.ExecutionUUID)
		}
		if !in.Type.IsRunLevel() {
			if err := CheckInterruptAllowed(in.Type, inst.Status); err != nil {
				return err.(*schema.Error).WithInstance(inst.UUID)
			}
		}
	} else if !in.Type.IsRunLevel() {
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "%s interrupt needs a state execution instance id", in.Type)
	}
	if in.ExecutionUUID == "" {
		return schema.NewError(schema.ErrCodeInvalidArgument, "execution uuid is required")
	}
	if !in.Type.IsRunLevel() {
		return nil
	}

	active, err := m.store.ListInterrupts(ctx, store.InterruptFilter{AppID: in.AppID, ExecutionUUID: in.ExecutionUUID})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list interrupts: %s", err.Error()).WithCause(err)
	}
	has := func(t schema.InterruptType) bool {
		for _, a := range active {
			if a.Type == t {
				return true
			}
		}
		return false
	}

	switch in.Type {
	case schema.InterruptPauseAll:
		if has(schema.InterruptPauseAll) {
			return schema.NewErrorf(schema.ErrCodePauseAllAlready, "run %s is already paused", in.ExecutionUUID)
		}
	case schema.InterruptResumeAll:
		if !has(schema.InterruptPauseAll) {
			return schema.NewErrorf(schema.ErrCodeResumeAllAlready, "run %s is not paused", in.ExecutionUUID)
		}
	case schema.InterruptRollback:
		if has(schema.InterruptRollback) {
			return schema.NewErrorf(schema.ErrCodeRollbackAlready, "run %s is already rolling back", in.ExecutionUUID)
		}
	case schema.InterruptRollbackDone:
		if !has(schema.InterruptRollback) {
			return schema.NewErrorf(schema.ErrCodeInvalidArgument, "run %s has no active rollback", in.ExecutionUUID)
		}
	}
	return nil
}

func (m *InterruptManager) appendEvent(ctx context.Context, in *store.ExecutionInterrupt) {
	payload, _ := json.Marshal(map[string]any{"interrupt_id": in.UUID, "type": string(in.Type)})
	if err := m.store.AppendEvent(ctx, &store.Event{
		ExecutionUUID: in.ExecutionUUID,
		InstanceID:    in.StateExecutionInstanceID,
		Type:          schema.EventInterruptRegistered,
		Payload:       payload,
		Timestamp:     m.clock.Now().UTC(),
	}); err != nil {
		m.logger.ErrorContext(ctx, "append event", "type", schema.EventInterruptRegistered, "error", err)
	}
}

func cloneInterrupt(in *store.ExecutionInterrupt) *store.ExecutionInterrupt {
	out := *in
	return &out
}
