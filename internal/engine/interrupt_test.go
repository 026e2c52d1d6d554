package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// recordingExecutor captures the interrupts handed to the executor.
type recordingExecutor struct {
	StateMachineExecutor
	handled []*store.ExecutionInterrupt
	err     error
}

func (r *recordingExecutor) HandleEvent(_ context.Context, in *store.ExecutionInterrupt) error {
	r.handled = append(r.handled, in)
	return r.err
}

type recordingNotifier struct{ calls []schema.InterruptType }

func (n *recordingNotifier) NotifyRunStatus(_ context.Context, _, _ string, t schema.InterruptType) error {
	n.calls = append(n.calls, t)
	return nil
}

type recordingAlerts struct{ closed []string }

func (a *recordingAlerts) CloseManualInterventionAlert(_ context.Context, _, _, instanceID string) error {
	a.closed = append(a.closed, instanceID)
	return nil
}

type interruptFixture struct {
	store    *store.MemoryStore
	exec     *recordingExecutor
	notifier *recordingNotifier
	alerts   *recordingAlerts
	im       *InterruptManager
}

func newInterruptFixture(t *testing.T) *interruptFixture {
	t.Helper()
	f := &interruptFixture{
		store:    store.NewMemoryStore(),
		exec:     &recordingExecutor{},
		notifier: &recordingNotifier{},
		alerts:   &recordingAlerts{},
	}
	f.im = NewInterruptManager(f.store, f.exec, InterruptManagerConfig{Notifier: f.notifier, Alerts: f.alerts})
	return f
}

func (f *interruptFixture) instance(t *testing.T, status schema.ExecutionStatus) *store.StateExecutionInstance {
	t.Helper()
	inst := &store.StateExecutionInstance{
		AppID:          "billing",
		ExecutionUUID:  "run-1",
		StateMachineID: "deploy",
		StateName:      "Deploy",
		Status:         status,
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))
	return inst
}

func (f *interruptFixture) active(t *testing.T) []*store.ExecutionInterrupt {
	t.Helper()
	list, err := f.store.ListInterrupts(context.Background(), store.InterruptFilter{AppID: "billing", ExecutionUUID: "run-1"})
	require.NoError(t, err)
	return list
}

func TestCheckInterruptAllowed(t *testing.T) {
	allowed := map[schema.InterruptType][]schema.ExecutionStatus{
		schema.InterruptResume:       {schema.StatusPaused},
		schema.InterruptIgnore:       {schema.StatusPaused, schema.StatusWaiting},
		schema.InterruptRetry:        {schema.StatusWaiting, schema.StatusError, schema.StatusPausedOnError},
		schema.InterruptAbort:        {schema.StatusNew, schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusWaiting},
		schema.InterruptPause:        {schema.StatusNew, schema.StatusStarting, schema.StatusRunning},
		schema.InterruptMarkSuccess:  {schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting, schema.StatusError},
		schema.InterruptMarkFailed:   {schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting, schema.StatusError},
		schema.InterruptEndExecution: {schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting, schema.StatusError},
	}
	codes := map[schema.InterruptType]string{
		schema.InterruptResume:       schema.ErrCodeStateNotForResume,
		schema.InterruptIgnore:       schema.ErrCodeStateNotForResume,
		schema.InterruptRetry:        schema.ErrCodeStateNotForRetry,
		schema.InterruptAbort:        schema.ErrCodeStateNotForAbort,
		schema.InterruptPause:        schema.ErrCodeStateNotForPause,
		schema.InterruptMarkSuccess:  schema.ErrCodeStateNotForMark,
		schema.InterruptMarkFailed:   schema.ErrCodeStateNotForMark,
		schema.InterruptEndExecution: schema.ErrCodeStateNotForMark,
	}

	for typ, ok := range allowed {
		for _, status := range schema.AllStatuses {
			err := CheckInterruptAllowed(typ, status)
			if status.In(ok...) {
				assert.NoError(t, err, "%s on %s", typ, status)
				continue
			}
			assert.True(t, schema.IsCode(err, codes[typ]), "%s on %s: %v", typ, status, err)
		}
	}

	err := CheckInterruptAllowed(schema.InterruptPauseAll, schema.StatusRunning)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidArgument))
}

func TestRegister_AcceptedInstanceInterrupt(t *testing.T) {
	f := newInterruptFixture(t)
	inst := f.instance(t, schema.StatusPausedOnError)

	in, err := f.im.RegisterExecutionInterrupt(context.Background(), &store.ExecutionInterrupt{
		AppID:                    "billing",
		StateExecutionInstanceID: inst.UUID,
		Type:                     schema.InterruptRetry,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, in.UUID)
	assert.Equal(t, "run-1", in.ExecutionUUID, "the run is taken from the instance")
	assert.False(t, in.CreatedAt.IsZero())

	require.Len(t, f.exec.handled, 1)
	assert.Equal(t, in.UUID, f.exec.handled[0].UUID)
	assert.Len(t, f.active(t), 1)
	assert.Equal(t, []string{inst.UUID}, f.alerts.closed)
	assert.Empty(t, f.notifier.calls)

	events, err := f.store.ListEvents(context.Background(), store.EventFilter{ExecutionUUID: "run-1", Type: schema.EventInterruptRegistered})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRegister_RejectedLeavesNoTrace(t *testing.T) {
	f := newInterruptFixture(t)
	inst := f.instance(t, schema.StatusSuccess)

	_, err := f.im.RegisterExecutionInterrupt(context.Background(), &store.ExecutionInterrupt{
		AppID:                    "billing",
		ExecutionUUID:            "run-1",
		StateExecutionInstanceID: inst.UUID,
		Type:                     schema.InterruptAbort,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStateNotForAbort))
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, inst.UUID, se.InstanceID)

	assert.Empty(t, f.exec.handled)
	assert.Empty(t, f.active(t))
	got, err := f.store.GetInstance(context.Background(), "billing", inst.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, got.Status)
}

func TestRegister_ArgumentErrors(t *testing.T) {
	f := newInterruptFixture(t)
	inst := f.instance(t, schema.StatusPaused)
	ctx := context.Background()

	tests := []struct {
		name string
		in   *store.ExecutionInterrupt
	}{
		{"nil", nil},
		{"unknown type", &store.ExecutionInterrupt{AppID: "billing", ExecutionUUID: "run-1", Type: "REBOOT"}},
		{"no app", &store.ExecutionInterrupt{ExecutionUUID: "run-1", Type: schema.InterruptPauseAll}},
		{"instance interrupt without instance", &store.ExecutionInterrupt{AppID: "billing", ExecutionUUID: "run-1", Type: schema.InterruptResume}},
		{"unknown instance", &store.ExecutionInterrupt{AppID: "billing", StateExecutionInstanceID: "nope", Type: schema.InterruptResume}},
		{"run mismatch", &store.ExecutionInterrupt{AppID: "billing", ExecutionUUID: "run-2", StateExecutionInstanceID: inst.UUID, Type: schema.InterruptResume}},
		{"run-level without run", &store.ExecutionInterrupt{AppID: "billing", Type: schema.InterruptAbortAll}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.im.RegisterExecutionInterrupt(ctx, tt.in)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidArgument), "%v", err)
		})
	}
	assert.Empty(t, f.exec.handled)
}

func TestRegister_RunLevelUniqueness(t *testing.T) {
	f := newInterruptFixture(t)
	ctx := context.Background()
	register := func(typ schema.InterruptType) error {
		_, err := f.im.RegisterExecutionInterrupt(ctx, &store.ExecutionInterrupt{AppID: "billing", ExecutionUUID: "run-1", Type: typ})
		return err
	}

	require.NoError(t, register(schema.InterruptPauseAll))
	assert.True(t, schema.IsCode(register(schema.InterruptPauseAll), schema.ErrCodePauseAllAlready))
	require.NoError(t, register(schema.InterruptResumeAll))

	require.NoError(t, register(schema.InterruptRollback))
	assert.True(t, schema.IsCode(register(schema.InterruptRollback), schema.ErrCodeRollbackAlready))
	require.NoError(t, register(schema.InterruptRollbackDone))

	// The recording executor never closes anything, so the first PAUSE_ALL is still active.
	assert.True(t, schema.IsCode(register(schema.InterruptPauseAll), schema.ErrCodePauseAllAlready))
	assert.Equal(t, []schema.InterruptType{schema.InterruptPauseAll, schema.InterruptResumeAll}, f.notifier.calls)
	assert.Empty(t, f.alerts.closed)
}

func TestRegister_ResumeAllNeedsPauseAll(t *testing.T) {
	f := newInterruptFixture(t)
	_, err := f.im.RegisterExecutionInterrupt(context.Background(), &store.ExecutionInterrupt{AppID: "billing", ExecutionUUID: "run-1", Type: schema.InterruptResumeAll})
	assert.True(t, schema.IsCode(err, schema.ErrCodeResumeAllAlready))
	assert.Empty(t, f.active(t))
}

func TestRegister_ExecutorFailureIsReturned(t *testing.T) {
	f := newInterruptFixture(t)
	f.exec.err = errors.New("dispatch failed")
	inst := f.instance(t, schema.StatusWaiting)

	in, err := f.im.RegisterExecutionInterrupt(context.Background(), &store.ExecutionInterrupt{
		AppID:                    "billing",
		StateExecutionInstanceID: inst.UUID,
		Type:                     schema.InterruptIgnore,
	})
	require.Error(t, err)
	require.NotNil(t, in, "the persisted interrupt is still returned")
	assert.Empty(t, f.alerts.closed)
}

func TestRegister_DoesNotMutateInput(t *testing.T) {
	f := newInterruptFixture(t)
	inst := f.instance(t, schema.StatusRunning)
	req := &store.ExecutionInterrupt{AppID: "billing", StateExecutionInstanceID: inst.UUID, Type: schema.InterruptPause}

	_, err := f.im.RegisterExecutionInterrupt(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, req.UUID)
	assert.Empty(t, req.ExecutionUUID)
}

func TestCheckForExecutionInterrupt(t *testing.T) {
	f := newInterruptFixture(t)
	ctx := context.Background()
	inst := f.instance(t, schema.StatusRunning)

	for _, in := range []*store.ExecutionInterrupt{
		{AppID: "billing", ExecutionUUID: "run-1", Type: schema.InterruptPauseAll},
		{AppID: "billing", ExecutionUUID: "run-1", Type: schema.InterruptRollback},
		{AppID: "billing", ExecutionUUID: "run-1", StateExecutionInstanceID: inst.UUID, Type: schema.InterruptPause},
		{AppID: "billing", ExecutionUUID: "run-2", Type: schema.InterruptPauseAll},
	} {
		require.NoError(t, f.store.CreateInterrupt(ctx, in))
	}

	active, err := f.im.CheckForExecutionInterrupt(ctx, "billing", "run-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	types := []schema.InterruptType{active[0].Type, active[1].Type}
	assert.ElementsMatch(t, []schema.InterruptType{schema.InterruptPauseAll, schema.InterruptRollback}, types)

	_, err = f.im.CheckForExecutionInterrupt(ctx, "billing", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidArgument))
}
