package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

func newFSMFixture(t *testing.T, status schema.ExecutionStatus) (*InstanceFSM, *store.MemoryStore, *store.StateExecutionInstance) {
	t.Helper()
	s := store.NewMemoryStore()
	inst := &store.StateExecutionInstance{
		AppID:          "billing",
		ExecutionUUID:  "run-1",
		StateMachineID: "deploy",
		StateName:      "Deploy",
		Status:         status,
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewInstanceFSM(s, clk), s, inst
}

func TestInstanceTransitionTable(t *testing.T) {
	valid := []struct{ from, to schema.ExecutionStatus }{
		{schema.StatusNew, schema.StatusStarting},
		{schema.StatusNew, schema.StatusPaused},
		{schema.StatusStarting, schema.StatusRunning},
		{schema.StatusStarting, schema.StatusWaiting},
		{schema.StatusRunning, schema.StatusSuccess},
		{schema.StatusRunning, schema.StatusRunning},
		{schema.StatusPaused, schema.StatusStarting},
		{schema.StatusPausedOnError, schema.StatusStarting},
		{schema.StatusWaiting, schema.StatusFailed},
		{schema.StatusError, schema.StatusPausedOnError},
		{schema.StatusFailed, schema.StatusPausedOnError},
		{schema.StatusAborting, schema.StatusAborted},
	}
	for _, tc := range valid {
		assert.True(t, IsValidInstanceTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	invalid := []struct{ from, to schema.ExecutionStatus }{
		{schema.StatusNew, schema.StatusSuccess},
		{schema.StatusSuccess, schema.StatusStarting},
		{schema.StatusAborted, schema.StatusAborting},
		{schema.StatusFailed, schema.StatusStarting},
		{schema.StatusWaiting, schema.StatusWaiting},
		{schema.StatusAborting, schema.StatusFailed},
		{schema.ExecutionStatus("BOGUS"), schema.StatusStarting},
	}
	for _, tc := range invalid {
		assert.False(t, IsValidInstanceTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{schema.StatusSuccess, schema.StatusAborted} {
		assert.Empty(t, ValidInstanceTransitions[s], s)
	}
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t,
		[]schema.ExecutionStatus{schema.StatusNew, schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting},
		SourcesOf(schema.StatusAborting))
	assert.ElementsMatch(t,
		[]schema.ExecutionStatus{schema.StatusPaused, schema.StatusWaiting},
		SourcesOf(schema.StatusAborting, schema.StatusPaused, schema.StatusWaiting, schema.StatusSuccess))
}

func TestFSM_Transition(t *testing.T) {
	f, s, inst := newFSMFixture(t, schema.StatusNew)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := f.Transition(ctx, inst, nil, schema.StatusStarting, store.InstanceUpdate{StartTs: &start})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusStarting, inst.Status)
	require.NotNil(t, inst.StartTs)

	got, err := s.GetInstance(ctx, "billing", inst.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusStarting, got.Status)
	assert.True(t, start.Equal(*got.StartTs))

	events, err := s.ListEvents(ctx, store.EventFilter{InstanceID: inst.UUID, Type: schema.StatusEventType(schema.StatusStarting)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, map[string]string{"from": "NEW", "to": "STARTING"}, payload)
	assert.Equal(t, "Deploy", events[0].StateName)
}

func TestFSM_TransitionRejectsInvalidPair(t *testing.T) {
	f, s, inst := newFSMFixture(t, schema.StatusNew)
	ctx := context.Background()

	err := f.Transition(ctx, inst, nil, schema.StatusSuccess, store.InstanceUpdate{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	got, err := s.GetInstance(ctx, "billing", inst.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusNew, got.Status)
}

func TestFSM_PersistenceRace(t *testing.T) {
	f, s, inst := newFSMFixture(t, schema.StatusNew)
	ctx := context.Background()

	// Another actor claims the instance first.
	stale := inst.Clone()
	require.NoError(t, f.Transition(ctx, inst, nil, schema.StatusPaused, store.InstanceUpdate{}))

	err := f.Transition(ctx, stale, nil, schema.StatusStarting, store.InstanceUpdate{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistenceRace))
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, inst.UUID, se.InstanceID)
	assert.Equal(t, schema.StatusNew, stale.Status, "a lost race leaves the snapshot untouched")

	got, err := s.GetInstance(ctx, "billing", inst.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, got.Status)
}

func TestFSM_ExplicitFromSet(t *testing.T) {
	f, _, inst := newFSMFixture(t, schema.StatusWaiting)
	err := f.Transition(context.Background(), inst,
		[]schema.ExecutionStatus{schema.StatusPaused, schema.StatusWaiting}, schema.StatusStarting, store.InstanceUpdate{})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusStarting, inst.Status)
}

func TestFSM_AfterHooks(t *testing.T) {
	f, _, inst := newFSMFixture(t, schema.StatusNew)
	ctx := context.Background()

	var seen []string
	f.OnAfter(schema.StatusStarting, func(_ context.Context, i *store.StateExecutionInstance, from, to schema.ExecutionStatus) {
		seen = append(seen, string(from)+">"+string(to))
	})
	f.OnAfter(schema.StatusRunning, func(_ context.Context, i *store.StateExecutionInstance, from, to schema.ExecutionStatus) {
		seen = append(seen, "running:"+i.StateName)
	})

	require.NoError(t, f.Transition(ctx, inst, nil, schema.StatusStarting, store.InstanceUpdate{}))
	require.NoError(t, f.Transition(ctx, inst, nil, schema.StatusRunning, store.InstanceUpdate{}))
	assert.Equal(t, []string{"NEW>STARTING", "running:Deploy"}, seen)
}

func TestFSM_UpdateKeepsStatus(t *testing.T) {
	f, s, inst := newFSMFixture(t, schema.StatusPausedOnError)
	ctx := context.Background()

	next := "succ-1"
	require.NoError(t, f.Update(ctx, inst, nil, store.InstanceUpdate{NextInstanceID: &next}))
	got, err := s.GetInstance(ctx, "billing", inst.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPausedOnError, got.Status)
	assert.Equal(t, "succ-1", got.NextInstanceID)

	err = f.Update(ctx, inst, []schema.ExecutionStatus{schema.StatusWaiting}, store.InstanceUpdate{NextInstanceID: &next})
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistenceRace))
}
