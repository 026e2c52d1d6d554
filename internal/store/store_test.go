package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// storeFactories returns every Store implementation available in this environment.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"libsql": func(t *testing.T) Store { return newTestStore(t) },
	}
	if dsn := os.Getenv("CONVEYOR_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

func seedInstance(t *testing.T, s Store, execUUID string, status schema.ExecutionStatus) *StateExecutionInstance {
	t.Helper()
	inst := &StateExecutionInstance{
		AppID:          "app-1",
		ExecutionUUID:  execUUID,
		StateMachineID: "sm-1",
		StateName:      "Deploy",
		StateType:      schema.StateTypeWait,
		Status:         status,
		ContextElements: []ContextElement{
			{Type: ElementStandard, Name: "workflow", Values: map[string]any{"app": "billing"}},
		},
		StateExecutionMap: map[string]*StateExecutionData{
			"Build": {StateName: "Build", Status: schema.StatusSuccess, Data: map[string]any{"artifact": "v1"}},
		},
		ExecutionEventAdvisors: []AdvisorRef{{Type: "guard", Params: map[string]any{"when": "true"}}},
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

// --- Instance Tests ---

func TestStore_CreateAndGetInstance(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			inst := seedInstance(t, s, uuid.New().String(), schema.StatusNew)
			require.NotEmpty(t, inst.UUID)

			got, err := s.GetInstance(ctx, "app-1", inst.UUID)
			require.NoError(t, err)
			assert.Equal(t, inst.ExecutionUUID, got.ExecutionUUID)
			assert.Equal(t, schema.StatusNew, got.Status)
			require.Len(t, got.ContextElements, 1)
			assert.Equal(t, "billing", got.ContextElements[0].Values["app"])
			require.Contains(t, got.StateExecutionMap, "Build")
			assert.Equal(t, "v1", got.StateExecutionMap["Build"].Data["artifact"])
			require.Len(t, got.ExecutionEventAdvisors, 1)
			assert.Nil(t, got.StartTs)

			_, err = s.GetInstance(ctx, "other-app", inst.UUID)
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		})
	}
}

func TestStore_ConditionalUpdate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			inst := seedInstance(t, s, uuid.New().String(), schema.StatusNew)

			starting := schema.StatusStarting
			now := time.Now().UTC().Truncate(time.Millisecond)
			n, err := s.UpdateInstance(ctx, "app-1", inst.UUID,
				[]schema.ExecutionStatus{schema.StatusNew, schema.StatusPaused},
				InstanceUpdate{Status: &starting, StartTs: &now})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			// Second claim from NEW must not apply.
			n, err = s.UpdateInstance(ctx, "app-1", inst.UUID,
				[]schema.ExecutionStatus{schema.StatusNew}, InstanceUpdate{Status: &starting})
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			got, err := s.GetInstance(ctx, "app-1", inst.UUID)
			require.NoError(t, err)
			assert.Equal(t, schema.StatusStarting, got.Status)
			require.NotNil(t, got.StartTs)
			assert.True(t, now.Equal(*got.StartTs))
		})
	}
}

func TestStore_UpdateClearsEndTsAndArchivesHistory(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			inst := seedInstance(t, s, uuid.New().String(), schema.StatusPausedOnError)

			end := time.Now().UTC()
			_, err := s.UpdateInstance(ctx, "app-1", inst.UUID, nil, InstanceUpdate{EndTs: &end})
			require.NoError(t, err)

			history := []*StateExecutionData{{StateName: "Build", Status: schema.StatusFailed}}
			n, err := s.UpdateInstance(ctx, "app-1", inst.UUID,
				[]schema.ExecutionStatus{schema.StatusPausedOnError},
				InstanceUpdate{
					ClearEndTs:                true,
					StateExecutionMap:         map[string]*StateExecutionData{},
					StateExecutionDataHistory: history,
				})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, err := s.GetInstance(ctx, "app-1", inst.UUID)
			require.NoError(t, err)
			assert.Nil(t, got.EndTs)
			assert.Empty(t, got.StateExecutionMap)
			require.Len(t, got.StateExecutionDataHistory, 1)
			assert.Equal(t, schema.StatusFailed, got.StateExecutionDataHistory[0].Status)
		})
	}
}

func TestStore_ListAndBulkUpdate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			run := uuid.New().String()

			a := seedInstance(t, s, run, schema.StatusRunning)
			b := seedInstance(t, s, run, schema.StatusPaused)
			done := seedInstance(t, s, run, schema.StatusSuccess)
			fork := &StateExecutionInstance{
				AppID: "app-1", ExecutionUUID: run, StateMachineID: "sm-1",
				StateName: "Fork", StateType: schema.StateTypeFork, Status: schema.StatusRunning,
			}
			require.NoError(t, s.CreateInstance(ctx, fork))
			other := seedInstance(t, s, uuid.New().String(), schema.StatusRunning)

			aborting := schema.StatusAborting
			n, err := s.UpdateInstances(ctx,
				InstanceFilter{AppID: "app-1", ExecutionUUID: run, ExcludeStateTypes: []string{schema.StateTypeFork, schema.StateTypeRepeat}},
				[]schema.ExecutionStatus{schema.StatusNew, schema.StatusRunning, schema.StatusPaused},
				InstanceUpdate{Status: &aborting})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			marked, err := s.ListInstances(ctx, InstanceFilter{AppID: "app-1", ExecutionUUID: run, Statuses: []schema.ExecutionStatus{schema.StatusAborting}})
			require.NoError(t, err)
			ids := []string{}
			for _, m := range marked {
				ids = append(ids, m.UUID)
			}
			assert.ElementsMatch(t, []string{a.UUID, b.UUID}, ids)

			for _, id := range []string{done.UUID, fork.UUID, other.UUID} {
				got, err := s.GetInstance(ctx, "app-1", id)
				require.NoError(t, err)
				assert.NotEqual(t, schema.StatusAborting, got.Status)
			}
		})
	}
}

func TestStore_ListExpiredAndNotStarted(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			run := uuid.New().String()

			past := time.Now().UTC().Add(-time.Minute)
			future := time.Now().UTC().Add(time.Hour)
			expired := seedInstance(t, s, run, schema.StatusRunning)
			live := seedInstance(t, s, run, schema.StatusRunning)
			_, err := s.UpdateInstance(ctx, "app-1", expired.UUID, nil, InstanceUpdate{StartTs: &past, ExpiryTs: &past})
			require.NoError(t, err)
			_, err = s.UpdateInstance(ctx, "app-1", live.UUID, nil, InstanceUpdate{StartTs: &past, ExpiryTs: &future})
			require.NoError(t, err)
			paused := seedInstance(t, s, run, schema.StatusPaused)

			now := time.Now().UTC()
			got, err := s.ListInstances(ctx, InstanceFilter{ExecutionUUID: run, ExpiredBefore: &now, Statuses: []schema.ExecutionStatus{schema.StatusRunning}})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, expired.UUID, got[0].UUID)

			got, err = s.ListInstances(ctx, InstanceFilter{ExecutionUUID: run, NotStarted: true, Statuses: []schema.ExecutionStatus{schema.StatusPaused}})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, paused.UUID, got[0].UUID)
		})
	}
}

// --- Interrupt Tests ---

func TestStore_Interrupts(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			run := uuid.New().String()

			pauseAll := &ExecutionInterrupt{AppID: "app-1", ExecutionUUID: run, Type: schema.InterruptPauseAll}
			require.NoError(t, s.CreateInterrupt(ctx, pauseAll))
			require.NotEmpty(t, pauseAll.UUID)
			require.NoError(t, s.CreateInterrupt(ctx, &ExecutionInterrupt{
				AppID: "app-1", ExecutionUUID: run, StateExecutionInstanceID: "inst-9", Type: schema.InterruptPause,
			}))

			all, err := s.ListInterrupts(ctx, InterruptFilter{AppID: "app-1", ExecutionUUID: run})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			only, err := s.ListInterrupts(ctx, InterruptFilter{AppID: "app-1", ExecutionUUID: run, Types: []schema.InterruptType{schema.InterruptPauseAll}})
			require.NoError(t, err)
			require.Len(t, only, 1)
			assert.Equal(t, pauseAll.UUID, only[0].UUID)

			byInstance, err := s.ListInterrupts(ctx, InterruptFilter{StateExecutionInstanceID: "inst-9"})
			require.NoError(t, err)
			require.Len(t, byInstance, 1)
			assert.Equal(t, schema.InterruptPause, byInstance[0].Type)

			require.NoError(t, s.DeleteInterrupt(ctx, "app-1", pauseAll.UUID))
			err = s.DeleteInterrupt(ctx, "app-1", pauseAll.UUID)
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		})
	}
}

// --- State Machine Tests ---

func TestStore_StateMachines(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			rec := &StateMachineRecord{
				ID: "rollout", AppID: "app-1", Name: "Rollout",
				Definition: schema.StateMachineDefinition{
					ID: "rollout", InitialState: "Deploy",
					States: []schema.StateDefinition{{Name: "Deploy", Type: schema.StateTypeNoop}},
				},
			}
			require.NoError(t, s.SaveStateMachine(ctx, rec))

			got, err := s.GetStateMachine(ctx, "app-1", "rollout")
			require.NoError(t, err)
			assert.Equal(t, "Deploy", got.Definition.InitialState)

			rec.Definition.InitialState = "Verify"
			require.NoError(t, s.SaveStateMachine(ctx, rec))
			got, err = s.GetStateMachine(ctx, "app-1", "rollout")
			require.NoError(t, err)
			assert.Equal(t, "Verify", got.Definition.InitialState)

			_, err = s.GetStateMachine(ctx, "app-1", "missing")
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		})
	}
}

// --- Event Tests ---

func TestStore_EventsSequencePerRun(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			runA, runB := uuid.New().String(), uuid.New().String()

			for i := 0; i < 3; i++ {
				require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionUUID: runA, InstanceID: "i", Type: schema.EventInstanceStarting}))
			}
			require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionUUID: runB, Type: schema.EventInstanceSucceeded}))

			events, err := s.ListEvents(ctx, EventFilter{ExecutionUUID: runA})
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, e := range events {
				assert.Equal(t, int64(i+1), e.Sequence)
			}

			since, err := s.ListEvents(ctx, EventFilter{ExecutionUUID: runA, Since: 2})
			require.NoError(t, err)
			require.Len(t, since, 1)

			b, err := s.ListEvents(ctx, EventFilter{ExecutionUUID: runB})
			require.NoError(t, err)
			require.Len(t, b, 1)
			assert.Equal(t, int64(1), b[0].Sequence)
		})
	}
}

// --- Helper Tests ---

func TestDialectRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c IN (?, ?)"
	assert.Equal(t, q, libsqlDialect.rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c IN ($3, $4)", postgresDialect.rebind(q))
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, "", placeholders(0))
}

func TestLoadMigrations(t *testing.T) {
	for _, d := range []dialect{libsqlDialect, postgresDialect} {
		ms, err := loadMigrations(d)
		require.NoError(t, err)
		require.Len(t, ms, 2)
		assert.Equal(t, 1, ms[0].Version)
		assert.Equal(t, "initial_schema", ms[0].Name)
		assert.NotEmpty(t, splitStatements(ms[0].SQL))
		assert.Equal(t, "pending_elements", ms[1].Name)
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- instances; one row per state execution
CREATE TABLE a (id TEXT);

-- trailing comment;
CREATE INDEX idx_a ON a (id);
`
	assert.Equal(t, []string{
		"CREATE TABLE a (id TEXT)",
		"CREATE INDEX idx_a ON a (id)",
	}, splitStatements(script))
}
