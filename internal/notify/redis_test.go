package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	addr := os.Getenv("CONVEYOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONVEYOR_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	bus, err := NewRedisBus(ctx, client, WithKeyPrefix("conveyor-test:"+uuid.NewString()+":"), WithResponseTTL(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})
	return bus
}

func TestRedisBus_NotifyAfterWait(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx := context.Background()

	got := make(chan map[string]Response, 1)
	require.NoError(t, bus.WaitForAll(ctx, func(_ context.Context, r map[string]Response) { got <- r }, "a", "b"))
	require.NoError(t, bus.Notify(ctx, "a", Response{Status: schema.StatusSuccess}))
	require.NoError(t, bus.Notify(ctx, "b", Response{Status: schema.StatusFailed}))

	select {
	case r := <-got:
		assert.Equal(t, schema.StatusSuccess, r["a"].Status)
		assert.Equal(t, schema.StatusFailed, r["b"].Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestRedisBus_NotifyBeforeWait(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Notify(ctx, "early", Response{Status: schema.StatusSuccess, Data: map[string]any{"k": "v"}}))

	got := make(chan map[string]Response, 1)
	require.NoError(t, bus.WaitForAll(ctx, func(_ context.Context, r map[string]Response) { got <- r }, "early"))

	select {
	case r := <-got:
		assert.Equal(t, "v", r["early"].Data["k"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}
