package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

func BenchmarkWorkerPool_Dispatch(b *testing.B) {
	for _, size := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("pool=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
			defer pool.Shutdown()
			ctx := context.Background()
			noop := Task{Kind: TaskDispatch, AppID: "billing", InstanceID: "i", Run: func(context.Context) error { return nil }}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Go(ctx, noop)
			}
			pool.Wait()
		})
	}
}

// BenchmarkExecutor_LinearRun measures whole runs of a three state machine
// on the in-memory store.
func BenchmarkExecutor_LinearRun(b *testing.B) {
	for _, size := range []int{1, 10} {
		b.Run(fmt.Sprintf("pool=%d", size), func(b *testing.B) {
			reg := states.NewRegistry()
			if err := states.RegisterBuiltins(reg, states.Dependencies{}); err != nil {
				b.Fatal(err)
			}
			exec := NewExecutor(store.NewMemoryStore(), notify.NewMemoryBus(), reg, nil, ExecutorConfig{
				PoolSize: size,
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			defer exec.Shutdown()

			ctx := context.Background()
			sm, err := exec.RegisterStateMachine(ctx, linear(schema.ErrorStrategyFail, schema.StateTypeNoop))
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := exec.Execute(ctx, sm, fmt.Sprintf("bench-%d", i), "bench", nil, nil); err != nil {
					b.Fatal(err)
				}
			}
			exec.Wait()
		})
	}
}
