package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TaskKind names what a pool task does to its instance.
type TaskKind string

const (
	TaskDispatch TaskKind = "dispatch"
	TaskResume   TaskKind = "resume"
)

// Task is one unit of scheduler work against a single instance.
type Task struct {
	Kind       TaskKind
	AppID      string
	InstanceID string
	Run        func(ctx context.Context) error
}

// PoolMetrics is a snapshot of the pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs dispatch and resume tasks with bounded concurrency.
type WorkerPool struct {
	sem     *semaphore.Weighted
	logger  *slog.Logger
	closing context.Context
	close   context.CancelFunc

	// mu orders wg.Add against Shutdown's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active, completed, failed, panics, queued, dropped atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	closing, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:     semaphore.NewWeighted(int64(size)),
		logger:  logger,
		closing: closing,
		close:   cancel,
	}
}

// Submit blocks until a slot is free, then runs t on its own goroutine.
// It gives up when ctx is done or the pool shuts down while waiting.
func (p *WorkerPool) Submit(ctx context.Context, t Task) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if p.closing.Err() != nil {
			return ErrPoolShutdown
		}
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, t)
	return nil
}

// Go queues t without blocking the caller. Tasks use it to schedule
// follow-up work, which would deadlock under Submit when every slot is busy.
func (p *WorkerPool) Go(ctx context.Context, t Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.queued.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		err := p.Submit(ctx, t)
		p.queued.Add(-1)
		if err != nil {
			p.dropped.Add(1)
			p.logger.WarnContext(ctx, "task dropped", taskAttrs(t, "error", err)...)
		}
	}()
	return nil
}

func (p *WorkerPool) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "task panicked",
				taskAttrs(t, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))...)
		}
		p.active.Add(-1)
		p.sem.Release(1)
		p.wg.Done()
	}()

	if err := t.Run(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func taskAttrs(t Task, extra ...any) []any {
	return append([]any{"task", string(t.Kind), "app_id", t.AppID, "instance_id", t.InstanceID}, extra...)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every queued and running task has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new tasks, drops those still waiting for a slot and
// waits for running ones to finish. It is safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.close()
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Queued:    p.queued.Load(),
		Dropped:   p.dropped.Load(),
	}
}
