package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// DefaultSchedule is the sweep schedule used when none is configured.
const DefaultSchedule = "@every 30s"

// expirable are the statuses an expired instance is aborted from.
var expirable = []schema.ExecutionStatus{
	schema.StatusNew, schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusWaiting,
}

// InterruptRegistrar is the slice of the interrupt manager the reaper uses.
// Satisfied by engine.InterruptManager.
type InterruptRegistrar interface {
	RegisterExecutionInterrupt(ctx context.Context, in *store.ExecutionInterrupt) (*store.ExecutionInterrupt, error)
}

// Config holds optional reaper settings.
type Config struct {
	Schedule string       // cron spec or descriptor; empty = DefaultSchedule
	Clock    clock.Clock  // nil = wall clock
	Logger   *slog.Logger // nil = slog.Default()
}

// Reaper aborts instances whose expiry time has passed.
type Reaper struct {
	store    store.Store
	aborter  InterruptRegistrar
	schedule cron.Schedule
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // instance ids being aborted (dedup)
}

// ParseSchedule parses a standard five-field cron spec or a descriptor such
// as "@every 30s" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", spec, err)
	}
	return sched, nil
}

// New creates a Reaper.
func New(s store.Store, aborter InterruptRegistrar, cfg Config) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		store:    s,
		aborter:  aborter,
		schedule: sched,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("reaper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(loopCtx)
	r.logger.Info("reaper started")
	return nil
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	for {
		now := r.clock.Now()
		timer := r.clock.Timer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reaper sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep registers an ABORT for every expired instance and returns how many
// were accepted. Instances another sweep is already aborting are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	expired, err := r.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:      expirable,
		ExpiredBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired instances: %w", err)
	}

	aborted := 0
	for _, inst := range expired {
		if !r.tryAcquire(inst.UUID) {
			continue
		}
		_, err := r.aborter.RegisterExecutionInterrupt(ctx, &store.ExecutionInterrupt{
			AppID:                    inst.AppID,
			ExecutionUUID:            inst.ExecutionUUID,
			StateExecutionInstanceID: inst.UUID,
			Type:                     schema.InterruptAbort,
		})
		r.release(inst.UUID)
		if err != nil {
			r.logger.WarnContext(ctx, "abort expired instance",
				slog.String("instance_id", inst.UUID),
				slog.String("state_name", inst.StateName),
				slog.String("error", err.Error()),
			)
			continue
		}
		aborted++
	}
	if aborted > 0 {
		r.logger.InfoContext(ctx, "expired instances aborted", slog.Int("count", aborted))
	}
	return aborted, nil
}

func (r *Reaper) tryAcquire(id string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Reaper) release(id string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, id)
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
	r.logger.Info("reaper stopped")
}

// NextSweep returns when the sweep after from is due.
func (r *Reaper) NextSweep(from time.Time) time.Time {
	return r.schedule.Next(from)
}
