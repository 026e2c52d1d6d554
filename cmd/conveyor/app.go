package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/reaper"
	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/streaming"
	"github.com/rendis/conveyor/internal/validation"
)

// app is the wired engine of one process.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      store.Store
	hub        *streaming.MemoryHub
	bus        notify.Bus
	registry   *states.Registry
	validator  *validation.DefinitionValidator
	executor   engine.StateMachineExecutor
	interrupts *engine.InterruptManager
	reaper     *reaper.Reaper

	closers []func() error
}

// newApp opens the store and bus named by cfg and wires the engine on top.
// The reaper is created but not started.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg, logger := a.cfg, a.logger

	raw, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, raw.Close)
	a.hub = streaming.NewMemoryHub()
	a.store = streaming.NewEventStore(raw, a.hub)
	if err = a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err = a.openBus(ctx); err != nil {
		return err
	}

	a.registry = states.NewRegistry()
	if err = states.RegisterBuiltins(a.registry, states.Dependencies{}); err != nil {
		return fmt.Errorf("register builtin states: %w", err)
	}
	if a.validator, err = validation.NewDefinitionValidator(a.registry); err != nil {
		return fmt.Errorf("definition validator: %w", err)
	}

	cacheTTL, _ := cfg.machineCacheTTL()
	resumeWait, _ := cfg.resumeWait()
	a.executor = engine.NewExecutor(a.store, a.bus, a.registry, nil, engine.ExecutorConfig{
		PoolSize:        cfg.PoolSize,
		MachineCacheTTL: cacheTTL,
		ResumeWait:      resumeWait,
		Logger:          logger,
		Validator:       a.validator,
	})
	a.interrupts = engine.NewInterruptManager(a.store, a.executor, engine.InterruptManagerConfig{Logger: logger})

	a.reaper, err = reaper.New(a.store, a.interrupts, reaper.Config{
		Schedule: cfg.ReaperSchedule,
		Logger:   logger,
	})
	return err
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.DBDriver {
	case driverMemory:
		return store.NewMemoryStore(), nil
	case driverPostgres:
		return store.NewPostgresStore(ctx, cfg.DBDSN)
	case driverLibSQL:
		if !hasScheme(cfg.DBPath) || filepath.IsAbs(cfg.DBPath) {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		return store.NewLibSQLStore(cfg.libsqlURI())
	default:
		return nil, fmt.Errorf("unknown db_driver %q", cfg.DBDriver)
	}
}

func (a *app) openBus(ctx context.Context) error {
	if a.cfg.NotifyBackend != notifyRedis {
		a.bus = notify.NewMemoryBus()
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", a.cfg.RedisAddr, err)
	}
	bus, err := notify.NewRedisBus(ctx, client, notify.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("redis bus: %w", err)
	}
	a.bus = bus
	a.closers = append(a.closers, bus.Close)
	return nil
}

// Close stops the reaper, drains the executor and releases the backends in
// reverse order of opening.
func (a *app) Close() error {
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.executor != nil {
		a.executor.Shutdown()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
