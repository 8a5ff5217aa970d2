// Package engine wires all jobcore subsystems together: one store
// backend fans out to the checkpoint manager, event registry, job
// repository, recovery handler, and sweeper.
//
// This package exists to break the import cycle: the root jobcore
// package defines Entity and Config (imported by job, checkpoint, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/recovery"
	"github.com/omnibrowser/jobcore/repository"
	"github.com/omnibrowser/jobcore/scheduler"
	"github.com/omnibrowser/jobcore/store"
)

// pingTimeout bounds the reachability check in Start.
const pingTimeout = 5 * time.Second

// Engine owns the wired subsystems and their lifecycle.
type Engine struct {
	store  store.Store
	cfg    jobcore.Config
	logger *slog.Logger

	transport event.Transport

	checkpoints *checkpoint.Manager
	events      *event.Registry
	repo        *repository.Repository
	recovery    *recovery.Handler
	sweeper     *scheduler.Sweeper

	sweeperOpts []scheduler.Option

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the backend. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithConfig overrides the default configuration.
func WithConfig(cfg jobcore.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets a custom logger, propagated to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTransport sets the cross-process event transport. Defaults to
// event.Nop, keeping events in-process only.
func WithTransport(t event.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithSweeperOptions forwards options to the sweeper, e.g.
// scheduler.WithSweepSchedule or scheduler.WithCleanupRateLimit.
func WithSweeperOptions(opts ...scheduler.Option) Option {
	return func(e *Engine) { e.sweeperOpts = append(e.sweeperOpts, opts...) }
}

// New wires an Engine from a store backend and options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       jobcore.DefaultConfig(),
		logger:    slog.Default(),
		transport: event.Nop{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.store == nil {
		return nil, jobcore.ErrNoStore
	}

	e.checkpoints = checkpoint.NewManager(e.store,
		checkpoint.WithLogger(e.logger),
		checkpoint.WithCheckpointTTL(e.cfg.CheckpointTTL),
		checkpoint.WithArchiveTTL(e.cfg.ArchiveTTL),
	)

	e.events = event.NewRegistry(e.store, e.store,
		event.WithTransport(e.transport),
		event.WithLogger(e.logger),
	)

	e.repo = repository.New(e.store, e.checkpoints, e.events,
		repository.WithLogger(e.logger),
		repository.WithStaleThreshold(e.cfg.StaleWorkerThreshold),
	)

	e.recovery = recovery.NewHandler(e.store, e.checkpoints, e.events,
		recovery.WithLogger(e.logger),
	)

	sweeperOpts := append([]scheduler.Option{scheduler.WithLogger(e.logger)}, e.sweeperOpts...)
	sweeper, err := scheduler.NewSweeper(e.store, e.checkpoints, e.events, e.cfg, sweeperOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: build sweeper: %w", err)
	}
	e.sweeper = sweeper

	return e, nil
}

// Start verifies the store is reachable and launches the sweeper.
// Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := e.store.Ping(pingCtx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}

	if err := e.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("engine: start sweeper: %w", err)
	}

	e.started = true
	e.logger.Info("engine started",
		slog.Duration("sweep_interval", e.cfg.SweepInterval),
	)
	return nil
}

// Stop shuts the subsystems down concurrently and closes the store.
// Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sweeper.Stop(ctx) })
	g.Go(func() error {
		e.events.CloseSubscribers()
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: stop: %w", err)
	}

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("engine: close store: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// Repository returns the job repository façade.
func (e *Engine) Repository() *repository.Repository { return e.repo }

// Checkpoints returns the checkpoint manager.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Events returns the event registry.
func (e *Engine) Events() *event.Registry { return e.events }

// Recovery returns the recovery handler.
func (e *Engine) Recovery() *recovery.Handler { return e.recovery }

// Sweeper returns the periodic sweeper.
func (e *Engine) Sweeper() *scheduler.Sweeper { return e.sweeper }

// Config returns the engine's effective configuration.
func (e *Engine) Config() jobcore.Config { return e.cfg }
