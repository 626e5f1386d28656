// Package engine drives workflow instances: it interprets the definition
// graph, dispatches task executors with bounded concurrency, persists every
// unit outcome through the store, and coordinates ownership across engine
// processes via per-instance leases. One engine process drives many instances
// concurrently; many engine processes share a store, and leases guarantee
// each instance has exactly one driver at a time.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"goa.design/weave/executor"
	"goa.design/weave/lease"
	"goa.design/weave/store"
	"goa.design/weave/telemetry"
)

const (
	// DefaultMaxConcurrency bounds units in flight across all instances
	// driven by one engine process.
	DefaultMaxConcurrency = 64
	// DefaultCancelGrace is how long running executors get to honor
	// cancellation before the driver stops waiting for them.
	DefaultCancelGrace = 5 * time.Second
	// DefaultPollInterval is the cadence of the Run loop that picks up
	// instances reclaimed from dead engines.
	DefaultPollInterval = 10 * time.Second
	// DefaultMaxSubWorkflowDepth caps sub-workflow nesting.
	DefaultMaxSubWorkflowDepth = 10

	// Storage retry ladder used around every persistence call on the driving
	// path. When it is exhausted the driver yields its lease instead of
	// spinning.
	storageAttempts  = 5
	storageBaseDelay = 100 * time.Millisecond
	storageMaxDelay  = 5 * time.Second
)

// Engine is the workflow execution engine.
type Engine struct {
	id       string
	store    store.Store
	leases   *lease.Manager
	registry *executor.Registry
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
	now      func() time.Time

	inflight    *semaphore.Weighted
	perInstance int
	cancelGrace time.Duration
	maxDepth    int
	poll        time.Duration
	controlPoll time.Duration

	// sleep is the interruptible wait used by retry ladders; tests stub it.
	sleep func(ctx context.Context, d time.Duration) error

	wg      sync.WaitGroup
	mu      sync.Mutex
	driving map[string]bool // instances this process is currently driving
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used to span instance and node execution.
func WithTracer(tr telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tr }
}

// WithMaxConcurrency bounds units in flight across all instances driven by
// this process.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.inflight = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDefaultMaxConcurrency bounds units in flight within a single instance
// drive. Parallel and loop nodes may narrow the bound further with their own
// maxConcurrency; zero leaves only the process-wide cap.
func WithDefaultMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.perInstance = n
		}
	}
}

// WithCancelGrace sets how long cancelled executors get to wind down.
func WithCancelGrace(d time.Duration) Option {
	return func(e *Engine) { e.cancelGrace = d }
}

// WithPollInterval sets the Run loop cadence.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.poll = d }
}

// WithMaxSubWorkflowDepth overrides the sub-workflow nesting cap.
func WithMaxSubWorkflowDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithLeaseManager overrides the lease manager, e.g. to heartbeat through a
// Redis lease store instead of the relational store.
func WithLeaseManager(m *lease.Manager) Option {
	return func(e *Engine) { e.leases = m }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine identified by id. The registry is sealed here; no
// executor may be registered after the engine is constructed.
func New(id string, st store.Store, reg *executor.Registry, opts ...Option) *Engine {
	e := &Engine{
		id:          id,
		store:       st,
		registry:    reg,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
		now:         time.Now,
		inflight:    semaphore.NewWeighted(DefaultMaxConcurrency),
		cancelGrace: DefaultCancelGrace,
		maxDepth:    DefaultMaxSubWorkflowDepth,
		poll:        DefaultPollInterval,
		controlPoll: 250 * time.Millisecond,
		driving:     make(map[string]bool),
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	for _, o := range opts {
		o(e)
	}
	if e.leases == nil {
		e.leases = lease.NewManager(id, st,
			lease.WithHeartbeatMirror(st), lease.WithLogger(e.logger))
	}
	reg.Seal()
	return e
}

// ID returns the engine's owner id.
func (e *Engine) ID() string { return e.id }

// Run resumes instances that lost their engine (paused with reason ownerLost
// by the maintenance worker) until ctx is cancelled, then waits for in-flight
// drivers to wind down.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.adoptOrphans(ctx)
		}
	}
}

func (e *Engine) adoptOrphans(ctx context.Context) {
	orphans, err := e.store.ListInstances(ctx, store.ListFilter{
		Status: []store.InstanceStatus{store.InstancePaused},
	})
	if err != nil {
		e.logger.Warn(ctx, "orphan scan failed", "err", err)
		return
	}
	for _, inst := range orphans {
		if inst.PausedReason != store.PauseReasonOwnerLost {
			continue
		}
		if err := e.Resume(ctx, inst.ID); err != nil {
			e.logger.Warn(ctx, "orphan adoption failed", "instance", inst.ID, "err", err)
		}
	}
}

// Close waits for all drivers spawned by Start and Resume to finish.
func (e *Engine) Close() { e.wg.Wait() }

// markDriving records that this process drives the instance; it returns false
// when a driver is already active locally so Start and Resume are idempotent
// within the process.
func (e *Engine) markDriving(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.driving[id] {
		return false
	}
	e.driving[id] = true
	return true
}

func (e *Engine) unmarkDriving(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.driving, id)
}
