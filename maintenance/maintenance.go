// Package maintenance runs the background janitor every deployment needs
// exactly one of: reclaiming instances whose engine stopped heartbeating,
// garbage-collecting old events, compacting terminal instances, and
// publishing backlog gauges. The worker is stateless; running it on several
// nodes is safe because every mutation goes through the store's CAS
// transitions, but it is wasted work.
package maintenance

import (
	"context"
	"time"

	"goa.design/weave/store"
	"goa.design/weave/telemetry"
)

const (
	// DefaultInterval is the sweep cadence.
	DefaultInterval = time.Minute
	// DefaultStaleThreshold is how long an instance may go without a
	// heartbeat before its owner is presumed dead.
	DefaultStaleThreshold = 5 * time.Minute
	// DefaultEventRetention is how long audit events are kept.
	DefaultEventRetention = 7 * 24 * time.Hour
	// DefaultCompactAfter is how long terminal instances keep their context
	// before it is compacted away.
	DefaultCompactAfter = 24 * time.Hour
)

// Worker is the maintenance sweeper.
type Worker struct {
	store   store.Store
	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time

	interval       time.Duration
	staleThreshold time.Duration
	eventRetention time.Duration
	compactAfter   time.Duration
}

// Option tunes the worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithInterval sets the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithStaleThreshold sets the heartbeat age past which an owner is presumed
// dead. Must comfortably exceed the lease heartbeat interval.
func WithStaleThreshold(d time.Duration) Option {
	return func(w *Worker) { w.staleThreshold = d }
}

// WithEventRetention sets how long events are kept.
func WithEventRetention(d time.Duration) Option {
	return func(w *Worker) { w.eventRetention = d }
}

// WithCompactAfter sets the age at which terminal instances lose their
// context payload.
func WithCompactAfter(d time.Duration) Option {
	return func(w *Worker) { w.compactAfter = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New builds a worker over the store.
func New(st store.Store, opts ...Option) *Worker {
	w := &Worker{
		store:          st,
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		now:            time.Now,
		interval:       DefaultInterval,
		staleThreshold: DefaultStaleThreshold,
		eventRetention: DefaultEventRetention,
		compactAfter:   DefaultCompactAfter,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full sweep. Each phase is independent; a failing phase
// is logged and the rest still run.
func (w *Worker) RunOnce(ctx context.Context) {
	w.reclaimStale(ctx)
	w.gcEvents(ctx)
	w.compact(ctx)
	w.publishGauges(ctx)
}

// reclaimStale pauses running instances whose engine stopped heartbeating so
// any live engine can adopt them.
func (w *Worker) reclaimStale(ctx context.Context) {
	stale, err := w.store.ListStaleInstances(ctx, w.staleThreshold)
	if err != nil {
		w.logger.Warn(ctx, "stale scan failed", "err", err)
		return
	}
	for _, inst := range stale {
		_, err := w.store.UpdateInstanceStatus(ctx, inst.ID, store.InstancePaused,
			store.Patch{Reason: store.PauseReasonOwnerLost})
		if err != nil {
			// Lost a race with the owner or another sweeper.
			w.logger.Debug(ctx, "reclaim skipped", "instance", inst.ID, "err", err)
			continue
		}
		if err := w.store.ReleaseLease(ctx, inst.ID, inst.LeaseOwner); err != nil {
			w.logger.Warn(ctx, "reclaim lease release failed", "instance", inst.ID, "err", err)
		}
		w.appendEvent(ctx, &store.Event{
			InstanceID: inst.ID,
			Kind:       store.EventInstanceReclaimed,
			Payload:    map[string]any{"previousOwner": inst.LeaseOwner},
		})
		w.metrics.IncCounter("weave_instances_reclaimed_total", 1)
		w.logger.Info(ctx, "instance reclaimed from dead owner",
			"instance", inst.ID, "previousOwner", inst.LeaseOwner)
	}
}

func (w *Worker) gcEvents(ctx context.Context) {
	removed, err := w.store.DeleteEventsBefore(ctx, w.now().Add(-w.eventRetention))
	if err != nil {
		w.logger.Warn(ctx, "event gc failed", "err", err)
		return
	}
	if removed > 0 {
		w.logger.Debug(ctx, "events garbage-collected", "removed", removed)
	}
}

func (w *Worker) compact(ctx context.Context) {
	compacted, err := w.store.CompactTerminalInstances(ctx, w.now().Add(-w.compactAfter))
	if err != nil {
		w.logger.Warn(ctx, "compaction failed", "err", err)
		return
	}
	if compacted > 0 {
		w.logger.Debug(ctx, "terminal instances compacted", "compacted", compacted)
	}
}

func (w *Worker) publishGauges(ctx context.Context) {
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		w.logger.Warn(ctx, "status count failed", "err", err)
		return
	}
	w.metrics.RecordGauge("weave_instances_running", float64(counts[store.InstanceRunning]))
	w.metrics.RecordGauge("weave_instances_paused", float64(counts[store.InstancePaused]))
	w.metrics.RecordGauge("weave_instances_pending", float64(counts[store.InstancePending]))

	failed, err := w.store.CountFailedSince(ctx, w.now().Add(-24*time.Hour))
	if err != nil {
		w.logger.Warn(ctx, "failure count failed", "err", err)
		return
	}
	w.metrics.RecordGauge("weave_instances_failed_last_24h", float64(failed))
}

func (w *Worker) appendEvent(ctx context.Context, ev *store.Event) {
	if err := w.store.AppendEvent(ctx, ev); err != nil {
		w.logger.Warn(ctx, "event append failed", "instance", ev.InstanceID, "err", err)
	}
}
