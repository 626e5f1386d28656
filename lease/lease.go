// Package lease manages per-instance ownership. Exactly one engine drives a
// given workflow instance at a time; ownership is a lease with a TTL that the
// holder keeps alive by heartbeating. When renewal fails — the store is
// unreachable, or another engine reclaimed the instance — the grant's Lost
// channel closes and the driver must stop committing work, because the store
// rejects writes from stale owners anyway.
package lease

import (
	"context"
	"sync"
	"time"

	"goa.design/weave/store"
	"goa.design/weave/telemetry"
)

const (
	// DefaultTTL is the lease lifetime when the manager is not configured.
	DefaultTTL = 2 * time.Minute
	// DefaultHeartbeatInterval is the default renewal cadence.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Manager acquires and maintains leases on behalf of one engine process.
type Manager struct {
	owner     string
	leases    store.LeaseStore
	beats     store.Store // nil when heartbeats are not mirrored to instances
	ttl       time.Duration
	heartbeat time.Duration
	logger    telemetry.Logger
	now       func() time.Time
}

// ManagerOption tunes a Manager.
type ManagerOption func(*Manager)

// WithTTL overrides the lease lifetime.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithHeartbeatInterval overrides the renewal cadence. Must be well below the
// TTL so a single missed beat does not lose the lease.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.heartbeat = d }
}

// WithHeartbeatMirror also records each successful renewal on the instance
// row so the maintenance worker can spot stale owners.
func WithHeartbeatMirror(s store.Store) ManagerOption {
	return func(m *Manager) { m.beats = s }
}

// WithLogger sets the logger used for renewal failures.
func WithLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager for the given engine owner id.
func NewManager(owner string, leases store.LeaseStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		owner:     owner,
		leases:    leases,
		ttl:       DefaultTTL,
		heartbeat: DefaultHeartbeatInterval,
		logger:    telemetry.NewNoopLogger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Owner returns the engine id this manager acquires for.
func (m *Manager) Owner() string { return m.owner }

// TTL returns the configured lease lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Grant is a held lease plus its keep-alive loop.
type Grant struct {
	InstanceID string
	Owner      string

	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Lost is closed when the lease could not be renewed. Work in flight should
// be abandoned; results committed after this point fail the store's
// ownership check.
func (g *Grant) Lost() <-chan struct{} { return g.lost }

func (g *Grant) markLost() { g.lostOnce.Do(func() { close(g.lost) }) }

// Acquire attempts to take the instance. It returns nil with a nil error when
// another live owner holds it. On success the returned grant heartbeats in
// the background until Release is called or renewal fails.
func (m *Manager) Acquire(ctx context.Context, instanceID string) (*Grant, error) {
	l, err := m.leases.AcquireLease(ctx, instanceID, m.owner, m.ttl)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, nil
	}
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &Grant{
		InstanceID: instanceID,
		Owner:      m.owner,
		lost:       make(chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go m.keepAlive(hctx, g)
	return g, nil
}

func (m *Manager) keepAlive(ctx context.Context, g *Grant) {
	defer close(g.done)
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.leases.RenewLease(ctx, g.InstanceID, m.owner, m.ttl)
			if err != nil {
				m.logger.Warn(ctx, "lease renewal failed",
					"instance", g.InstanceID, "owner", m.owner, "err", err)
				g.markLost()
				return
			}
			if !ok {
				m.logger.Warn(ctx, "lease lost to another owner",
					"instance", g.InstanceID, "owner", m.owner)
				g.markLost()
				return
			}
			if m.beats != nil {
				if err := m.beats.TouchHeartbeat(ctx, g.InstanceID, m.owner, m.now()); err != nil {
					m.logger.Warn(ctx, "heartbeat mirror failed",
						"instance", g.InstanceID, "err", err)
				}
			}
		}
	}
}

// Release stops the keep-alive loop and drops the lease. Best effort; safe to
// call after the lease was lost.
func (m *Manager) Release(ctx context.Context, g *Grant) error {
	if g == nil {
		return nil
	}
	g.cancel()
	<-g.done
	select {
	case <-g.lost:
		return nil // nothing to release
	default:
	}
	return m.leases.ReleaseLease(ctx, g.InstanceID, m.owner)
}
