package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/store"
	"goa.design/weave/store/inmem"
	"goa.design/weave/workflow"
)

type gaugeRecorder struct {
	mu     sync.Mutex
	gauges map[string]float64
}

func (g *gaugeRecorder) IncCounter(string, float64, ...string) {}
func (g *gaugeRecorder) RecordGauge(name string, v float64, _ ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gauges == nil {
		g.gauges = make(map[string]float64)
	}
	g.gauges[name] = v
}
func (g *gaugeRecorder) RecordTimer(string, time.Duration, ...string) {}

func seed(t *testing.T, now *time.Time) (*inmem.Store, *store.Instance) {
	t.Helper()
	s := inmem.New(inmem.WithClock(func() time.Time { return *now }))
	ctx := context.Background()
	def := &workflow.Definition{
		Name: "wf", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "echo"}},
	}
	require.NoError(t, s.PutDefinition(ctx, def))
	inst, err := s.CreateInstance(ctx, def.Ref(), nil, store.CreateOptions{})
	require.NoError(t, err)
	return s, inst
}

func TestReclaimStalePausesWithOwnerLost(t *testing.T) {
	now := time.Now()
	s, inst := seed(t, &now)
	ctx := context.Background()

	_, err := s.UpdateInstanceStatus(ctx, inst.ID, store.InstanceRunning, store.Patch{})
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, inst.ID, "dead-engine", time.Minute)
	require.NoError(t, err)

	w := New(s, WithClock(func() time.Time { return now }), WithStaleThreshold(5*time.Minute))

	w.RunOnce(ctx)
	got, err := s.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceRunning, got.Status, "fresh heartbeat is left alone")

	now = now.Add(10 * time.Minute)
	w.RunOnce(ctx)
	got, err = s.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstancePaused, got.Status)
	require.Equal(t, store.PauseReasonOwnerLost, got.PausedReason)

	events, err := s.ListEvents(ctx, inst.ID)
	require.NoError(t, err)
	var reclaimed bool
	for _, ev := range events {
		if ev.Kind == store.EventInstanceReclaimed {
			reclaimed = true
			require.Equal(t, "dead-engine", ev.Payload["previousOwner"])
		}
	}
	require.True(t, reclaimed)

	// The reclaimed instance is acquirable by a live engine.
	l, err := s.AcquireLease(ctx, inst.ID, "live-engine", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestEventGCAndCompaction(t *testing.T) {
	now := time.Now()
	s, inst := seed(t, &now)
	ctx := context.Background()
	_, err := s.UpdateInstanceStatus(ctx, inst.ID, store.InstanceRunning, store.Patch{})
	require.NoError(t, err)
	_, err = s.UpdateInstanceStatus(ctx, inst.ID, store.InstanceCompleted, store.Patch{})
	require.NoError(t, err)

	w := New(s, WithClock(func() time.Time { return now }),
		WithEventRetention(24*time.Hour), WithCompactAfter(24*time.Hour))

	now = now.Add(48 * time.Hour)
	w.RunOnce(ctx)

	events, err := s.ListEvents(ctx, inst.ID)
	require.NoError(t, err)
	require.Empty(t, events, "old events are collected")

	got, err := s.LoadInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Nil(t, got.Context, "terminal context is compacted")
}

func TestPublishGauges(t *testing.T) {
	now := time.Now()
	s, inst := seed(t, &now)
	ctx := context.Background()
	_, err := s.UpdateInstanceStatus(ctx, inst.ID, store.InstanceRunning, store.Patch{})
	require.NoError(t, err)
	_, err = s.UpdateInstanceStatus(ctx, inst.ID, store.InstanceFailed, store.Patch{})
	require.NoError(t, err)

	rec := &gaugeRecorder{}
	w := New(s, WithClock(func() time.Time { return now }), WithMetrics(rec))
	w.RunOnce(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, float64(0), rec.gauges["weave_instances_running"])
	require.Equal(t, float64(1), rec.gauges["weave_instances_failed_last_24h"])
}
