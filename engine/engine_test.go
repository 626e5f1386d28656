package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/executor"
	"goa.design/weave/fault"
	"goa.design/weave/store"
	"goa.design/weave/store/inmem"
	"goa.design/weave/workflow"
)

// probe records executor invocations for assertions.
type probe struct {
	mu    sync.Mutex
	calls []string
}

func (p *probe) record(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, id)
}

func (p *probe) order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newEngine(t *testing.T, executors ...executor.Executor) (*Engine, *inmem.Store) {
	t.Helper()
	reg := executor.NewRegistry()
	for _, ex := range executors {
		require.NoError(t, reg.Register(ex))
	}
	st := inmem.New()
	eng := New("engine-test", st, reg, WithCancelGrace(time.Second))
	eng.controlPoll = 5 * time.Millisecond
	eng.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return eng, st
}

func submit(t *testing.T, eng *Engine, def *workflow.Definition, inputs map[string]any) *store.Instance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.RegisterDefinition(ctx, def))
	inst, err := eng.CreateInstance(ctx, def.Ref(), inputs, store.CreateOptions{})
	require.NoError(t, err)
	return inst
}

func nodeRow(t *testing.T, eng *Engine, instanceID, nodeID, iterKey string) *store.NodeInstance {
	t.Helper()
	st, err := eng.Get(context.Background(), instanceID)
	require.NoError(t, err)
	for _, ni := range st.Nodes {
		if ni.NodeID == nodeID && ni.IterationKey == iterKey {
			return ni
		}
	}
	t.Fatalf("no node row for %s %q", nodeID, iterKey)
	return nil
}

func TestLinearChainPassesOutputsDownstream(t *testing.T) {
	p := &probe{}
	eng, _ := newEngine(t,
		executor.NewFunc("produce", func(_ context.Context, ec *executor.Context) (any, error) {
			p.record(ec.NodeID)
			return map[string]any{"n": float64(2)}, nil
		}),
		executor.NewFunc("double", func(_ context.Context, ec *executor.Context) (any, error) {
			p.record(ec.NodeID)
			n := ec.Config["value"].(float64)
			return map[string]any{"n": n * 2}, nil
		}),
	)
	def := &workflow.Definition{
		Name: "chain", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTask, Executor: "produce"},
			{ID: "b", Type: workflow.NodeTask, Executor: "double", DependsOn: []string{"a"},
				Config: map[string]any{"value": "${nodes.a.output.n}"}},
			{ID: "c", Type: workflow.NodeTask, Executor: "double", DependsOn: []string{"b"},
				Config: map[string]any{"value": "${nodes.b.output.n}"}},
		},
		Outputs: []workflow.OutputParameter{{Name: "result", Type: "number", Source: "${nodes.c.output.n}"}},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	require.Equal(t, []string{"a", "b", "c"}, p.order())
	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	require.Equal(t, map[string]any{"result": float64(8)}, got.Instance.Output)
	require.Empty(t, got.Instance.LeaseOwner, "terminal instances hold no lease")
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, store.NodeCompleted, nodeRow(t, eng, inst.ID, id, "").Status)
	}
}

func TestBranchGatesSiblings(t *testing.T) {
	p := &probe{}
	echo := executor.NewFunc("echo", func(_ context.Context, ec *executor.Context) (any, error) {
		p.record(ec.NodeID)
		return ec.Config, nil
	})
	def := &workflow.Definition{
		Name: "branchy", Version: "1", Status: workflow.StatusActive,
		Inputs: []workflow.Parameter{{Name: "route", Type: "string", Required: true}},
		Nodes: []workflow.Node{
			{ID: "decide", Type: workflow.NodeBranch,
				Branches: []workflow.BranchArm{
					{When: `inputs.route == "left"`, NextNodes: []string{"left"}},
					{When: `inputs.route == "right"`, NextNodes: []string{"right"}},
				},
				Else: []string{"fallback"}},
			{ID: "left", Type: workflow.NodeTask, Executor: "echo", DependsOn: []string{"decide"}},
			{ID: "right", Type: workflow.NodeTask, Executor: "echo", DependsOn: []string{"decide"}},
			{ID: "fallback", Type: workflow.NodeTask, Executor: "echo", DependsOn: []string{"decide"}},
			{ID: "after-left", Type: workflow.NodeTask, Executor: "echo", DependsOn: []string{"left"}},
		},
	}
	eng, _ := newEngine(t, echo)
	inst := submit(t, eng, def, map[string]any{"route": "right"})
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	require.Equal(t, []string{"right"}, p.order())
	require.Equal(t, store.NodeSkipped, nodeRow(t, eng, inst.ID, "left", "").Status)
	require.Equal(t, store.NodeSkipped, nodeRow(t, eng, inst.ID, "fallback", "").Status)
	require.Equal(t, store.NodeSkipped, nodeRow(t, eng, inst.ID, "after-left", "").Status,
		"skip propagates through dependents")
	require.Equal(t, store.NodeCompleted, nodeRow(t, eng, inst.ID, "right", "").Status)

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
}

func TestDynamicLoopKeepsInputOrder(t *testing.T) {
	var inFlight, peak atomic.Int64
	eng, _ := newEngine(t,
		executor.NewFunc("square", func(ctx context.Context, ec *executor.Context) (any, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			n := ec.Config["value"].(float64)
			// Finish out of order: larger items return faster.
			time.Sleep(time.Duration(50-n*10) * time.Millisecond)
			return n * n, nil
		}),
	)
	def := &workflow.Definition{
		Name: "fanout", Version: "1", Status: workflow.StatusActive,
		Inputs: []workflow.Parameter{{Name: "items", Type: "array", Required: true}},
		Nodes: []workflow.Node{
			{ID: "loop", Type: workflow.NodeDynamicLoop,
				SourceExpression: "${inputs.items}",
				MaxConcurrency:   2,
				TaskTemplate: &workflow.Node{ID: "worker", Type: workflow.NodeTask,
					Executor: "square", Config: map[string]any{"value": "${item}"}},
			},
		},
		Outputs: []workflow.OutputParameter{{Name: "squares", Type: "array", Source: "${loops.loop.results}"}},
	}
	inst := submit(t, eng, def, map[string]any{"items": []any{1.0, 2.0, 3.0, 4.0}})
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	require.Equal(t, []any{1.0, 4.0, 9.0, 16.0}, got.Instance.Output["squares"],
		"results follow input order, not completion order")
	require.LessOrEqual(t, peak.Load(), int64(2), "maxConcurrency bounds the fan-out")

	for i, key := range []string{"L[0]", "L[1]", "L[2]", "L[3]"} {
		row := nodeRow(t, eng, inst.ID, "worker", key)
		require.Equal(t, store.NodeCompleted, row.Status, "iteration %d", i)
	}
}

func TestRetryLadderExhaustsThenFails(t *testing.T) {
	var calls atomic.Int64
	eng, _ := newEngine(t,
		executor.NewFunc("flaky", func(_ context.Context, _ *executor.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, fault.Executor(true, "transient")
			}
			return "ok", nil
		}),
		executor.NewFunc("doomed", func(_ context.Context, _ *executor.Context) (any, error) {
			return nil, fault.Executor(true, "always down")
		}),
	)
	retry := &workflow.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 1, BackoffMultiplier: 2}

	def := &workflow.Definition{
		Name: "retries", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "flaky", Retry: retry}},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	row := nodeRow(t, eng, inst.ID, "a", "")
	require.Equal(t, store.NodeCompleted, row.Status)
	require.Equal(t, 3, row.Attempt, "retries update one row in place")

	events, err := eng.Events(context.Background(), inst.ID)
	require.NoError(t, err)
	var retries int
	for _, ev := range events {
		if ev.Kind == store.EventNodeRetry {
			retries++
		}
	}
	require.Equal(t, 2, retries)

	def2 := &workflow.Definition{
		Name: "exhausted", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "doomed", Retry: retry}},
	}
	inst2 := submit(t, eng, def2, nil)
	require.NoError(t, eng.drive(context.Background(), inst2.ID, 0))

	got, err := eng.Get(context.Background(), inst2.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceFailed, got.Instance.Status)
	require.NotNil(t, got.Instance.Failure)
	require.Equal(t, "a", got.Instance.Failure.NodeID)
	require.Equal(t, 3, got.Instance.Failure.Attempt)
}

func TestNonRetryableFailureShortCircuits(t *testing.T) {
	var calls atomic.Int64
	eng, _ := newEngine(t,
		executor.NewFunc("bad-input", func(_ context.Context, _ *executor.Context) (any, error) {
			calls.Add(1)
			return nil, fault.Executor(false, "malformed payload")
		}),
	)
	def := &workflow.Definition{
		Name: "nonretry", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "bad-input",
			Retry: &workflow.RetryPolicy{MaxAttempts: 5, BaseDelayMs: 1}}},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	require.Equal(t, int64(1), calls.Load(), "non-retryable failures skip the ladder")
	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceFailed, got.Instance.Status)
	require.False(t, got.Instance.Failure.Retryable)
}

func TestTimeoutCountsAsAttempt(t *testing.T) {
	var calls atomic.Int64
	eng, _ := newEngine(t,
		executor.NewFunc("slow-then-fast", func(ctx context.Context, _ *executor.Context) (any, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return "ok", nil
		}),
	)
	def := &workflow.Definition{
		Name: "timeouts", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "slow-then-fast",
			TimeoutMs: 20, Retry: &workflow.RetryPolicy{MaxAttempts: 2, BaseDelayMs: 1}}},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	row := nodeRow(t, eng, inst.ID, "a", "")
	require.Equal(t, store.NodeCompleted, row.Status)
	require.Equal(t, 2, row.Attempt, "the timed-out attempt consumed a slot in the ladder")
}

func TestCancelDuringParallelJoin(t *testing.T) {
	started := make(chan struct{}, 2)
	eng, _ := newEngine(t,
		executor.NewFunc("block", func(ctx context.Context, _ *executor.Context) (any, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	def := &workflow.Definition{
		Name: "cancelme", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "par", Type: workflow.NodeParallel, JoinType: workflow.JoinAll,
				Nodes: []workflow.Node{
					{ID: "x", Type: workflow.NodeTask, Executor: "block"},
					{ID: "y", Type: workflow.NodeTask, Executor: "block"},
				}},
		},
	}
	inst := submit(t, eng, def, nil)

	done := make(chan error, 1)
	go func() { done <- eng.drive(context.Background(), inst.ID, 0) }()
	<-started
	<-started
	require.NoError(t, eng.Cancel(context.Background(), inst.ID))
	require.NoError(t, <-done)

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCancelled, got.Instance.Status)

	// Cancel is idempotent.
	require.NoError(t, eng.Cancel(context.Background(), inst.ID))
}

func TestDriveSkipsInstanceHeldByAnotherEngine(t *testing.T) {
	eng, st := newEngine(t,
		executor.NewFunc("echo", func(_ context.Context, ec *executor.Context) (any, error) {
			return ec.Config, nil
		}),
	)
	def := &workflow.Definition{
		Name: "held", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "echo"}},
	}
	inst := submit(t, eng, def, nil)

	_, err := st.AcquireLease(context.Background(), inst.ID, "other-engine", time.Minute)
	require.NoError(t, err)

	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))
	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstancePending, got.Instance.Status, "held instances are left untouched")
}

func TestResumeReplaysCompletedNodes(t *testing.T) {
	p := &probe{}
	eng, st := newEngine(t,
		executor.NewFunc("step", func(_ context.Context, ec *executor.Context) (any, error) {
			p.record(ec.NodeID)
			return ec.NodeID + "-out", nil
		}),
	)
	def := &workflow.Definition{
		Name: "resume", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTask, Executor: "step"},
			{ID: "b", Type: workflow.NodeTask, Executor: "step", DependsOn: []string{"a"}},
		},
	}
	inst := submit(t, eng, def, nil)
	ctx := context.Background()

	// Simulate a previous engine that completed node a and then died.
	_, err := st.UpdateInstanceStatus(ctx, inst.ID, store.InstanceRunning, store.Patch{})
	require.NoError(t, err)
	_, err = st.AcquireLease(ctx, inst.ID, "dead-engine", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.CommitNodeResult(ctx, "dead-engine",
		&store.NodeInstance{InstanceID: inst.ID, NodeID: "a", Status: store.NodeCompleted, Attempt: 1, Output: "a-out"},
		map[string]any{
			"inputs": map[string]any{},
			"nodes":  map[string]any{"a": map[string]any{"output": "a-out"}},
			"loops":  map[string]any{},
		}, nil))
	require.NoError(t, st.ReleaseLease(ctx, inst.ID, "dead-engine"))
	_, err = st.UpdateInstanceStatus(ctx, inst.ID, store.InstancePaused,
		store.Patch{Reason: store.PauseReasonOwnerLost})
	require.NoError(t, err)

	require.NoError(t, eng.drive(ctx, inst.ID, 0))

	require.Equal(t, []string{"b"}, p.order(), "completed work is not re-executed")
	got, err := eng.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
}

func TestSubWorkflowPropagatesOutputs(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("add", func(_ context.Context, ec *executor.Context) (any, error) {
			return ec.Config["a"].(float64) + ec.Config["b"].(float64), nil
		}),
	)
	ctx := context.Background()
	child := &workflow.Definition{
		Name: "adder", Version: "1", Status: workflow.StatusActive,
		Inputs: []workflow.Parameter{
			{Name: "x", Type: "number", Required: true},
			{Name: "y", Type: "number", Required: true},
		},
		Nodes: []workflow.Node{{ID: "sum", Type: workflow.NodeTask, Executor: "add",
			Config: map[string]any{"a": "${inputs.x}", "b": "${inputs.y}"}}},
		Outputs: []workflow.OutputParameter{{Name: "sum", Type: "number", Source: "${nodes.sum.output}"}},
	}
	require.NoError(t, eng.RegisterDefinition(ctx, child))

	parent := &workflow.Definition{
		Name: "parent", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "call", Type: workflow.NodeSubWorkflow,
			Definition:   &workflow.Ref{Name: "adder", Version: "1"},
			InputMapping: map[string]any{"x": 3.0, "y": 4.0}}},
		Outputs: []workflow.OutputParameter{{Name: "total", Type: "number", Source: "${nodes.call.output.output.sum}"}},
	}
	inst := submit(t, eng, parent, nil)
	require.NoError(t, eng.drive(ctx, inst.ID, 0))

	got, err := eng.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	require.Equal(t, float64(7), got.Instance.Output["total"])

	children, err := eng.List(ctx, store.ListFilter{Definition: "adder"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, inst.ID, children[0].ParentInstanceID)
	require.Equal(t, "call", children[0].ParentNodeID)
	require.Equal(t, store.InstanceCompleted, children[0].Status)
}

func TestSubWorkflowDepthCap(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	// recur@1 calls itself; the depth cap must stop the recursion.
	recur := &workflow.Definition{
		Name: "recur", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "again", Type: workflow.NodeSubWorkflow,
			Definition: &workflow.Ref{Name: "recur", Version: "1"}}},
	}
	require.NoError(t, eng.RegisterDefinition(ctx, recur))
	inst, err := eng.CreateInstance(ctx, recur.Ref(), nil, store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.drive(ctx, inst.ID, 0))

	got, err := eng.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceFailed, got.Instance.Status)
}

func TestStaticLoopCollectsIterationResults(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("index", func(_ context.Context, ec *executor.Context) (any, error) {
			return ec.Config["i"], nil
		}),
	)
	def := &workflow.Definition{
		Name: "looper", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "loop", Type: workflow.NodeLoop, Iterations: 3,
				Nodes: []workflow.Node{
					{ID: "body", Type: workflow.NodeTask, Executor: "index",
						Config: map[string]any{"i": "${index}"}},
				}},
		},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	for _, key := range []string{"L[0]", "L[1]", "L[2]"} {
		require.Equal(t, store.NodeCompleted, nodeRow(t, eng, inst.ID, "body", key).Status)
	}
	loops := got.Instance.Context["loops"].(map[string]any)
	results := loops["loop"].(map[string]any)["results"].([]any)
	require.Len(t, results, 3)
	require.Equal(t, map[string]any{"body": 0}, results[0])
	require.Equal(t, map[string]any{"body": 2}, results[2])
}

func TestParallelJoinAnyTakesFirstSuccess(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("fail-fast", func(_ context.Context, _ *executor.Context) (any, error) {
			return nil, fault.Executor(false, "no luck")
		}),
		executor.NewFunc("win", func(_ context.Context, _ *executor.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return "winner", nil
		}),
	)
	def := &workflow.Definition{
		Name: "anyjoin", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "par", Type: workflow.NodeParallel, JoinType: workflow.JoinAny,
				Nodes: []workflow.Node{
					{ID: "x", Type: workflow.NodeTask, Executor: "fail-fast"},
					{ID: "y", Type: workflow.NodeTask, Executor: "win"},
				}},
		},
		Outputs: []workflow.OutputParameter{{Name: "winner", Type: "string", Source: "${nodes.par.output.winner}"}},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status,
		"joinType any tolerates sibling failures")
	require.Equal(t, "y", got.Instance.Output["winner"])
}

func TestParallelContinueCompletesWithMixedResults(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("ok", func(_ context.Context, _ *executor.Context) (any, error) {
			return "fine", nil
		}),
		executor.NewFunc("boom", func(_ context.Context, _ *executor.Context) (any, error) {
			return nil, fault.Executor(false, "broken")
		}),
	)
	def := &workflow.Definition{
		Name: "mixed", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "par", Type: workflow.NodeParallel, JoinType: workflow.JoinAll,
				ErrorHandling: workflow.Continue,
				Nodes: []workflow.Node{
					{ID: "x", Type: workflow.NodeTask, Executor: "ok"},
					{ID: "y", Type: workflow.NodeTask, Executor: "boom"},
				}},
		},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	require.Equal(t, store.NodeFailed, nodeRow(t, eng, inst.ID, "y", "P[1]").Status)
	require.Equal(t, store.NodeCompleted, nodeRow(t, eng, inst.ID, "x", "P[0]").Status)
}

func TestParallelJoinAllCollectsChildrenInOrder(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("echo", func(_ context.Context, ec *executor.Context) (any, error) {
			return ec.Config["v"], nil
		}),
	)
	def := &workflow.Definition{
		Name: "alljoin", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "par", Type: workflow.NodeParallel, JoinType: workflow.JoinAll,
				Nodes: []workflow.Node{
					{ID: "x", Type: workflow.NodeTask, Executor: "echo", Config: map[string]any{"v": "first"}},
					{ID: "y", Type: workflow.NodeTask, Executor: "echo", Config: map[string]any{"v": "second"}},
				}},
		},
		Outputs: []workflow.OutputParameter{
			{Name: "head", Type: "string", Source: "${nodes.par.output.children[0]}"},
			{Name: "tail", Type: "string", Source: "${nodes.par.output.children[1]}"},
			{Name: "named", Type: "string", Source: "${nodes.par.output.byId.y}"},
		},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	require.Equal(t, "first", got.Instance.Output["head"], "children follow definition order")
	require.Equal(t, "second", got.Instance.Output["tail"])
	require.Equal(t, "second", got.Instance.Output["named"])
}

func TestDynamicLoopRaceSettlesOnFirstOutcome(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("contender", func(ctx context.Context, ec *executor.Context) (any, error) {
			if ec.Config["value"].(float64) == 1 {
				return nil, fault.Executor(false, "lost the race")
			}
			select {
			case <-time.After(time.Second):
				return "slow win", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)
	def := &workflow.Definition{
		Name: "racer", Version: "1", Status: workflow.StatusActive,
		Inputs: []workflow.Parameter{{Name: "items", Type: "array", Required: true}},
		Nodes: []workflow.Node{
			{ID: "loop", Type: workflow.NodeDynamicLoop, JoinType: workflow.JoinRace,
				SourceExpression: "${inputs.items}",
				TaskTemplate: &workflow.Node{ID: "worker", Type: workflow.NodeTask,
					Executor: "contender", Config: map[string]any{"value": "${item}"}},
			},
		},
	}
	inst := submit(t, eng, def, map[string]any{"items": []any{1.0, 2.0}})

	start := time.Now()
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))
	require.Less(t, time.Since(start), time.Second,
		"race settles on the first terminal outcome instead of waiting for a success")

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceFailed, got.Instance.Status)
	require.Contains(t, got.Instance.Failure.Message, "lost the race")
	require.Equal(t, store.NodeFailed, nodeRow(t, eng, inst.ID, "worker", "L[0]").Status)
}

func TestCancelAbandonsStubbornExecutorAfterGrace(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	eng, _ := newEngine(t,
		executor.NewFunc("stubborn", func(_ context.Context, _ *executor.Context) (any, error) {
			// Ignores cancellation entirely.
			started <- struct{}{}
			<-release
			return nil, errors.New("too late")
		}),
	)
	eng.cancelGrace = 50 * time.Millisecond
	def := &workflow.Definition{
		Name: "stuck", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "stubborn"}},
	}
	inst := submit(t, eng, def, nil)

	done := make(chan error, 1)
	go func() { done <- eng.drive(context.Background(), inst.ID, 0) }()
	<-started
	require.NoError(t, eng.Cancel(context.Background(), inst.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not return after the cancel grace")
	}

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCancelled, got.Instance.Status)
	require.Equal(t, store.NodeCancelled, nodeRow(t, eng, inst.ID, "a", "").Status,
		"abandoned units are recorded cancelled")
}

func TestDefaultMaxConcurrencyBoundsInstance(t *testing.T) {
	var inFlight, peak atomic.Int64
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register(
		executor.NewFunc("count", func(_ context.Context, _ *executor.Context) (any, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return "ok", nil
		})))
	st := inmem.New()
	eng := New("engine-test", st, reg,
		WithCancelGrace(time.Second), WithDefaultMaxConcurrency(1))
	eng.controlPoll = 5 * time.Millisecond
	eng.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	def := &workflow.Definition{
		Name: "bounded", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTask, Executor: "count"},
			{ID: "b", Type: workflow.NodeTask, Executor: "count"},
			{ID: "c", Type: workflow.NodeTask, Executor: "count"},
		},
	}
	inst := submit(t, eng, def, nil)
	require.NoError(t, eng.drive(context.Background(), inst.ID, 0))

	got, err := eng.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	require.Equal(t, int64(1), peak.Load(), "units within one instance run one at a time")
}

func TestCreateInstanceRejectsInactiveDefinition(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("echo", func(_ context.Context, ec *executor.Context) (any, error) {
			return ec.Config, nil
		}),
	)
	ctx := context.Background()
	def := &workflow.Definition{
		Name: "drafted", Version: "1", Status: workflow.StatusDraft,
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "echo"}},
	}
	require.NoError(t, eng.RegisterDefinition(ctx, def))
	_, err := eng.CreateInstance(ctx, def.Ref(), nil, store.CreateOptions{})
	require.True(t, errors.Is(err, fault.ErrValidation))
}

func TestCreateInstanceValidatesInputs(t *testing.T) {
	eng, _ := newEngine(t,
		executor.NewFunc("echo", func(_ context.Context, ec *executor.Context) (any, error) {
			return ec.Config, nil
		}),
	)
	ctx := context.Background()
	def := &workflow.Definition{
		Name: "typed", Version: "1", Status: workflow.StatusActive,
		Inputs: []workflow.Parameter{
			{Name: "count", Type: "number", Required: true},
			{Name: "label", Type: "string", Default: "none"},
		},
		Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "echo"}},
	}
	require.NoError(t, eng.RegisterDefinition(ctx, def))

	_, err := eng.CreateInstance(ctx, def.Ref(), map[string]any{}, store.CreateOptions{})
	require.True(t, errors.Is(err, fault.ErrValidation), "missing required input")

	inst, err := eng.CreateInstance(ctx, def.Ref(), map[string]any{"count": 2.0}, store.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "none", inst.Input["label"], "defaults are applied")
}

func TestPauseStopsDispatchAndResumeFinishes(t *testing.T) {
	p := &probe{}
	release := make(chan struct{})
	eng, _ := newEngine(t,
		executor.NewFunc("quick", func(_ context.Context, ec *executor.Context) (any, error) {
			p.record(ec.NodeID)
			return "ok", nil
		}),
		executor.NewFunc("gate", func(ctx context.Context, ec *executor.Context) (any, error) {
			p.record(ec.NodeID)
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)
	def := &workflow.Definition{
		Name: "pausable", Version: "1", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTask, Executor: "quick"},
			{ID: "b", Type: workflow.NodeTask, Executor: "gate", DependsOn: []string{"a"}},
		},
	}
	inst := submit(t, eng, def, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- eng.drive(ctx, inst.ID, 0) }()

	require.Eventually(t, func() bool {
		for _, id := range p.order() {
			if id == "b" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	require.NoError(t, eng.Pause(ctx, inst.ID, "operator request"))
	close(release)
	require.NoError(t, <-done)

	got, err := eng.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstancePaused, got.Instance.Status)
	require.Equal(t, "operator request", got.Instance.PausedReason)

	// Resume drives the remainder; completed work is replayed, not re-run.
	require.NoError(t, eng.drive(ctx, inst.ID, 0))
	got, err = eng.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceCompleted, got.Instance.Status)
	var aRuns int
	for _, id := range p.order() {
		if id == "a" {
			aRuns++
		}
	}
	require.Equal(t, 1, aRuns, "node a completed before the pause and is not re-run")
}
