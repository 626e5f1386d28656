package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/weave/executor"
	"goa.design/weave/fault"
	"goa.design/weave/scope"
	"goa.design/weave/store"
	"goa.design/weave/template"
	"goa.design/weave/workflow"
)

// unit states tracked by the graph dispatcher.
const (
	statePending = iota
	stateRunning
	stateDone
	stateFailed
	stateSkipped
)

type unitResult struct {
	idx     int
	out     any
	attempt int
	err     error
}

// isControl reports whether err is a driver control sentinel rather than a
// node failure.
func isControl(err error) bool {
	return errors.Is(err, errPaused) || errors.Is(err, errCancelled) ||
		errors.Is(err, errLeaseLost) || errors.Is(err, errYield) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// graph drives one sibling set to completion. keyOf yields the iteration key
// for the node at each index. With failFast a node failure cancels the set;
// otherwise failed nodes are recorded and their dependents skipped. limit
// bounds set-local concurrency on top of the engine-wide cap (0 = no extra
// bound).
func (r *run) graph(ctx context.Context, frame scope.FrameID, nodes []workflow.Node, keyOf func(int) string, failFast bool, limit int) (map[string]any, error) {
	byID := make(map[string]int, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = i
	}
	state := make([]int, len(nodes))
	outputs := make(map[string]any)

	// Launch priority: shallow nodes first, definition order as tie break.
	depths := workflow.Depths(nodes)
	order := make([]int, len(nodes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return depths[nodes[order[a]].ID] < depths[nodes[order[b]].ID]
	})

	// Branch gating: every node named by some arm starts gated and wakes up
	// only if a completing branch chooses it. gates counts branches that have
	// not yet decided about the node.
	gates := make([]int, len(nodes))
	gated := make([]bool, len(nodes))
	chosen := make([]bool, len(nodes))
	for i := range nodes {
		if nodes[i].Type != workflow.NodeBranch {
			continue
		}
		for _, arm := range nodes[i].Branches {
			for _, tgt := range arm.NextNodes {
				gates[byID[tgt]]++
				gated[byID[tgt]] = true
			}
		}
		for _, tgt := range nodes[i].Else {
			gates[byID[tgt]]++
			gated[byID[tgt]] = true
		}
	}

	applyBranch := func(out any) {
		m, ok := out.(map[string]any)
		if !ok {
			return
		}
		for _, tgt := range toStringSlice(m["targets"]) {
			if j, ok := byID[tgt]; ok {
				chosen[j] = true
			}
		}
	}
	settleGates := func(branchIdx int) {
		b := &nodes[branchIdx]
		decided := make(map[string]bool)
		for _, arm := range b.Branches {
			for _, tgt := range arm.NextNodes {
				decided[tgt] = true
			}
		}
		for _, tgt := range b.Else {
			decided[tgt] = true
		}
		for tgt := range decided {
			gates[byID[tgt]]--
		}
	}

	// Replay rows from a previous drive of this instance.
	for i := range nodes {
		prev, ok := r.prior[unitKey(nodes[i].ID, keyOf(i))]
		if !ok {
			continue
		}
		switch prev.Status {
		case store.NodeCompleted:
			state[i] = stateDone
			outputs[nodes[i].ID] = prev.Output
			r.tree.SetNodeOutputIn(frame, nodes[i].ID, prev.Output)
			if nodes[i].Type == workflow.NodeBranch {
				applyBranch(prev.Output)
				settleGates(i)
			}
		case store.NodeSkipped:
			state[i] = stateSkipped
			if nodes[i].Type == workflow.NodeBranch {
				settleGates(i)
			}
		}
		// Failed and cancelled rows re-run from scratch.
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan unitResult, len(nodes))
	var localSem chan struct{}
	if limit > 0 {
		localSem = make(chan struct{}, limit)
	}

	inFlight := 0
	launch := func(i int) {
		state[i] = stateRunning
		inFlight++
		n := &nodes[i]
		iterKey := keyOf(i)
		go func() {
			if err := r.eng.inflight.Acquire(gctx, 1); err != nil {
				results <- unitResult{idx: i, err: err}
				return
			}
			defer r.eng.inflight.Release(1)
			if localSem != nil {
				select {
				case localSem <- struct{}{}:
					defer func() { <-localSem }()
				case <-gctx.Done():
					results <- unitResult{idx: i, err: gctx.Err()}
					return
				}
			}
			out, attempt, err := r.runUnit(gctx, frame, n, iterKey)
			results <- unitResult{idx: i, out: out, attempt: attempt, err: err}
		}()
	}

	skip := func(i int, reason string) {
		state[i] = stateSkipped
		// A skipped branch decides nothing: its gated targets fall through to
		// the not-taken rule once every gate has settled.
		if nodes[i].Type == workflow.NodeBranch {
			settleGates(i)
		}
		r.commitSkip(context.WithoutCancel(ctx), &nodes[i], keyOf(i), reason)
	}

	var firstErr error
	for {
		if firstErr == nil {
			if err := r.checkControl(ctx); err != nil {
				firstErr = err
			}
		}
		if firstErr == nil {
			// Resolve skips, then launch everything that became ready.
			// Skipping may unblock further skips, so iterate to fixpoint.
			for progress := true; progress; {
				progress = false
				for _, i := range order {
					if state[i] != statePending {
						continue
					}
					if gated[i] && gates[i] == 0 && !chosen[i] {
						skip(i, "branch not taken")
						progress = true
						continue
					}
					if gated[i] && !chosen[i] {
						continue // some branch has not decided yet
					}
					blocked, failedDep, allSkipped := false, false, len(nodes[i].DependsOn) > 0
					for _, dep := range nodes[i].DependsOn {
						switch state[byID[dep]] {
						case stateDone:
							allSkipped = false
						case stateSkipped:
						case stateFailed:
							failedDep = true
						default:
							blocked = true
						}
					}
					if blocked {
						continue
					}
					if failedDep {
						skip(i, "dependency failed")
						progress = true
						continue
					}
					if allSkipped {
						skip(i, "all dependencies skipped")
						progress = true
						continue
					}
					launch(i)
				}
			}
		}
		// A control event or fail-fast failure hands the remaining in-flight
		// units to the grace-bounded drain below instead of waiting on them
		// unboundedly.
		if inFlight == 0 || firstErr != nil {
			break
		}
		// Wait for a unit to settle, but wake periodically so external
		// pause/cancel and a lost lease are noticed while units run.
		var res unitResult
		controlTick := time.NewTimer(r.eng.controlPoll)
		select {
		case res = <-results:
			controlTick.Stop()
		case <-controlTick.C:
			continue
		case <-r.grant.Lost():
			controlTick.Stop()
			if firstErr == nil {
				firstErr = errLeaseLost
			}
			cancel()
			continue
		}
		inFlight--
		i := res.idx
		switch {
		case res.err == nil:
			state[i] = stateDone
			outputs[nodes[i].ID] = res.out
			if nodes[i].Type == workflow.NodeBranch {
				applyBranch(res.out)
				settleGates(i)
			}
		case isControl(res.err):
			state[i] = stateFailed
			if firstErr == nil {
				firstErr = res.err
			}
			cancel()
			if errors.Is(res.err, context.Canceled) {
				r.commitCancelled(context.WithoutCancel(ctx), &nodes[i], keyOf(i), res.attempt)
			}
		default:
			state[i] = stateFailed
			if failFast {
				if firstErr == nil {
					firstErr = res.err
				}
				cancel()
			}
		}
	}

	// Wind down anything still running after a failure or control event.
	cancel()
	if inFlight > 0 {
		grace := time.NewTimer(r.eng.cancelGrace)
		defer grace.Stop()
	drain:
		for inFlight > 0 {
			select {
			case res := <-results:
				inFlight--
				if state[res.idx] == stateRunning {
					state[res.idx] = stateFailed
				}
				if res.err != nil && errors.Is(res.err, context.Canceled) {
					r.commitCancelled(context.WithoutCancel(ctx), &nodes[res.idx], keyOf(res.idx), res.attempt)
				}
			case <-grace.C:
				break drain
			}
		}
		// Executors still running after the grace are abandoned: their units
		// are recorded cancelled so the instance does not hang on them.
		for i := range nodes {
			if state[i] == stateRunning {
				r.commitCancelled(context.WithoutCancel(ctx), &nodes[i], keyOf(i), 1)
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

// runUnit executes one node and commits its terminal row on success. Failure
// rows are committed by the node-type handlers, which know the attempt
// ladder.
func (r *run) runUnit(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, int, error) {
	started := r.eng.now()
	out, attempt, err := r.execNode(ctx, frame, n, iterKey)
	elapsed := r.eng.now().Sub(started)
	r.eng.metrics.RecordTimer("weave_node_duration", elapsed, "type", string(n.Type))
	if err != nil {
		if !isControl(err) {
			var nf *nodeFailure
			if !errors.As(err, &nf) {
				err = &nodeFailure{nodeID: n.ID, attempt: attempt, err: err}
			}
			r.eng.metrics.IncCounter("weave_nodes_failed_total", 1, "type", string(n.Type))
		}
		return nil, attempt, err
	}
	r.tree.SetNodeOutputIn(frame, n.ID, out)
	ni := &store.NodeInstance{
		InstanceID:   r.inst.ID,
		NodeID:       n.ID,
		IterationKey: iterKey,
		Status:       store.NodeCompleted,
		Attempt:      attempt,
		StartedAt:    started,
		FinishedAt:   r.eng.now(),
		Output:       out,
	}
	ev := &store.Event{InstanceID: r.inst.ID, NodeID: n.ID, Kind: store.EventNodeCompleted,
		Payload: map[string]any{"attempt": attempt, "iterationKey": iterKey}}
	if err := r.commit(ctx, ni, r.tree.RootSnapshot(), ev); err != nil {
		return nil, attempt, err
	}
	r.eng.metrics.IncCounter("weave_nodes_completed_total", 1, "type", string(n.Type))
	return out, attempt, nil
}

func (r *run) execNode(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, int, error) {
	switch n.Type {
	case workflow.NodeTask:
		return r.execTask(ctx, frame, n, iterKey)
	case workflow.NodeBranch:
		out, err := r.execBranch(frame, n)
		return out, 1, err
	case workflow.NodeParallel:
		out, err := r.execParallel(ctx, frame, n, iterKey)
		return out, 1, err
	case workflow.NodeLoop:
		out, err := r.execLoop(ctx, frame, n, iterKey)
		return out, 1, err
	case workflow.NodeDynamicLoop:
		out, err := r.execDynamicLoop(ctx, frame, n, iterKey)
		return out, 1, err
	case workflow.NodeSubWorkflow:
		out, err := r.execSubWorkflow(ctx, frame, n, iterKey)
		return out, 1, err
	}
	return nil, 1, fault.Validation("node %q: unknown type %q", n.ID, n.Type)
}

// execTask runs the retry ladder for one task unit. Each attempt re-resolves
// the config against the current scope, updates the single node row in place,
// and classifies the failure to decide retryability.
func (r *run) execTask(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, int, error) {
	ex, err := r.eng.registry.Resolve(n.Executor)
	if err != nil {
		return nil, 1, err
	}
	maxAttempts := n.MaxAttempts()
	for attempt := 1; ; attempt++ {
		snap := r.tree.Snapshot(frame)
		cfg, rerr := template.Resolve(n.Config, snap)
		if rerr != nil {
			return nil, attempt, rerr
		}
		cfgMap, _ := cfg.(map[string]any)

		started := r.eng.now()
		ni := &store.NodeInstance{
			InstanceID:   r.inst.ID,
			NodeID:       n.ID,
			IterationKey: iterKey,
			Status:       store.NodeRunning,
			Attempt:      attempt,
			StartedAt:    started,
			Input:        cfgMap,
		}
		kind := store.EventNodeStarted
		if attempt > 1 {
			kind = store.EventNodeRetry
		}
		ev := &store.Event{InstanceID: r.inst.ID, NodeID: n.ID, Kind: kind,
			Payload: map[string]any{"attempt": attempt, "executor": n.Executor, "iterationKey": iterKey}}
		if err := r.commit(ctx, ni, nil, ev); err != nil {
			return nil, attempt, err
		}

		actx := ctx
		var cancelAttempt context.CancelFunc
		if to := n.Timeout(); to > 0 {
			actx, cancelAttempt = context.WithTimeout(ctx, to)
		}
		out, execErr := ex.Execute(actx, &executor.Context{
			InstanceID:   r.inst.ID,
			NodeID:       n.ID,
			IterationKey: iterKey,
			Attempt:      attempt,
			Config:       cfgMap,
			Inputs:       r.inst.Input,
			StartedAt:    started,
			Logger:       r.eng.logger,
			Progress:     r.progressReporter(n.ID),
		})
		timedOut := actx.Err() != nil && ctx.Err() == nil
		if cancelAttempt != nil {
			cancelAttempt()
		}
		if execErr == nil {
			return out, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		var ferr *fault.Error
		if timedOut {
			ferr = fault.Timeout("node %q attempt %d timed out after %s", n.ID, attempt, n.Timeout())
		} else {
			ferr = fault.ExecutorCause(execErr)
		}
		failure := &store.Failure{
			NodeID:    n.ID,
			Attempt:   attempt,
			Kind:      ferr.Kind(),
			Message:   ferr.Error(),
			Retryable: ferr.Retryable(),
		}
		if !ferr.Retryable() || attempt >= maxAttempts {
			ni.Status = store.NodeFailed
			ni.FinishedAt = r.eng.now()
			ni.Failure = failure
			fev := &store.Event{InstanceID: r.inst.ID, NodeID: n.ID, Kind: store.EventNodeFailed,
				Payload: map[string]any{"attempt": attempt, "message": ferr.Error(), "iterationKey": iterKey}}
			if cerr := r.commit(ctx, ni, nil, fev); cerr != nil {
				return nil, attempt, cerr
			}
			return nil, attempt, &nodeFailure{nodeID: n.ID, attempt: attempt, err: ferr}
		}
		ni.Status = store.NodeReady
		ni.Failure = failure
		if cerr := r.commit(ctx, ni, nil, nil); cerr != nil {
			return nil, attempt, cerr
		}
		r.eng.logger.Debug(ctx, "retrying node", "instance", r.inst.ID, "node", n.ID,
			"attempt", attempt, "err", ferr)
		if serr := r.eng.sleep(ctx, retryDelay(n.Retry, attempt)); serr != nil {
			return nil, attempt, serr
		}
	}
}

// progressReporter emits best-effort node.progress events.
func (r *run) progressReporter(nodeID string) func(ctx context.Context, pct float64, msg string) {
	return func(ctx context.Context, pct float64, msg string) {
		r.eng.appendEvent(ctx, &store.Event{
			InstanceID: r.inst.ID,
			NodeID:     nodeID,
			Kind:       store.EventNodeProgress,
			Payload:    map[string]any{"pct": pct, "message": msg},
		})
	}
}

// execBranch evaluates the arms in order; the first true condition wins and
// the else arm catches the rest. The output names the gated siblings to wake.
func (r *run) execBranch(frame scope.FrameID, n *workflow.Node) (any, error) {
	snap := r.tree.Snapshot(frame)
	for i, arm := range n.Branches {
		ok, err := template.EvalBool(arm.When, snap)
		if err != nil {
			return nil, err
		}
		if ok {
			return map[string]any{"matched": i, "targets": arm.NextNodes}, nil
		}
	}
	return map[string]any{"matched": "else", "targets": n.Else}, nil
}

// execParallel runs the child set. With joinType all the children execute as
// a dependency-aware graph; any and race treat them as independent
// competitors.
func (r *run) execParallel(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, error) {
	jt := n.JoinType
	if jt == "" {
		jt = workflow.JoinAll
	}
	keyOf := func(i int) string { return joinKey(iterKey, fmt.Sprintf("P[%d]", i)) }
	if jt == workflow.JoinAll {
		failFast := n.ErrorHandling != workflow.Continue
		outs, err := r.graph(ctx, frame, n.Nodes, keyOf, failFast, n.MaxConcurrency)
		if err != nil {
			return nil, err
		}
		// children carries the outputs in definition order; skipped or failed
		// children hold nil. The id-keyed map rides alongside for convenience.
		children := make([]any, len(n.Nodes))
		for i := range n.Nodes {
			children[i] = outs[n.Nodes[i].ID]
		}
		return map[string]any{"children": children, "byId": outs}, nil
	}
	return r.runCompetition(ctx, frame, n, keyOf, jt == workflow.JoinAny)
}

// runCompetition implements joinType any (first success wins) and race (first
// terminal outcome wins). Losers are cancelled and get the cancel grace to
// wind down.
func (r *run) runCompetition(ctx context.Context, frame scope.FrameID, n *workflow.Node, keyOf func(int) string, needSuccess bool) (any, error) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan unitResult, len(n.Nodes))
	var localSem chan struct{}
	if n.MaxConcurrency > 0 {
		localSem = make(chan struct{}, n.MaxConcurrency)
	}
	for i := range n.Nodes {
		child := &n.Nodes[i]
		key := keyOf(i)
		go func(i int) {
			if err := r.eng.inflight.Acquire(gctx, 1); err != nil {
				results <- unitResult{idx: i, err: err}
				return
			}
			defer r.eng.inflight.Release(1)
			if localSem != nil {
				select {
				case localSem <- struct{}{}:
					defer func() { <-localSem }()
				case <-gctx.Done():
					results <- unitResult{idx: i, err: gctx.Err()}
					return
				}
			}
			out, attempt, err := r.runUnit(gctx, frame, child, key)
			results <- unitResult{idx: i, out: out, attempt: attempt, err: err}
		}(i)
	}

	settled := make([]bool, len(n.Nodes))
	var lastErr error
	for done := 0; done < len(n.Nodes); done++ {
		res := <-results
		settled[res.idx] = true
		if res.err != nil {
			if isControl(res.err) {
				cancel()
				r.drainCompetition(ctx, n, keyOf, results, settled)
				return nil, res.err
			}
			lastErr = res.err
			if needSuccess {
				continue // any: keep waiting for a success
			}
			// race: first terminal outcome wins, even a failure
			cancel()
			r.drainCompetition(ctx, n, keyOf, results, settled)
			return nil, res.err
		}
		cancel()
		r.drainCompetition(ctx, n, keyOf, results, settled)
		return map[string]any{"winner": n.Nodes[res.idx].ID, "output": res.out}, nil
	}
	if lastErr == nil {
		lastErr = fault.Validation("node %q has no children to join", n.ID)
	}
	return nil, lastErr
}

// drainCompetition waits out losing children and records them as cancelled.
// Children that outlive the grace are abandoned and recorded cancelled anyway.
func (r *run) drainCompetition(ctx context.Context, n *workflow.Node, keyOf func(int) string, results chan unitResult, settled []bool) {
	remaining := 0
	for _, s := range settled {
		if !s {
			remaining++
		}
	}
	if remaining == 0 {
		return
	}
	grace := time.NewTimer(r.eng.cancelGrace)
	defer grace.Stop()
	for remaining > 0 {
		select {
		case res := <-results:
			remaining--
			settled[res.idx] = true
			if res.err != nil && errors.Is(res.err, context.Canceled) {
				r.commitCancelled(context.WithoutCancel(ctx), &n.Nodes[res.idx], keyOf(res.idx), res.attempt)
			}
		case <-grace.C:
			for i, s := range settled {
				if !s {
					r.commitCancelled(context.WithoutCancel(ctx), &n.Nodes[i], keyOf(i), 1)
				}
			}
			return
		}
	}
}

// execLoop runs a fixed iteration count over the body graph. Iterations are
// sequential unless maxConcurrency allows overlap; each iteration gets its
// own frame binding the index and an iteration-local nodes namespace.
func (r *run) execLoop(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, error) {
	results := make([]any, n.Iterations)
	conc := n.MaxConcurrency
	if conc < 1 {
		conc = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for it := 0; it < n.Iterations; it++ {
		g.Go(func() error {
			iframe := r.tree.PushIteration(frame, map[string]any{scope.NSIndex: it})
			component := fmt.Sprintf("L[%d]", it)
			outs, err := r.graph(gctx, iframe, n.Nodes,
				func(int) string { return joinKey(iterKey, component) }, true, 0)
			if err != nil {
				return err
			}
			results[it] = outs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.tree.SetLoopResults(n.ID, results)
	return results, nil
}

// execDynamicLoop expands the source expression into one task per element.
// Results are committed per completion and surface in input order regardless
// of completion order.
func (r *run) execDynamicLoop(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, error) {
	snap := r.tree.Snapshot(frame)
	items, defined, err := template.Eval(n.SourceExpression, snap)
	if err != nil {
		return nil, err
	}
	if !defined || items == nil {
		items = []any{}
	}
	arr, ok := items.([]any)
	if !ok {
		return nil, fault.Validation("node %q: source expression %q must yield an array, got %T",
			n.ID, n.SourceExpression, items)
	}

	tmpl := n.TaskTemplate
	results := make([]any, len(arr))
	continueOnError := n.ErrorHandling == workflow.Continue

	runIteration := func(gctx context.Context, i int) error {
		key := joinKey(iterKey, fmt.Sprintf("L[%d]", i))
		if prev, ok := r.prior[unitKey(tmpl.ID, key)]; ok && prev.Status == store.NodeCompleted {
			results[i] = prev.Output
			return nil
		}
		iframe := r.tree.PushIteration(frame, map[string]any{
			scope.NSItem:  arr[i],
			scope.NSIndex: i,
		})
		out, _, err := r.runUnit(gctx, iframe, tmpl, key)
		if err != nil {
			if continueOnError && !isControl(err) {
				return nil // leave results[i] nil, keep siblings running
			}
			return err
		}
		results[i] = out
		return nil
	}

	if n.JoinType == workflow.JoinAny || n.JoinType == workflow.JoinRace {
		if err := r.raceIterations(ctx, n, arr, runIteration, n.JoinType == workflow.JoinAny); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		if n.MaxConcurrency > 0 {
			g.SetLimit(n.MaxConcurrency)
		}
		for i := range arr {
			g.Go(func() error { return runIteration(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	r.tree.SetLoopResults(n.ID, results)
	return results, nil
}

// raceIterations drives iterations competitively. With needSuccess the first
// success wins; otherwise the first terminal outcome wins, success or failure.
// The rest are cancelled either way.
func (r *run) raceIterations(ctx context.Context, n *workflow.Node, arr []any, runIteration func(context.Context, int) error, needSuccess bool) error {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, len(arr))
	var localSem chan struct{}
	if n.MaxConcurrency > 0 {
		localSem = make(chan struct{}, n.MaxConcurrency)
	}
	for i := range arr {
		go func(i int) {
			if localSem != nil {
				select {
				case localSem <- struct{}{}:
					defer func() { <-localSem }()
				case <-gctx.Done():
					done <- gctx.Err()
					return
				}
			}
			done <- runIteration(gctx, i)
		}(i)
	}
	var lastErr error
	for settled := 0; settled < len(arr); settled++ {
		err := <-done
		if err == nil {
			return nil // first success wins; defer cancels the rest
		}
		if isControl(err) || !needSuccess {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fault.Validation("node %q: empty dynamic loop cannot satisfy joinType %q", n.ID, n.JoinType)
	}
	return lastErr
}

// execSubWorkflow creates and drives a child instance. The child id is
// recorded on the node row before the drive so a recovering engine reattaches
// to the same child instead of spawning a duplicate.
func (r *run) execSubWorkflow(ctx context.Context, frame scope.FrameID, n *workflow.Node, iterKey string) (any, error) {
	if r.depth+1 > r.eng.maxDepth {
		return nil, fault.Validation("node %q: sub-workflow nesting exceeds depth %d", n.ID, r.eng.maxDepth)
	}
	childID := r.priorChildID(n.ID, iterKey)
	if childID == "" {
		snap := r.tree.Snapshot(frame)
		resolved, err := template.Resolve(n.InputMapping, snap)
		if err != nil {
			return nil, err
		}
		inputs, _ := resolved.(map[string]any)
		child, err := r.eng.CreateInstance(ctx, *n.Definition, inputs, store.CreateOptions{
			ParentInstanceID: r.inst.ID,
			ParentNodeID:     n.ID,
		})
		if err != nil {
			return nil, err
		}
		childID = child.ID
		ni := &store.NodeInstance{
			InstanceID:   r.inst.ID,
			NodeID:       n.ID,
			IterationKey: iterKey,
			Status:       store.NodeRunning,
			Attempt:      1,
			StartedAt:    r.eng.now(),
			Input:        map[string]any{"childInstanceId": childID, "inputs": inputs},
		}
		ev := &store.Event{InstanceID: r.inst.ID, NodeID: n.ID, Kind: store.EventNodeStarted,
			Payload: map[string]any{"childInstanceId": childID}}
		if err := r.commit(ctx, ni, nil, ev); err != nil {
			return nil, err
		}
	}
	if err := r.eng.drive(ctx, childID, r.depth+1); err != nil {
		return nil, err
	}
	child, err := r.eng.store.LoadInstance(ctx, childID)
	if err != nil {
		return nil, err
	}
	switch child.Status {
	case store.InstanceCompleted:
		return map[string]any{"instanceId": childID, "output": child.Output}, nil
	case store.InstanceFailed:
		msg := "sub-workflow failed"
		if child.Failure != nil {
			msg = child.Failure.Message
		}
		return nil, fault.Executor(false, "node %q: sub-workflow %s failed: %s", n.ID, child.Definition, msg)
	case store.InstanceCancelled:
		return nil, fault.Executor(false, "node %q: sub-workflow %s was cancelled", n.ID, child.Definition)
	default:
		// Paused or ownership moved elsewhere; the parent cannot finish now.
		return nil, errYield
	}
}

// priorChildID recovers the child instance id recorded by a previous drive.
func (r *run) priorChildID(nodeID, iterKey string) string {
	prev, ok := r.active[unitKey(nodeID, iterKey)]
	if !ok {
		return ""
	}
	id, _ := prev.Input["childInstanceId"].(string)
	return id
}

func (r *run) commitSkip(ctx context.Context, n *workflow.Node, iterKey, reason string) {
	ni := &store.NodeInstance{
		InstanceID:   r.inst.ID,
		NodeID:       n.ID,
		IterationKey: iterKey,
		Status:       store.NodeSkipped,
		FinishedAt:   r.eng.now(),
	}
	ev := &store.Event{InstanceID: r.inst.ID, NodeID: n.ID, Kind: store.EventNodeSkipped,
		Payload: map[string]any{"reason": reason, "iterationKey": iterKey}}
	if err := r.commit(ctx, ni, nil, ev); err != nil {
		r.eng.logger.Warn(ctx, "skip commit failed", "instance", r.inst.ID, "node", n.ID, "err", err)
	}
}

// commitCancelled records a cancelled unit row. The write is not lease-guarded:
// a cancelled instance has already dropped its owner column, which would make
// the guarded commit refuse the bookkeeping row. After an actual lease loss
// nothing is written; the new owner drives the rows now.
func (r *run) commitCancelled(ctx context.Context, n *workflow.Node, iterKey string, attempt int) {
	select {
	case <-r.grant.Lost():
		return
	default:
	}
	ni := &store.NodeInstance{
		InstanceID:   r.inst.ID,
		NodeID:       n.ID,
		IterationKey: iterKey,
		Status:       store.NodeCancelled,
		Attempt:      attempt,
		FinishedAt:   r.eng.now(),
	}
	if err := r.eng.store.UpsertNodeInstance(ctx, ni); err != nil {
		r.eng.logger.Warn(ctx, "cancel commit failed", "instance", r.inst.ID, "node", n.ID, "err", err)
		return
	}
	r.eng.appendEvent(ctx, &store.Event{InstanceID: r.inst.ID, NodeID: n.ID, Kind: store.EventNodeCancelled,
		Payload: map[string]any{"iterationKey": iterKey}})
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
