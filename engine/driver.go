package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"goa.design/weave/fault"
	"goa.design/weave/lease"
	"goa.design/weave/scope"
	"goa.design/weave/store"
	"goa.design/weave/template"
	"goa.design/weave/workflow"
)

// Control-flow sentinels the interpreter surfaces to the driver. They are
// never returned to callers.
var (
	errPaused    = errors.New("instance paused")
	errCancelled = errors.New("instance cancelled")
	errLeaseLost = errors.New("instance lease lost")
	errYield     = errors.New("storage unavailable, yielding lease")
)

// run is the per-drive state: one definition, one instance, one lease.
type run struct {
	eng    *Engine
	def    *workflow.Definition
	inst   *store.Instance
	grant  *lease.Grant
	tree   *scope.Tree
	prior  map[string]*store.NodeInstance // terminal rows from a previous drive
	active map[string]*store.NodeInstance // non-terminal rows from a previous drive
	depth  int                            // sub-workflow nesting depth
}

func unitKey(nodeID, iterKey string) string { return nodeID + "\x00" + iterKey }

// joinKey appends one iteration path component.
func joinKey(prefix, component string) string {
	if prefix == "" {
		return component
	}
	return prefix + "/" + component
}

// drive executes one instance to a stopping point: terminal status, pause,
// cancellation, lost lease, or storage give-up. It is safe to call for an
// instance another engine owns; the driver backs off when the lease is held.
func (e *Engine) drive(ctx context.Context, instanceID string, depth int) error {
	grant, err := e.leases.Acquire(ctx, instanceID)
	if err != nil {
		return err
	}
	if grant == nil {
		e.logger.Debug(ctx, "instance held by another engine", "instance", instanceID)
		return nil
	}
	defer func() {
		if err := e.leases.Release(context.WithoutCancel(ctx), grant); err != nil {
			e.logger.Warn(ctx, "lease release failed", "instance", instanceID, "err", err)
		}
	}()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	def, err := e.store.GetDefinition(ctx, inst.Definition)
	if err != nil {
		return err
	}

	switch inst.Status {
	case store.InstancePending:
		if inst, err = e.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceRunning, store.Patch{}); err != nil {
			return err
		}
		e.appendEvent(ctx, &store.Event{InstanceID: instanceID, Kind: store.EventInstanceStarted})
	case store.InstancePaused:
		if inst, err = e.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceRunning, store.Patch{}); err != nil {
			return err
		}
		e.appendEvent(ctx, &store.Event{InstanceID: instanceID, Kind: store.EventInstanceResumed})
	}

	rows, err := e.store.LoadNodeInstances(ctx, instanceID)
	if err != nil {
		return err
	}
	prior := make(map[string]*store.NodeInstance, len(rows))
	active := make(map[string]*store.NodeInstance)
	for _, ni := range rows {
		if ni.Status.Terminal() {
			prior[unitKey(ni.NodeID, ni.IterationKey)] = ni
		} else {
			active[unitKey(ni.NodeID, ni.IterationKey)] = ni
		}
	}

	r := &run{
		eng:    e,
		def:    def,
		inst:   inst,
		grant:  grant,
		tree:   scope.Restore(inst.Context),
		prior:  prior,
		active: active,
		depth:  depth,
	}

	ctx, span := e.tracer.Start(ctx, "weave.drive",
		attribute.String("instance.id", instanceID),
		attribute.String("definition", def.Ref().String()))
	defer span.End()

	started := e.now()
	e.logger.Info(ctx, "driving instance", "instance", instanceID, "definition", def.Ref().String())
	_, runErr := r.graph(ctx, scope.Root, def.Nodes, func(int) string { return "" }, true, e.perInstance)
	e.metrics.RecordTimer("weave_instance_drive_duration", e.now().Sub(started), "definition", def.Name)

	if err := r.finalize(ctx, runErr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// finalize settles the instance row according to how the graph run ended.
func (r *run) finalize(ctx context.Context, runErr error) error {
	e := r.eng
	id := r.inst.ID
	switch {
	case runErr == nil:
		output, err := r.projectOutputs()
		if err != nil {
			runErr = err // fall through to the failure arm below
			break
		}
		_, err = e.store.UpdateInstanceStatus(ctx, id, store.InstanceCompleted, store.Patch{
			Output:  output,
			Context: r.tree.RootSnapshot(),
		})
		if err != nil {
			// Cancel won the race; its event is already recorded.
			if errors.Is(err, fault.ErrConflict) {
				return nil
			}
			return err
		}
		e.appendEvent(ctx, &store.Event{InstanceID: id, Kind: store.EventInstanceCompleted})
		e.metrics.IncCounter("weave_instances_completed_total", 1, "definition", r.def.Name)
		e.logger.Info(ctx, "instance completed", "instance", id)
		return nil

	case errors.Is(runErr, errPaused), errors.Is(runErr, errCancelled):
		// The status transition and its event were written by the control
		// operation; the driver just stops.
		return nil

	case errors.Is(runErr, errLeaseLost):
		e.logger.Warn(ctx, "lease lost, abandoning instance", "instance", id)
		return nil

	case errors.Is(runErr, errYield):
		e.appendEvent(ctx, &store.Event{InstanceID: id, Kind: store.EventLeaseYielded,
			Payload: map[string]any{"owner": e.id}})
		e.logger.Warn(ctx, "storage unavailable, yielding lease", "instance", id)
		return nil
	}

	failure := toFailure(runErr)
	_, err := e.store.UpdateInstanceStatus(ctx, id, store.InstanceFailed, store.Patch{
		Failure: failure,
		Context: r.tree.RootSnapshot(),
	})
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			return nil
		}
		return err
	}
	e.appendEvent(ctx, &store.Event{InstanceID: id, Kind: store.EventInstanceFailed,
		Payload: map[string]any{"node": failure.NodeID, "message": failure.Message}})
	e.metrics.IncCounter("weave_instances_failed_total", 1, "definition", r.def.Name)
	e.logger.Error(ctx, "instance failed", "instance", id, "node", failure.NodeID, "err", runErr)
	return nil
}

// projectOutputs evaluates the definition's output parameters against the
// final scope.
func (r *run) projectOutputs() (map[string]any, error) {
	if len(r.def.Outputs) == 0 {
		return map[string]any{}, nil
	}
	snap := r.tree.Snapshot(scope.Root)
	out := make(map[string]any, len(r.def.Outputs))
	for _, p := range r.def.Outputs {
		v, err := template.ResolveString(p.Source, snap)
		if err != nil {
			return nil, fault.Template("output %q: %v", p.Name, err)
		}
		out[p.Name] = v
	}
	return out, nil
}

// nodeFailure tags a graph error with the failing unit so the instance row
// records where execution stopped.
type nodeFailure struct {
	nodeID  string
	attempt int
	err     error
}

func (f *nodeFailure) Error() string { return f.err.Error() }
func (f *nodeFailure) Unwrap() error { return f.err }

func toFailure(err error) *store.Failure {
	f := &store.Failure{
		Kind:      fault.KindOf(err),
		Message:   err.Error(),
		Retryable: fault.IsRetryable(err),
	}
	var nf *nodeFailure
	if errors.As(err, &nf) {
		f.NodeID = nf.nodeID
		f.Attempt = nf.attempt
		f.Kind = fault.KindOf(nf.err)
		f.Message = nf.err.Error()
		f.Retryable = fault.IsRetryable(nf.err)
	}
	return f
}

// checkControl reloads the instance between dispatch waves and translates
// external transitions and a lost lease into control-flow sentinels.
func (r *run) checkControl(ctx context.Context) error {
	select {
	case <-r.grant.Lost():
		return errLeaseLost
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var inst *store.Instance
	err := r.withStorageRetry(ctx, "load instance", func() error {
		var lerr error
		inst, lerr = r.eng.store.LoadInstance(ctx, r.inst.ID)
		return lerr
	})
	if err != nil {
		return err
	}
	switch inst.Status {
	case store.InstancePaused:
		return errPaused
	case store.InstanceCancelled:
		return errCancelled
	case store.InstanceCompleted, store.InstanceFailed:
		// Finalized elsewhere; nothing left to drive.
		return errCancelled
	}
	return nil
}

// commit writes one unit outcome through the lease-guarded store call,
// retrying transient storage faults. Conflict means the lease is gone.
func (r *run) commit(ctx context.Context, ni *store.NodeInstance, contextData map[string]any, ev *store.Event) error {
	return r.withStorageRetry(ctx, "commit node result", func() error {
		err := r.eng.store.CommitNodeResult(ctx, r.grant.Owner, ni, contextData, ev)
		if errors.Is(err, fault.ErrConflict) {
			return errLeaseLost
		}
		return err
	})
}

// withStorageRetry retries fn on storage faults with capped exponential
// backoff. Exhaustion yields the lease so a healthier engine can take over.
func (r *run) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= storageAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, fault.ErrStorage) {
			return err
		}
		delay := storageBaseDelay * time.Duration(1<<(attempt-1))
		if delay > storageMaxDelay {
			delay = storageMaxDelay
		}
		r.eng.logger.Warn(ctx, "storage fault, retrying", "op", op,
			"instance", r.inst.ID, "attempt", attempt, "err", err)
		if serr := r.eng.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return errors.Join(errYield, err)
}

// retryDelay computes the jittered backoff before the given (1-based) attempt
// is retried: baseDelay * multiplier^(attempt-1), scaled by +/- jitter.
func retryDelay(p *workflow.RetryPolicy, attempt int) time.Duration {
	if p == nil || p.BaseDelayMs <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelayMs) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	return time.Duration(d * float64(time.Millisecond))
}
