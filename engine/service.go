package engine

import (
	"context"
	"errors"

	"goa.design/weave/executor"
	"goa.design/weave/fault"
	"goa.design/weave/store"
	"goa.design/weave/workflow"
)

// Status is the rollup returned by Get: the instance row plus all of its node
// rows.
type Status struct {
	Instance *store.Instance
	Nodes    []*store.NodeInstance
}

// RegisterDefinition validates and stores a definition. Task configs are
// additionally vetted by their executor when it implements ConfigValidator
// and is resolvable in this process.
func (e *Engine) RegisterDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := e.vetConfigs(def.Nodes); err != nil {
		return err
	}
	if err := e.store.PutDefinition(ctx, def); err != nil {
		return err
	}
	e.logger.Info(ctx, "definition registered", "definition", def.Ref().String())
	return nil
}

func (e *Engine) vetConfigs(nodes []workflow.Node) error {
	for i := range nodes {
		n := &nodes[i]
		if n.Type == workflow.NodeTask && n.Executor != "" {
			ex, err := e.registry.Resolve(n.Executor)
			if err != nil {
				// The executor may live in another engine's registry.
				continue
			}
			if v, ok := ex.(executor.ConfigValidator); ok {
				if err := v.ValidateConfig(n.Config); err != nil {
					return fault.Validation("node %q: %v", n.ID, err)
				}
			}
		}
		if err := e.vetConfigs(n.Nodes); err != nil {
			return err
		}
		if n.TaskTemplate != nil {
			if err := e.vetConfigs([]workflow.Node{*n.TaskTemplate}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Definitions lists registered definitions.
func (e *Engine) Definitions(ctx context.Context) ([]*workflow.Definition, error) {
	return e.store.ListDefinitions(ctx)
}

// CreateInstance validates the inputs against the definition's parameters and
// writes a pending instance. Only active definitions are instantiable.
func (e *Engine) CreateInstance(ctx context.Context, ref workflow.Ref, inputs map[string]any, opts store.CreateOptions) (*store.Instance, error) {
	def, err := e.store.GetDefinition(ctx, ref)
	if err != nil {
		return nil, err
	}
	if def.Status != workflow.StatusActive {
		return nil, fault.Validation("definition %s is %s, only active definitions can be instantiated", ref, def.Status)
	}
	resolved, err := def.ValidateInputs(inputs)
	if err != nil {
		return nil, err
	}
	inst, err := e.store.CreateInstance(ctx, ref, resolved, opts)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "instance created", "instance", inst.ID, "definition", ref.String())
	e.metrics.IncCounter("weave_instances_created_total", 1, "definition", ref.Name)
	return inst, nil
}

// Start begins driving a pending instance in the background.
func (e *Engine) Start(ctx context.Context, instanceID string) error {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != store.InstancePending {
		return fault.Conflict("instance %q is %s, only pending instances can be started", instanceID, inst.Status)
	}
	e.spawn(instanceID)
	return nil
}

// Resume picks a paused instance back up in the background.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != store.InstancePaused {
		return fault.Conflict("instance %q is %s, only paused instances can be resumed", instanceID, inst.Status)
	}
	e.spawn(instanceID)
	return nil
}

// spawn runs the driver in a goroutine tracked by the engine's wait group.
func (e *Engine) spawn(instanceID string) {
	if !e.markDriving(instanceID) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unmarkDriving(instanceID)
		if err := e.drive(context.Background(), instanceID, 0); err != nil {
			e.logger.Error(context.Background(), "driver failed", "instance", instanceID, "err", err)
		}
	}()
}

// Pause requests a running instance to stop dispatching. In-flight units get
// the cancel grace to wind down; the driver then yields its lease.
func (e *Engine) Pause(ctx context.Context, instanceID string, reason string) error {
	if reason == "" {
		reason = "requested"
	}
	_, err := e.store.UpdateInstanceStatus(ctx, instanceID, store.InstancePaused, store.Patch{Reason: reason})
	if err != nil {
		return err
	}
	e.appendEvent(ctx, &store.Event{
		InstanceID: instanceID,
		Kind:       store.EventInstancePaused,
		Payload:    map[string]any{"reason": reason},
	})
	return nil
}

// Cancel terminates an instance. Cancelling an already cancelled instance is
// a no-op; any other terminal state is a conflict.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	_, err := e.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceCancelled, store.Patch{})
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			inst, lerr := e.store.LoadInstance(ctx, instanceID)
			if lerr == nil && inst.Status == store.InstanceCancelled {
				return nil
			}
		}
		return err
	}
	e.appendEvent(ctx, &store.Event{InstanceID: instanceID, Kind: store.EventInstanceCancelled})
	e.metrics.IncCounter("weave_instances_cancelled_total", 1)
	return nil
}

// Get returns the instance with its node rollup.
func (e *Engine) Get(ctx context.Context, instanceID string) (*Status, error) {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.LoadNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &Status{Instance: inst, Nodes: nodes}, nil
}

// List pages through instances matching the filter.
func (e *Engine) List(ctx context.Context, f store.ListFilter) ([]*store.Instance, error) {
	return e.store.ListInstances(ctx, f)
}

// Events returns the instance's audit trail.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]*store.Event, error) {
	return e.store.ListEvents(ctx, instanceID)
}

func (e *Engine) appendEvent(ctx context.Context, ev *store.Event) {
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn(ctx, "event append failed", "instance", ev.InstanceID, "kind", ev.Kind, "err", err)
	}
}
