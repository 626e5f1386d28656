// Package inmem provides an in-memory Store implementation for tests and
// local development. All state lives in maps guarded by a single mutex; there
// is no durability across process restarts. Production deployments use
// store/postgres.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/weave/fault"
	"goa.design/weave/store"
	"goa.design/weave/workflow"
)

// Store implements store.Store in memory. Records are defensively copied on
// read so callers cannot mutate shared state.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	definitions map[workflow.Ref]*workflow.Definition
	instances   map[string]*store.Instance
	nodes       map[string]map[string]*store.NodeInstance // instanceID -> nodeKey
	leases      map[string]*store.Lease
	events      []*store.Event
}

// Option tunes the store.
type Option func(*Store)

// WithClock injects the time source. Tests use it to expire leases without
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		definitions: make(map[workflow.Ref]*workflow.Definition),
		instances:   make(map[string]*store.Instance),
		nodes:       make(map[string]map[string]*store.NodeInstance),
		leases:      make(map[string]*store.Lease),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func nodeKey(nodeID, iterationKey string) string {
	return nodeID + "\x00" + iterationKey
}

// PutDefinition registers or replaces a definition.
func (s *Store) PutDefinition(_ context.Context, def *workflow.Definition) error {
	if def == nil {
		return fault.Validation("definition is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.Ref()] = def
	return nil
}

// GetDefinition loads a definition by reference.
func (s *Store) GetDefinition(_ context.Context, ref workflow.Ref) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[ref]
	if !ok {
		return nil, fault.NotFound("definition %s is not registered", ref)
	}
	return def, nil
}

// ListDefinitions enumerates registered definitions sorted by reference.
func (s *Store) ListDefinitions(_ context.Context) ([]*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflow.Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref().String() < out[j].Ref().String()
	})
	return out, nil
}

// CreateInstance writes a pending instance row seeded with the inputs.
func (s *Store) CreateInstance(_ context.Context, ref workflow.Ref, inputs map[string]any, opts store.CreateOptions) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[ref]; !ok {
		return nil, fault.NotFound("definition %s is not registered", ref)
	}
	now := s.now()
	inst := &store.Instance{
		ID:               uuid.NewString(),
		Definition:       ref,
		Status:           store.InstancePending,
		Input:            cloneMap(inputs),
		Context:          map[string]any{"inputs": cloneMap(inputs)},
		MaxRetries:       opts.MaxRetries,
		Priority:         opts.Priority,
		ExternalID:       opts.ExternalID,
		ParentInstanceID: opts.ParentInstanceID,
		ParentNodeID:     opts.ParentNodeID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.instances[inst.ID] = inst
	s.nodes[inst.ID] = make(map[string]*store.NodeInstance)
	s.events = append(s.events, &store.Event{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Kind:       store.EventInstanceCreated,
		Payload:    map[string]any{"definition": ref.String(), "externalId": opts.ExternalID},
		At:         now,
	})
	cp := *inst
	return &cp, nil
}

// LoadInstance returns a copy of the instance row.
func (s *Store) LoadInstance(_ context.Context, id string) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fault.NotFound("instance %q does not exist", id)
	}
	cp := *inst
	cp.Context = cloneMap(inst.Context)
	cp.Output = cloneMap(inst.Output)
	return &cp, nil
}

// LoadNodeInstances returns copies of all node rows for the instance.
func (s *Store) LoadNodeInstances(_ context.Context, instanceID string) ([]*store.NodeInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.nodes[instanceID]
	if !ok {
		return nil, fault.NotFound("instance %q does not exist", instanceID)
	}
	out := make([]*store.NodeInstance, 0, len(rows))
	for _, ni := range rows {
		cp := *ni
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].IterationKey < out[j].IterationKey
	})
	return out, nil
}

// UpdateInstanceStatus CAS-transitions the instance and applies the patch.
func (s *Store) UpdateInstanceStatus(_ context.Context, id string, target store.InstanceStatus, patch store.Patch) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fault.NotFound("instance %q does not exist", id)
	}
	if !store.CanTransition(inst.Status, target) {
		return nil, fault.Conflict("instance %q: transition %s -> %s is not allowed", id, inst.Status, target)
	}
	now := s.now()
	inst.Status = target
	inst.UpdatedAt = now
	switch target {
	case store.InstanceRunning:
		if inst.StartedAt.IsZero() {
			inst.StartedAt = now
		}
		inst.PausedReason = ""
	case store.InstanceCompleted, store.InstanceFailed, store.InstanceCancelled:
		inst.FinishedAt = now
		inst.LeaseOwner = ""
	}
	applyPatch(inst, patch)
	cp := *inst
	cp.Context = cloneMap(inst.Context)
	cp.Output = cloneMap(inst.Output)
	return &cp, nil
}

func applyPatch(inst *store.Instance, patch store.Patch) {
	if patch.CurrentNodeID != nil {
		inst.CurrentNodeID = *patch.CurrentNodeID
	}
	if patch.Context != nil {
		inst.Context = cloneMap(patch.Context)
	}
	if patch.Output != nil {
		inst.Output = cloneMap(patch.Output)
	}
	if patch.Failure != nil {
		inst.Failure = patch.Failure
	}
	if patch.Reason != "" {
		inst.PausedReason = patch.Reason
	}
	if patch.RetryCount != nil {
		inst.RetryCount = *patch.RetryCount
	}
}

// UpsertNodeInstance inserts or updates by (InstanceID, NodeID, IterationKey).
func (s *Store) UpsertNodeInstance(_ context.Context, ni *store.NodeInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertNodeLocked(ni)
}

func (s *Store) upsertNodeLocked(ni *store.NodeInstance) error {
	rows, ok := s.nodes[ni.InstanceID]
	if !ok {
		return fault.NotFound("instance %q does not exist", ni.InstanceID)
	}
	key := nodeKey(ni.NodeID, ni.IterationKey)
	cp := *ni
	if existing, ok := rows[key]; ok {
		cp.ID = existing.ID
	} else if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	rows[key] = &cp
	ni.ID = cp.ID
	return nil
}

// CommitNodeResult records the unit outcome, the context root, and an event
// in one step, guarded by the lease ownership check.
func (s *Store) CommitNodeResult(_ context.Context, owner string, ni *store.NodeInstance, contextData map[string]any, ev *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[ni.InstanceID]
	if !ok {
		return fault.NotFound("instance %q does not exist", ni.InstanceID)
	}
	if inst.LeaseOwner != owner {
		return fault.Conflict("instance %q is owned by %q, not %q", ni.InstanceID, inst.LeaseOwner, owner)
	}
	if err := s.upsertNodeLocked(ni); err != nil {
		return err
	}
	if contextData != nil {
		inst.Context = cloneMap(contextData)
	}
	inst.CurrentNodeID = ni.NodeID
	inst.UpdatedAt = s.now()
	if ev != nil {
		s.appendEventLocked(ev)
	}
	return nil
}

// TouchHeartbeat records renewal on the instance row.
func (s *Store) TouchHeartbeat(_ context.Context, instanceID, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fault.NotFound("instance %q does not exist", instanceID)
	}
	inst.LeaseOwner = owner
	inst.LastHeartbeatAt = at
	return nil
}

// ListInstances pages through matching instances ordered by creation time.
func (s *Store) ListInstances(_ context.Context, f store.ListFilter) ([]*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*store.Instance
	for _, inst := range s.instances {
		if !matches(inst, f) {
			continue
		}
		cp := *inst
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func matches(inst *store.Instance, f store.ListFilter) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, st := range f.Status {
			if inst.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ExternalID != "" && inst.ExternalID != f.ExternalID {
		return false
	}
	if f.Definition != "" && inst.Definition.Name != f.Definition {
		return false
	}
	if !f.CreatedAfter.IsZero() && inst.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && inst.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// ListStaleInstances returns running instances with heartbeats older than the
// timeout.
func (s *Store) ListStaleInstances(_ context.Context, heartbeatTimeout time.Duration) ([]*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-heartbeatTimeout)
	var out []*store.Instance
	for _, inst := range s.instances {
		if inst.Status == store.InstanceRunning && inst.LastHeartbeatAt.Before(cutoff) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AcquireLease succeeds iff no live lease exists for the instance.
func (s *Store) AcquireLease(_ context.Context, instanceID, owner string, ttl time.Duration) (*store.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fault.NotFound("instance %q does not exist", instanceID)
	}
	now := s.now()
	if cur, held := s.leases[instanceID]; held && cur.ExpiresAt.After(now) && cur.Owner != owner {
		return nil, nil
	}
	lease := &store.Lease{
		InstanceID:      instanceID,
		Owner:           owner,
		AcquiredAt:      now,
		LastHeartbeatAt: now,
		ExpiresAt:       now.Add(ttl),
	}
	s.leases[instanceID] = lease
	inst.LeaseOwner = owner
	inst.LastHeartbeatAt = now
	cp := *lease
	return &cp, nil
}

// RenewLease extends the lease iff owner still holds it.
func (s *Store) RenewLease(_ context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.leases[instanceID]
	if !held || cur.Owner != owner {
		return false, nil
	}
	now := s.now()
	if cur.ExpiresAt.Before(now) {
		// Expired but unclaimed: the owner may re-extend.
		if existing, ok := s.instances[instanceID]; ok && existing.LeaseOwner != owner {
			return false, nil
		}
	}
	cur.LastHeartbeatAt = now
	cur.ExpiresAt = now.Add(ttl)
	return true, nil
}

// ReleaseLease drops the lease if owner holds it.
func (s *Store) ReleaseLease(_ context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, held := s.leases[instanceID]; held && cur.Owner == owner {
		delete(s.leases, instanceID)
		if inst, ok := s.instances[instanceID]; ok && inst.LeaseOwner == owner {
			inst.LeaseOwner = ""
		}
	}
	return nil
}

// AppendEvent appends one audit record.
func (s *Store) AppendEvent(_ context.Context, ev *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(ev)
	return nil
}

func (s *Store) appendEventLocked(ev *store.Event) {
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.At.IsZero() {
		cp.At = s.now()
	}
	s.events = append(s.events, &cp)
}

// ListEvents returns the instance's events in append order.
func (s *Store) ListEvents(_ context.Context, instanceID string) ([]*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Event
	for _, ev := range s.events {
		if ev.InstanceID == instanceID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteEventsBefore garbage-collects old audit rows.
func (s *Store) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var removed int64
	for _, ev := range s.events {
		if ev.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// CompactTerminalInstances clears the context column of old terminal rows.
func (s *Store) CompactTerminalInstances(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var compacted int64
	for _, inst := range s.instances {
		if inst.Status.Terminal() && !inst.FinishedAt.IsZero() &&
			inst.FinishedAt.Before(before) && inst.Context != nil {
			inst.Context = nil
			compacted++
		}
	}
	return compacted, nil
}

// CountByStatus returns instance counts per status.
func (s *Store) CountByStatus(_ context.Context) (map[store.InstanceStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[store.InstanceStatus]int)
	for _, inst := range s.instances {
		out[inst.Status]++
	}
	return out, nil
}

// CountFailedSince counts instances that reached failed after since.
func (s *Store) CountFailedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inst := range s.instances {
		if inst.Status == store.InstanceFailed && inst.FinishedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
