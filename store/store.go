// Package store defines the narrow persistence contract the engine drives
// instances through, together with the persisted record types. Backends ship
// in store/inmem (tests, local development) and store/postgres (durable).
// All operations report I/O faults as fault.Storage errors; illegal status
// transitions fail with fault.Conflict.
package store

import (
	"context"
	"time"

	"goa.design/weave/fault"
	"goa.design/weave/workflow"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one node execution.
type NodeStatus string

const (
	NodeWaiting   NodeStatus = "waiting"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status is final. A failed node with
// remaining retries re-enters ready; the scheduler decides that, not the
// store.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// PauseReasonOwnerLost marks instances paused by the maintenance worker
// because their owning engine stopped heartbeating. Such instances are
// acquirable again.
const PauseReasonOwnerLost = "ownerLost"

// Failure is the user-visible failure shape recorded on instances and node
// instances.
type Failure struct {
	NodeID    string     `json:"nodeId,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	Kind      fault.Kind `json:"kind"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

// Instance is one execution of a definition.
type Instance struct {
	ID              string
	Definition      workflow.Ref
	Status          InstanceStatus
	Input           map[string]any
	Context         map[string]any // mutable variable root (scope snapshot)
	Output          map[string]any // projected output parameters on completion
	CurrentNodeID   string
	RetryCount      int
	MaxRetries      int
	LeaseOwner      string
	LastHeartbeatAt time.Time
	Priority        int
	ExternalID      string

	// Parent links a sub-workflow instance to the node that spawned it.
	ParentInstanceID string
	ParentNodeID     string

	PausedReason string
	Failure      *Failure
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// NodeInstance is one execution of one node within an instance. At most one
// row exists per (InstanceID, NodeID, IterationKey); retries update the row
// in place, carrying the attempt count.
type NodeInstance struct {
	ID           string
	InstanceID   string
	NodeID       string
	IterationKey string
	Status       NodeStatus
	Attempt      int
	StartedAt    time.Time
	FinishedAt   time.Time
	Input        map[string]any // resolved config snapshot
	Output       any
	Failure      *Failure
}

// Lease records which engine currently drives an instance.
type Lease struct {
	InstanceID      string
	Owner           string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
}

// Event is one append-only audit record.
type Event struct {
	ID         string
	InstanceID string
	NodeID     string
	Kind       string
	Payload    map[string]any
	At         time.Time
}

// Event kinds appended by the engine and the maintenance worker.
const (
	EventInstanceCreated   = "instance.created"
	EventInstanceStarted   = "instance.started"
	EventInstanceCompleted = "instance.completed"
	EventInstanceFailed    = "instance.failed"
	EventInstanceCancelled = "instance.cancelled"
	EventInstancePaused    = "instance.paused"
	EventInstanceResumed   = "instance.resumed"
	EventInstanceReclaimed = "instance.reclaimed"
	EventNodeStarted       = "node.started"
	EventNodeCompleted     = "node.completed"
	EventNodeFailed        = "node.failed"
	EventNodeRetry         = "node.retry"
	EventNodeSkipped       = "node.skipped"
	EventNodeCancelled     = "node.cancelled"
	EventNodeProgress      = "node.progress"
	EventLeaseYielded      = "lease.yielded"
)

// CreateOptions tunes instance creation.
type CreateOptions struct {
	ExternalID string
	Priority   int
	MaxRetries int
	// Parent links a sub-workflow instance to the node that spawned it.
	ParentInstanceID string
	ParentNodeID     string
}

// Patch carries the optional fields an UpdateInstanceStatus call may set
// alongside the transition. Nil fields are left untouched.
type Patch struct {
	CurrentNodeID *string
	Context       map[string]any
	Output        map[string]any
	Failure       *Failure
	Reason        string // paused reason; cleared on resume
	RetryCount    *int
}

// ListFilter selects instances for List.
type ListFilter struct {
	Status        []InstanceStatus
	ExternalID    string
	Definition    string // definition name, any version
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Offset        int
	Limit         int
}

// CanTransition encodes the instance status machine. Terminal states are
// absorbing.
func CanTransition(from, to InstanceStatus) bool {
	switch from {
	case InstancePending:
		return to == InstanceRunning || to == InstanceCancelled
	case InstanceRunning:
		return to == InstancePaused || to == InstanceCompleted ||
			to == InstanceFailed || to == InstanceCancelled
	case InstancePaused:
		return to == InstanceRunning || to == InstanceCancelled
	default:
		return false
	}
}

type (
	// LeaseStore issues, renews, and releases per-instance ownership leases.
	// Implementations must make Acquire atomic: it succeeds iff no lease
	// exists for the instance or the existing lease has expired.
	LeaseStore interface {
		// AcquireLease attempts to take ownership. A nil lease with a nil
		// error means the instance is held by a live owner; callers skip it.
		AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*Lease, error)

		// RenewLease extends the lease iff owner still holds it.
		RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error)

		// ReleaseLease drops the lease if owner holds it. Best effort.
		ReleaseLease(ctx context.Context, instanceID, owner string) error
	}

	// Store is the persistence contract the engine, the submission service,
	// and the maintenance worker share.
	Store interface {
		LeaseStore

		// PutDefinition registers or replaces a definition identified by
		// (name, version).
		PutDefinition(ctx context.Context, def *workflow.Definition) error

		// GetDefinition loads a definition; fault.NotFound when absent.
		GetDefinition(ctx context.Context, ref workflow.Ref) (*workflow.Definition, error)

		// ListDefinitions enumerates all registered definitions.
		ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)

		// CreateInstance allocates an id, writes the row with status pending,
		// and seeds the root variable scope with the inputs.
		CreateInstance(ctx context.Context, ref workflow.Ref, inputs map[string]any, opts CreateOptions) (*Instance, error)

		// LoadInstance loads one instance; fault.NotFound when absent.
		LoadInstance(ctx context.Context, id string) (*Instance, error)

		// LoadNodeInstances loads all node rows for an instance.
		LoadNodeInstances(ctx context.Context, instanceID string) ([]*NodeInstance, error)

		// UpdateInstanceStatus performs an atomic compare-and-set on the
		// status transition, applying the patch in the same transaction.
		// Illegal transitions fail with fault.Conflict and leave the row
		// untouched.
		UpdateInstanceStatus(ctx context.Context, id string, target InstanceStatus, patch Patch) (*Instance, error)

		// UpsertNodeInstance inserts or updates by (InstanceID, NodeID,
		// IterationKey).
		UpsertNodeInstance(ctx context.Context, ni *NodeInstance) error

		// CommitNodeResult atomically records a unit outcome: the node row,
		// the updated context root, and an event, guarded by an ownership
		// check against the instance's lease owner. A lost lease fails with
		// fault.Conflict and writes nothing.
		CommitNodeResult(ctx context.Context, owner string, ni *NodeInstance, contextData map[string]any, ev *Event) error

		// TouchHeartbeat records lease renewal time on the instance row.
		TouchHeartbeat(ctx context.Context, instanceID, owner string, at time.Time) error

		// ListInstances pages through instances matching the filter.
		ListInstances(ctx context.Context, f ListFilter) ([]*Instance, error)

		// ListStaleInstances returns running instances whose last heartbeat
		// is older than the timeout.
		ListStaleInstances(ctx context.Context, heartbeatTimeout time.Duration) ([]*Instance, error)

		// AppendEvent appends one audit record.
		AppendEvent(ctx context.Context, ev *Event) error

		// ListEvents returns an instance's events in append order.
		ListEvents(ctx context.Context, instanceID string) ([]*Event, error)

		// DeleteEventsBefore garbage-collects audit rows older than cutoff.
		DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

		// CompactTerminalInstances clears the bulky context column of
		// terminal instances finished before the cutoff.
		CompactTerminalInstances(ctx context.Context, before time.Time) (int64, error)

		// CountByStatus returns instance counts per status.
		CountByStatus(ctx context.Context) (map[InstanceStatus]int, error)

		// CountFailedSince counts instances that reached failed after since.
		CountFailedSince(ctx context.Context, since time.Time) (int, error)
	}
)
