// Package postgres implements store.Store on PostgreSQL via sqlx and the pgx
// driver. The schema lives in embedded goose migrations (see Migrate). All
// database I/O runs behind a circuit breaker: once persistence flaps past the
// threshold the breaker opens and operations fail fast with fault.Storage,
// which lets the engine's bounded storage-retry give up quickly and yield its
// lease instead of hammering a dead database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"goa.design/weave/fault"
	"goa.design/weave/store"
	"goa.design/weave/workflow"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// Option tunes the store.
type Option func(*Store)

// WithClock injects the time source used for lease arithmetic and row
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database and wraps it in a Store.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fault.Storage(err, "open database: %v", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "postgres-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Domain outcomes (conflicts, not-found) are not infrastructure
		// failures and must not trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, fault.ErrConflict) || errors.Is(err, fault.ErrNotFound) ||
				errors.Is(err, fault.ErrValidation)
		},
	})
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying pool, mainly for Migrate and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// guard runs fn behind the circuit breaker and classifies raw database
// errors as fault.Storage.
func (s *Store) guard(op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) { return nil, fn() })
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Storage(err, "%s: store unavailable (circuit open)", op)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Storage(err, "%s: %v", op, err)
}

type instanceRow struct {
	ID                string       `db:"id"`
	DefinitionName    string       `db:"definition_name"`
	DefinitionVersion string       `db:"definition_version"`
	Status            string       `db:"status"`
	Input             []byte       `db:"input"`
	Context           []byte       `db:"context"`
	Output            []byte       `db:"output"`
	CurrentNodeID     string       `db:"current_node_id"`
	RetryCount        int          `db:"retry_count"`
	MaxRetries        int          `db:"max_retries"`
	LeaseOwner        string       `db:"lease_owner"`
	LastHeartbeatAt   sql.NullTime `db:"last_heartbeat_at"`
	Priority          int          `db:"priority"`
	ExternalID        string       `db:"external_id"`
	ParentInstanceID  string       `db:"parent_instance_id"`
	ParentNodeID      string       `db:"parent_node_id"`
	PausedReason      string       `db:"paused_reason"`
	Failure           []byte       `db:"failure"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
	StartedAt         sql.NullTime `db:"started_at"`
	FinishedAt        sql.NullTime `db:"finished_at"`
}

const instanceColumns = `id, definition_name, definition_version, status, input, context, output,
current_node_id, retry_count, max_retries, lease_owner, last_heartbeat_at, priority,
external_id, parent_instance_id, parent_node_id, paused_reason, failure,
created_at, updated_at, started_at, finished_at`

func (r *instanceRow) toInstance() (*store.Instance, error) {
	inst := &store.Instance{
		ID:               r.ID,
		Definition:       workflow.Ref{Name: r.DefinitionName, Version: r.DefinitionVersion},
		Status:           store.InstanceStatus(r.Status),
		CurrentNodeID:    r.CurrentNodeID,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		LeaseOwner:       r.LeaseOwner,
		Priority:         r.Priority,
		ExternalID:       r.ExternalID,
		ParentInstanceID: r.ParentInstanceID,
		ParentNodeID:     r.ParentNodeID,
		PausedReason:     r.PausedReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LastHeartbeatAt.Valid {
		inst.LastHeartbeatAt = r.LastHeartbeatAt.Time
	}
	if r.StartedAt.Valid {
		inst.StartedAt = r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		inst.FinishedAt = r.FinishedAt.Time
	}
	if err := unmarshalInto(r.Input, &inst.Input); err != nil {
		return nil, err
	}
	if err := unmarshalInto(r.Context, &inst.Context); err != nil {
		return nil, err
	}
	if err := unmarshalInto(r.Output, &inst.Output); err != nil {
		return nil, err
	}
	if len(r.Failure) > 0 {
		inst.Failure = &store.Failure{}
		if err := json.Unmarshal(r.Failure, inst.Failure); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// PutDefinition registers or replaces a definition document.
func (s *Store) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil {
		return fault.Validation("definition is required")
	}
	return s.guard("put definition", func() error {
		doc, err := json.Marshal(def)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO definitions (name, version, status, document, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name, version) DO UPDATE
			SET status = EXCLUDED.status, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
			def.Name, def.Version, string(def.Status), doc, s.now())
		return err
	})
}

// GetDefinition loads a definition by reference.
func (s *Store) GetDefinition(ctx context.Context, ref workflow.Ref) (*workflow.Definition, error) {
	var def *workflow.Definition
	err := s.guard("get definition", func() error {
		var doc []byte
		err := s.db.QueryRowxContext(ctx,
			`SELECT document FROM definitions WHERE name = $1 AND version = $2`,
			ref.Name, ref.Version).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("definition %s is not registered", ref)
		}
		if err != nil {
			return err
		}
		def = &workflow.Definition{}
		return json.Unmarshal(doc, def)
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions enumerates registered definitions.
func (s *Store) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	var defs []*workflow.Definition
	err := s.guard("list definitions", func() error {
		rows, err := s.db.QueryxContext(ctx,
			`SELECT document FROM definitions ORDER BY name, version`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			def := &workflow.Definition{}
			if err := json.Unmarshal(doc, def); err != nil {
				return err
			}
			defs = append(defs, def)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// CreateInstance writes a pending instance seeded with the inputs.
func (s *Store) CreateInstance(ctx context.Context, ref workflow.Ref, inputs map[string]any, opts store.CreateOptions) (*store.Instance, error) {
	var inst *store.Instance
	err := s.guard("create instance", func() error {
		var exists bool
		err := s.db.QueryRowxContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM definitions WHERE name = $1 AND version = $2)`,
			ref.Name, ref.Version).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return fault.NotFound("definition %s is not registered", ref)
		}
		now := s.now()
		id := uuid.NewString()
		input, err := json.Marshal(orEmpty(inputs))
		if err != nil {
			return err
		}
		contextData, err := json.Marshal(map[string]any{"inputs": orEmpty(inputs)})
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instances (id, definition_name, definition_version, status, input, context,
				max_retries, priority, external_id, parent_instance_id, parent_node_id,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			id, ref.Name, ref.Version, string(store.InstancePending), input, contextData,
			opts.MaxRetries, opts.Priority, opts.ExternalID,
			opts.ParentInstanceID, opts.ParentNodeID, now); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"definition": ref.String(), "externalId": opts.ExternalID})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, instance_id, kind, payload, at) VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), id, store.EventInstanceCreated, payload, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		inst = &store.Instance{
			ID:               id,
			Definition:       ref,
			Status:           store.InstancePending,
			Input:            orEmpty(inputs),
			Context:          map[string]any{"inputs": orEmpty(inputs)},
			MaxRetries:       opts.MaxRetries,
			Priority:         opts.Priority,
			ExternalID:       opts.ExternalID,
			ParentInstanceID: opts.ParentInstanceID,
			ParentNodeID:     opts.ParentNodeID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// LoadInstance loads one instance row.
func (s *Store) LoadInstance(ctx context.Context, id string) (*store.Instance, error) {
	var inst *store.Instance
	err := s.guard("load instance", func() error {
		var row instanceRow
		err := s.db.GetContext(ctx, &row,
			`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("instance %q does not exist", id)
		}
		if err != nil {
			return err
		}
		inst, err = row.toInstance()
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// LoadNodeInstances loads all node rows for an instance.
func (s *Store) LoadNodeInstances(ctx context.Context, instanceID string) ([]*store.NodeInstance, error) {
	var out []*store.NodeInstance
	err := s.guard("load node instances", func() error {
		rows, err := s.db.QueryxContext(ctx, `
			SELECT id, instance_id, node_id, iteration_key, status, attempt,
				started_at, finished_at, input, output, failure
			FROM node_instances WHERE instance_id = $1
			ORDER BY node_id, iteration_key`, instanceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ni                   store.NodeInstance
				status               string
				started, finished    sql.NullTime
				input, output, fails []byte
			)
			if err := rows.Scan(&ni.ID, &ni.InstanceID, &ni.NodeID, &ni.IterationKey,
				&status, &ni.Attempt, &started, &finished, &input, &output, &fails); err != nil {
				return err
			}
			ni.Status = store.NodeStatus(status)
			if started.Valid {
				ni.StartedAt = started.Time
			}
			if finished.Valid {
				ni.FinishedAt = finished.Time
			}
			if err := unmarshalInto(input, &ni.Input); err != nil {
				return err
			}
			if len(output) > 0 {
				if err := json.Unmarshal(output, &ni.Output); err != nil {
					return err
				}
			}
			if len(fails) > 0 {
				ni.Failure = &store.Failure{}
				if err := json.Unmarshal(fails, ni.Failure); err != nil {
					return err
				}
			}
			out = append(out, &ni)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateInstanceStatus CAS-transitions the instance inside a transaction.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, target store.InstanceStatus, patch store.Patch) (*store.Instance, error) {
	var inst *store.Instance
	err := s.guard("update instance status", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		var current string
		err = tx.QueryRowxContext(ctx,
			`SELECT status FROM instances WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("instance %q does not exist", id)
		}
		if err != nil {
			return err
		}
		if !store.CanTransition(store.InstanceStatus(current), target) {
			return fault.Conflict("instance %q: transition %s -> %s is not allowed", id, current, target)
		}
		now := s.now()
		sets := []string{"status = :status", "updated_at = :updated_at"}
		args := map[string]any{"id": id, "status": string(target), "updated_at": now}
		switch target {
		case store.InstanceRunning:
			sets = append(sets, "started_at = COALESCE(started_at, :started_at)", "paused_reason = ''")
			args["started_at"] = now
		case store.InstanceCompleted, store.InstanceFailed, store.InstanceCancelled:
			sets = append(sets, "finished_at = :finished_at", "lease_owner = ''")
			args["finished_at"] = now
		}
		if patch.CurrentNodeID != nil {
			sets = append(sets, "current_node_id = :current_node_id")
			args["current_node_id"] = *patch.CurrentNodeID
		}
		if patch.Context != nil {
			b, err := json.Marshal(patch.Context)
			if err != nil {
				return err
			}
			sets = append(sets, "context = :context")
			args["context"] = b
		}
		if patch.Output != nil {
			b, err := json.Marshal(patch.Output)
			if err != nil {
				return err
			}
			sets = append(sets, "output = :output")
			args["output"] = b
		}
		if patch.Failure != nil {
			b, err := json.Marshal(patch.Failure)
			if err != nil {
				return err
			}
			sets = append(sets, "failure = :failure")
			args["failure"] = b
		}
		if patch.Reason != "" {
			sets = append(sets, "paused_reason = :paused_reason")
			args["paused_reason"] = patch.Reason
		}
		if patch.RetryCount != nil {
			sets = append(sets, "retry_count = :retry_count")
			args["retry_count"] = *patch.RetryCount
		}
		query, qargs, err := sqlx.Named(
			`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE id = :id`, args)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), qargs...); err != nil {
			return err
		}
		var row instanceRow
		if err := tx.GetContext(ctx, &row,
			`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		inst, err = row.toInstance()
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

const upsertNodeSQL = `
	INSERT INTO node_instances (id, instance_id, node_id, iteration_key, status, attempt,
		started_at, finished_at, input, output, failure)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (instance_id, node_id, iteration_key) DO UPDATE
	SET status = EXCLUDED.status, attempt = EXCLUDED.attempt,
		started_at = COALESCE(node_instances.started_at, EXCLUDED.started_at),
		finished_at = EXCLUDED.finished_at, input = EXCLUDED.input,
		output = EXCLUDED.output, failure = EXCLUDED.failure
	RETURNING id`

type execer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

func upsertNode(ctx context.Context, q execer, ni *store.NodeInstance) error {
	if ni.ID == "" {
		ni.ID = uuid.NewString()
	}
	input, err := marshalOrNil(ni.Input)
	if err != nil {
		return err
	}
	output, err := marshalOrNil(ni.Output)
	if err != nil {
		return err
	}
	failure, err := marshalOrNil(ni.Failure)
	if err != nil {
		return err
	}
	return q.QueryRowxContext(ctx, upsertNodeSQL,
		ni.ID, ni.InstanceID, ni.NodeID, ni.IterationKey, string(ni.Status), ni.Attempt,
		nullTime(ni.StartedAt), nullTime(ni.FinishedAt), input, output, failure).Scan(&ni.ID)
}

// UpsertNodeInstance inserts or updates by (InstanceID, NodeID, IterationKey).
func (s *Store) UpsertNodeInstance(ctx context.Context, ni *store.NodeInstance) error {
	return s.guard("upsert node instance", func() error {
		return upsertNode(ctx, s.db, ni)
	})
}

// CommitNodeResult records the unit outcome under the lease ownership check,
// all in one transaction.
func (s *Store) CommitNodeResult(ctx context.Context, owner string, ni *store.NodeInstance, contextData map[string]any, ev *store.Event) error {
	return s.guard("commit node result", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		var leaseOwner string
		err = tx.QueryRowxContext(ctx,
			`SELECT lease_owner FROM instances WHERE id = $1 FOR UPDATE`, ni.InstanceID).Scan(&leaseOwner)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("instance %q does not exist", ni.InstanceID)
		}
		if err != nil {
			return err
		}
		if leaseOwner != owner {
			return fault.Conflict("instance %q is owned by %q, not %q", ni.InstanceID, leaseOwner, owner)
		}
		if err := upsertNode(ctx, tx, ni); err != nil {
			return err
		}
		if contextData != nil {
			b, err := json.Marshal(contextData)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE instances SET context = $1, current_node_id = $2, updated_at = $3 WHERE id = $4`,
				b, ni.NodeID, s.now(), ni.InstanceID); err != nil {
				return err
			}
		}
		if ev != nil {
			if err := insertEvent(ctx, tx, s.now(), ev); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// TouchHeartbeat records renewal on the instance row.
func (s *Store) TouchHeartbeat(ctx context.Context, instanceID, owner string, at time.Time) error {
	return s.guard("touch heartbeat", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE instances SET lease_owner = $1, last_heartbeat_at = $2 WHERE id = $3`,
			owner, at, instanceID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fault.NotFound("instance %q does not exist", instanceID)
		}
		return nil
	})
}

// ListInstances pages through matching instances.
func (s *Store) ListInstances(ctx context.Context, f store.ListFilter) ([]*store.Instance, error) {
	var out []*store.Instance
	err := s.guard("list instances", func() error {
		var (
			conds []string
			args  []any
		)
		arg := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}
		if len(f.Status) > 0 {
			ph := make([]string, len(f.Status))
			for i, st := range f.Status {
				ph[i] = arg(string(st))
			}
			conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
		}
		if f.ExternalID != "" {
			conds = append(conds, "external_id = "+arg(f.ExternalID))
		}
		if f.Definition != "" {
			conds = append(conds, "definition_name = "+arg(f.Definition))
		}
		if !f.CreatedAfter.IsZero() {
			conds = append(conds, "created_at >= "+arg(f.CreatedAfter))
		}
		if !f.CreatedBefore.IsZero() {
			conds = append(conds, "created_at <= "+arg(f.CreatedBefore))
		}
		query := `SELECT ` + instanceColumns + ` FROM instances`
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		query += " ORDER BY created_at, id"
		if f.Limit > 0 {
			query += " LIMIT " + arg(f.Limit)
		}
		if f.Offset > 0 {
			query += " OFFSET " + arg(f.Offset)
		}
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row instanceRow
			if err := rows.StructScan(&row); err != nil {
				return err
			}
			inst, err := row.toInstance()
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListStaleInstances returns running instances with old heartbeats.
func (s *Store) ListStaleInstances(ctx context.Context, heartbeatTimeout time.Duration) ([]*store.Instance, error) {
	var out []*store.Instance
	err := s.guard("list stale instances", func() error {
		cutoff := s.now().Add(-heartbeatTimeout)
		rows, err := s.db.QueryxContext(ctx,
			`SELECT `+instanceColumns+` FROM instances
			WHERE status = $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)
			ORDER BY id`,
			string(store.InstanceRunning), cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row instanceRow
			if err := rows.StructScan(&row); err != nil {
				return err
			}
			inst, err := row.toInstance()
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcquireLease atomically takes ownership iff no live lease exists.
func (s *Store) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*store.Lease, error) {
	var lease *store.Lease
	err := s.guard("acquire lease", func() error {
		now := s.now()
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		var l store.Lease
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO leases (instance_id, owner, acquired_at, last_heartbeat_at, expires_at)
			VALUES ($1, $2, $3, $3, $4)
			ON CONFLICT (instance_id) DO UPDATE
			SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at,
				last_heartbeat_at = EXCLUDED.last_heartbeat_at, expires_at = EXCLUDED.expires_at
			WHERE leases.expires_at <= $3 OR leases.owner = $2
			RETURNING instance_id, owner, acquired_at, last_heartbeat_at, expires_at`,
			instanceID, owner, now, now.Add(ttl)).
			Scan(&l.InstanceID, &l.Owner, &l.AcquiredAt, &l.LastHeartbeatAt, &l.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // held by a live owner
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET lease_owner = $1, last_heartbeat_at = $2 WHERE id = $3`,
			owner, now, instanceID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		lease = &l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// RenewLease extends the lease iff owner still holds it.
func (s *Store) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	var renewed bool
	err := s.guard("renew lease", func() error {
		now := s.now()
		res, err := s.db.ExecContext(ctx,
			`UPDATE leases SET last_heartbeat_at = $1, expires_at = $2
			WHERE instance_id = $3 AND owner = $4`,
			now, now.Add(ttl), instanceID, owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renewed = n > 0
		return nil
	})
	return renewed, err
}

// ReleaseLease drops the lease if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	return s.guard("release lease", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM leases WHERE instance_id = $1 AND owner = $2`, instanceID, owner)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE instances SET lease_owner = '' WHERE id = $1 AND lease_owner = $2`,
			instanceID, owner)
		return err
	})
}

type txExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, q txExecer, now time.Time, ev *store.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = now
	}
	payload, err := marshalOrNil(ev.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO events (id, instance_id, node_id, kind, payload, at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.InstanceID, ev.NodeID, ev.Kind, payload, ev.At)
	return err
}

// AppendEvent appends one audit record.
func (s *Store) AppendEvent(ctx context.Context, ev *store.Event) error {
	return s.guard("append event", func() error {
		return insertEvent(ctx, s.db, s.now(), ev)
	})
}

// ListEvents returns the instance's events in append order.
func (s *Store) ListEvents(ctx context.Context, instanceID string) ([]*store.Event, error) {
	var out []*store.Event
	err := s.guard("list events", func() error {
		rows, err := s.db.QueryxContext(ctx,
			`SELECT id, instance_id, node_id, kind, payload, at FROM events
			WHERE instance_id = $1 ORDER BY at, id`, instanceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ev      store.Event
				payload []byte
			)
			if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.NodeID, &ev.Kind, &payload, &ev.At); err != nil {
				return err
			}
			if err := unmarshalInto(payload, &ev.Payload); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteEventsBefore garbage-collects audit rows older than cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.guard("delete events", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < $1`, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// CompactTerminalInstances clears context on old terminal rows.
func (s *Store) CompactTerminalInstances(ctx context.Context, before time.Time) (int64, error) {
	var compacted int64
	err := s.guard("compact instances", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE instances SET context = NULL
			WHERE status IN ($1, $2, $3) AND finished_at < $4 AND context IS NOT NULL`,
			string(store.InstanceCompleted), string(store.InstanceFailed),
			string(store.InstanceCancelled), before)
		if err != nil {
			return err
		}
		compacted, err = res.RowsAffected()
		return err
	})
	return compacted, err
}

// CountByStatus returns instance counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[store.InstanceStatus]int, error) {
	out := make(map[store.InstanceStatus]int)
	err := s.guard("count by status", func() error {
		rows, err := s.db.QueryxContext(ctx,
			`SELECT status, COUNT(*) FROM instances GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			out[store.InstanceStatus(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountFailedSince counts instances that reached failed after since.
func (s *Store) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.guard("count failed", func() error {
		return s.db.QueryRowxContext(ctx,
			`SELECT COUNT(*) FROM instances WHERE status = $1 AND finished_at > $2`,
			string(store.InstanceFailed), since).Scan(&n)
	})
	return n, err
}

func unmarshalInto(raw []byte, target *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if f, ok := v.(*store.Failure); ok && f == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
