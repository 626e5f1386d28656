// Package executor defines the contract task implementations fulfill and the
// registry the engine resolves symbolic executor names through. Components
// contribute executors at bootstrap; the registry is sealed before the first
// instance is driven and is read-only afterwards.
package executor

import (
	"context"
	"time"

	"goa.design/weave/telemetry"
)

type (
	// Executor performs the work of one task node. Execute receives the
	// resolved node config through the Context and returns the node output.
	// Cancellation and timeouts arrive through ctx; executors should stop
	// promptly when ctx is done but are not required to roll back side
	// effects. Failures carrying a retryable hint (fault.Executor) drive the
	// node's retry ladder; plain errors are treated as retryable.
	Executor interface {
		// Name returns the symbolic name task nodes reference.
		Name() string
		// Execute runs the task and returns its output.
		Execute(ctx context.Context, ec *Context) (any, error)
	}

	// HealthChecker is optionally implemented by executors that can probe
	// their dependencies.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// ConfigValidator is optionally implemented by executors that can vet a
	// node's config at definition registration time.
	ConfigValidator interface {
		ValidateConfig(config map[string]any) error
	}

	// Context carries everything an executor may need for one unit of work.
	Context struct {
		// InstanceID is the workflow instance being driven.
		InstanceID string
		// NodeID is the definition node id of the unit.
		NodeID string
		// IterationKey identifies the loop/parallel expansion path, empty
		// for plain nodes.
		IterationKey string
		// Attempt is the 1-based attempt number.
		Attempt int
		// Config is the node config with all templates resolved.
		Config map[string]any
		// Inputs is a snapshot of the instance inputs.
		Inputs map[string]any
		// StartedAt is the wall time the attempt started.
		StartedAt time.Time
		// Logger is scoped to the unit.
		Logger telemetry.Logger
		// Progress reports completion percentage and an optional message.
		// It is best effort and may be nil.
		Progress func(ctx context.Context, pct float64, msg string)
	}

	// Func adapts a function to the Executor interface.
	Func struct {
		name string
		fn   func(ctx context.Context, ec *Context) (any, error)
	}
)

// NewFunc wraps fn as a named Executor.
func NewFunc(name string, fn func(ctx context.Context, ec *Context) (any, error)) *Func {
	return &Func{name: name, fn: fn}
}

// Name implements Executor.
func (f *Func) Name() string { return f.name }

// Execute implements Executor.
func (f *Func) Execute(ctx context.Context, ec *Context) (any, error) {
	return f.fn(ctx, ec)
}

// ReportProgress invokes the progress reporter when one is wired.
func (c *Context) ReportProgress(ctx context.Context, pct float64, msg string) {
	if c.Progress != nil {
		c.Progress(ctx, pct, msg)
	}
}
