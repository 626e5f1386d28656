// Package builtin ships the executors every engine registers in its local
// scope: echo for wiring tests, delay for time-based steps, and transform for
// jq-style data reshaping between nodes.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"goa.design/weave/executor"
	"goa.design/weave/fault"
)

// Register adds all builtin executors to the given scope.
func Register(s *executor.Scope) error {
	for _, ex := range []executor.Executor{NewEcho(), NewDelay(), NewTransform()} {
		if err := s.Register(ex); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its resolved config as the node output.
type Echo struct{}

// NewEcho constructs the echo executor.
func NewEcho() *Echo { return &Echo{} }

// Name implements executor.Executor.
func (*Echo) Name() string { return "echo" }

// Execute implements executor.Executor.
func (*Echo) Execute(_ context.Context, ec *executor.Context) (any, error) {
	return ec.Config, nil
}

// Delay sleeps for the configured duration. Config:
//
//	durationMs: number of milliseconds to wait (required, > 0)
type Delay struct{}

// NewDelay constructs the delay executor.
func NewDelay() *Delay { return &Delay{} }

// Name implements executor.Executor.
func (*Delay) Name() string { return "delay" }

// ValidateConfig implements executor.ConfigValidator.
func (*Delay) ValidateConfig(config map[string]any) error {
	if ms, ok := toFloat(config["durationMs"]); !ok || ms <= 0 {
		return fmt.Errorf("durationMs must be a positive number")
	}
	return nil
}

// Execute implements executor.Executor.
func (*Delay) Execute(ctx context.Context, ec *executor.Context) (any, error) {
	ms, ok := toFloat(ec.Config["durationMs"])
	if !ok || ms <= 0 {
		return nil, fault.Executor(false, "delay: durationMs must be a positive number")
	}
	d := time.Duration(ms * float64(time.Millisecond))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return map[string]any{"delayedMs": ms}, nil
}

// Transform applies a jq expression to its input. Config:
//
//	expression: the jq program (required)
//	input:      the value piped into the program (typically a template)
type Transform struct{}

// NewTransform constructs the transform executor.
func NewTransform() *Transform { return &Transform{} }

// Name implements executor.Executor.
func (*Transform) Name() string { return "transform" }

// ValidateConfig implements executor.ConfigValidator.
func (*Transform) ValidateConfig(config map[string]any) error {
	expr, ok := config["expression"].(string)
	if !ok || expr == "" {
		return fmt.Errorf("expression is required")
	}
	if _, err := gojq.Parse(expr); err != nil {
		return fmt.Errorf("expression: %v", err)
	}
	return nil
}

// Execute implements executor.Executor.
func (*Transform) Execute(ctx context.Context, ec *executor.Context) (any, error) {
	expr, _ := ec.Config["expression"].(string)
	if expr == "" {
		return nil, fault.Executor(false, "transform: expression is required")
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fault.Executor(false, "transform: parse expression: %v", err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fault.Executor(false, "transform: compile expression: %v", err)
	}
	iter := code.RunWithContext(ctx, ec.Config["input"])
	var out []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fault.Executor(false, "transform: %v", err)
		}
		out = append(out, v)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
