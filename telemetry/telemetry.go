// Package telemetry defines the logging, metrics, and tracing seams the
// engine emits through. Implementations backed by goa.design/clue/log and
// OpenTelemetry ship alongside no-op variants for tests.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, gauges, and timers. Tags are flat key-value
	// string pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)

type (
	noopLogger  struct{}
	noopMetrics struct{}
)

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return noopLogger{} }

// NewNoopMetrics returns a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(string, float64, ...string)        {}
func (noopMetrics) RecordGauge(string, float64, ...string)       {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}
