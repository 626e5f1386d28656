package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type (
	// Tracer opens spans around engine operations (unit dispatch, store
	// commits, lease acquisition).
	Tracer interface {
		Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
	}

	// Span is the active span handle.
	Span interface {
		End()
		RecordError(err error)
		SetStatus(code codes.Code, description string)
	}

	otelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewOTELTracer constructs a Tracer on the global TracerProvider.
func NewOTELTracer() Tracer {
	return &otelTracer{tracer: otel.Tracer("goa.design/weave")}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() Tracer {
	return &otelTracer{tracer: noop.NewTracerProvider().Tracer("")}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}
