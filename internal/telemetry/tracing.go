package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName     = "gitops-sync"
	spanNameCycle   = "reconciliation_cycle"
	spanNameAppSync = "application_sync"
)

// TracingConfig controls whether spans are exported anywhere, and where.
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
}

// Tracer wraps the OpenTelemetry tracer used for one cycle span per
// reconciliation and one child span per application sync — grounded on the
// teacher's TracingProvider, narrowed to this service's two span kinds.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer builds a Tracer. When cfg.Enabled is false it still returns a
// usable no-export tracer so callers never need a nil check.
func NewTracer(cfg TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: otel.Tracer(serviceName)}, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(serviceName), provider: provider}, nil
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Span wraps a trace.Span with the narrow operations this service needs.
type Span struct {
	span trace.Span
}

// End completes the span.
func (s Span) End() { s.span.End() }

// RecordError attaches err to the span and marks it as errored.
func (s Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// StartCycleSpan starts the root span for one reconciliation cycle.
func (t *Tracer) StartCycleSpan(ctx context.Context, cycleID string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, spanNameCycle, trace.WithAttributes(
		attribute.String("gitops_sync.cycle_id", cycleID),
	))
	return ctx, Span{span: span}
}

// StartAppSpan starts a child span for one application's sync task within
// cycleID.
func (t *Tracer) StartAppSpan(ctx context.Context, cycleID, appID string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, spanNameAppSync, trace.WithAttributes(
		attribute.String("gitops_sync.cycle_id", cycleID),
		attribute.String("gitops_sync.app_id", appID),
	))
	return ctx, Span{span: span}
}
