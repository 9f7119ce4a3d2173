// Package telemetry wires the Agent Hub's OpenTelemetry tracer and meter
// providers (SPEC_FULL.md §6.3): a stdout exporter for local runs and an
// OTLP/gRPC exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set, the same
// exporter pair the teacher's root go.mod carries. Breaker state, budget
// checks, and gate verdicts emit counter/gauge metrics through this
// package rather than touching the otel SDK directly; router calls also
// open a span (router.route) via StartSpan.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agenthub/kernel"

// Telemetry owns the process-wide tracer and meter providers plus the
// counters every component shares. It is constructed once at the
// application entry point and injected, per SPEC_FULL.md §9's
// "process-wide singletons become explicit context" design note.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	tracer trace.Tracer
	meter  metric.Meter

	breakerState      metric.Int64Gauge
	breakerRejections metric.Int64Counter
	taskHalts         metric.Int64Counter
	routerCalls       metric.Int64Counter
	budgetChecks      metric.Int64Counter
	gateDecisions     metric.Int64Counter
}

// New builds a Telemetry instance for serviceName. If
// OTEL_EXPORTER_OTLP_ENDPOINT is unset, spans are written to stdout;
// otherwise an OTLP/gRPC exporter is used, matching the teacher's own
// dual-exporter root go.mod dependency pair.
func New(ctx context.Context, serviceName string) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)

	spanExporter, err := newSpanExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	t := &Telemetry{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(instrumentationName),
		meter:          mp.Meter(instrumentationName),
	}
	if err := t.buildInstruments(); err != nil {
		return nil, err
	}
	return t, nil
}

func newSpanExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	}
	return stdouttrace.New(stdouttrace.WithoutTimestamps())
}

func (t *Telemetry) buildInstruments() error {
	var err error
	if t.breakerState, err = t.meter.Int64Gauge("agenthub.breaker.state",
		metric.WithDescription("1 if the named component breaker is tripped, else 0")); err != nil {
		return err
	}
	if t.breakerRejections, err = t.meter.Int64Counter("agenthub.breaker.rejections",
		metric.WithDescription("calls rejected because a component breaker was tripped")); err != nil {
		return err
	}
	if t.taskHalts, err = t.meter.Int64Counter("agenthub.task.halts",
		metric.WithDescription("task-layer trigger halts, by trigger name")); err != nil {
		return err
	}
	if t.routerCalls, err = t.meter.Int64Counter("agenthub.router.calls",
		metric.WithDescription("model router attempts, by model and outcome")); err != nil {
		return err
	}
	if t.budgetChecks, err = t.meter.Int64Counter("agenthub.budget.checks",
		metric.WithDescription("pre-flight affordability checks, by outcome")); err != nil {
		return err
	}
	if t.gateDecisions, err = t.meter.Int64Counter("agenthub.gate.decisions",
		metric.WithDescription("draft gate verdicts, by decision")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the process-wide tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// StartSpan is a thin convenience wrapper used by components that don't
// need direct access to span options.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// RecordBreakerState sets the gauge for component (0 = armed, 1 = tripped).
func (t *Telemetry) RecordBreakerState(ctx context.Context, component string, tripped bool) {
	v := int64(0)
	if tripped {
		v = 1
	}
	t.breakerState.Record(ctx, v, metric.WithAttributes(attrComponent(component)))
}

// RecordBreakerRejection increments the rejection counter for component.
func (t *Telemetry) RecordBreakerRejection(ctx context.Context, component string) {
	t.breakerRejections.Add(ctx, 1, metric.WithAttributes(attrComponent(component)))
}

// RecordTaskHalt increments the task-halt counter for the named trigger.
func (t *Telemetry) RecordTaskHalt(ctx context.Context, trigger string) {
	t.taskHalts.Add(ctx, 1, metric.WithAttributes(attrTrigger(trigger)))
}

// RecordRouterCall increments the router-call counter for model/outcome.
func (t *Telemetry) RecordRouterCall(ctx context.Context, model, outcome string) {
	t.routerCalls.Add(ctx, 1, metric.WithAttributes(attrModel(model), attrOutcome(outcome)))
}

// RecordBudgetCheck increments the budget-check counter for the outcome
// ("pass" or "fail").
func (t *Telemetry) RecordBudgetCheck(ctx context.Context, outcome string) {
	t.budgetChecks.Add(ctx, 1, metric.WithAttributes(attrOutcome(outcome)))
}

// RecordGateDecision increments the gate-decision counter ("accept",
// "reject", "escalate").
func (t *Telemetry) RecordGateDecision(ctx context.Context, decision string) {
	t.gateDecisions.Add(ctx, 1, metric.WithAttributes(attrDecision(decision)))
}

// Shutdown flushes and closes both providers; callers should defer this
// from the application entry point.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.tracerProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
	}
	if err := t.meterProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}
