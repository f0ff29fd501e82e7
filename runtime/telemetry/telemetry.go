// Package telemetry defines the observability seams used across the
// orchestration core. Components log, count and trace through these interfaces
// so production wiring (clue + OTEL) and tests (noop) stay interchangeable.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger emits structured log records. Key-value pairs alternate keys and
// values; non-string keys are skipped.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers and gauges. Tags alternate keys and values.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer creates and retrieves spans.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span wraps an active trace span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the core. Exported so dashboards and tests can
// reference them without string duplication.
const (
	// MetricInstancesStarted counts workflow instances admitted to RUNNING.
	MetricInstancesStarted = "triflow_instances_started"
	// MetricInstanceDuration times instance start to terminal state.
	MetricInstanceDuration = "triflow_instance_duration"
	// MetricNodeDuration times individual node dispatches, tagged by node type.
	MetricNodeDuration = "triflow_node_duration"
	// MetricJudgmentDuration times judgment executions, tagged by method.
	MetricJudgmentDuration = "triflow_judgment_duration"
	// MetricJudgmentCacheHits counts judgment cache hits.
	MetricJudgmentCacheHits = "triflow_judgment_cache_hits"
	// MetricToolCalls counts tool hub calls, tagged by provider and outcome.
	MetricToolCalls = "triflow_tool_calls"
	// MetricBreakerTransitions counts breaker state transitions, tagged by
	// provider and target state.
	MetricBreakerTransitions = "triflow_breaker_transitions"
	// MetricEventsPublished counts events handed to the bus adapter.
	MetricEventsPublished = "triflow_events_published"
)
