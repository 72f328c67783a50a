// Package telemetry defines the optional tracing/metrics port the
// orchestrator calls into, plus a no-op default and an OpenTelemetry-backed
// implementation. No component requires telemetry to function; it is pure
// observability, wired the same way the framework wires optional AI/Memory
// ports — through a small interface any call site can no-op against.
package telemetry

import "context"

// Telemetry is the tracing/metrics port consumed by health, execution,
// queue and council.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span is a single unit of tracing work.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOp satisfies Telemetry without doing anything.
type NoOp struct{}

func (NoOp) StartSpan(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }
func (NoOp) RecordMetric(string, float64, map[string]string)                 {}

type noopSpan struct{}

func (noopSpan) End()                               {}
func (noopSpan) SetAttribute(string, interface{})   {}
func (noopSpan) RecordError(error)                  {}

// Fallback returns t if non-nil, otherwise NoOp{}.
func Fallback(t Telemetry) Telemetry {
	if t == nil {
		return NoOp{}
	}
	return t
}
