package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTelTelemetry bridges the orchestrator's Telemetry port onto an
// OpenTelemetry TracerProvider/MeterProvider. Construct one with
// NewOTelTelemetry once a TracerProvider has been installed (typically via
// go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc or the
// stdout exporter for local development), then pass it to health/execution/
// queue/council constructors.
type OTelTelemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelTelemetry wraps the given tracer/meter provider names under a single
// instrumentation scope "github.com/itsneelabh/orchestra".
func NewOTelTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *OTelTelemetry {
	const scope = "github.com/itsneelabh/orchestra"
	return &OTelTelemetry{
		tracer:     tp.Tracer(scope),
		meter:      mp.Meter(scope),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// NewDefaultTracerProvider builds a TracerProvider with no exporter attached
// (samples are created and discarded); callers wire a real exporter
// (otlptracegrpc, stdouttrace) via sdktrace.WithBatcher in production.
func NewDefaultTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider()
}

func (o *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

func (o *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	set := attribute.NewSet(attrs...)

	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		o.histograms[name] = h
	}
	h.Record(context.Background(), value, metric.WithAttributeSet(set))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, stringify(v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

// GlobalTracerProvider installs tp as the process-wide default, mirroring
// otel.SetTracerProvider used by every OTel-instrumented HTTP client the
// backend adapters build on top of (otelhttp.NewTransport picks this up
// automatically).
func GlobalTracerProvider(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
}
