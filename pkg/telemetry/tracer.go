package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// SpanTracer starts spans on the global tracer provider. It satisfies the
// calculator's Tracer interface so calculation internals stay decoupled
// from the OTel API.
type SpanTracer struct {
	Name string
}

func NewSpanTracer(name string) *SpanTracer {
	if name == "" {
		name = "moneyrite"
	}
	return &SpanTracer{Name: name}
}

func (t *SpanTracer) Span(ctx context.Context, name string, attrs map[string]string) (context.Context, func()) {
	opts := make([]oteltrace.SpanStartOption, 0, 1)
	if len(attrs) > 0 {
		kv := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kv = append(kv, attribute.String(k, v))
		}
		opts = append(opts, oteltrace.WithAttributes(kv...))
	}
	ctx, span := otel.Tracer(t.Name).Start(ctx, name, opts...)
	return ctx, func() { span.End() }
}
