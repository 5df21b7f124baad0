package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute helpers for poltr's hot paths, so spans and metrics carry a
// consistent key set.

// RegistrationOperation annotates a registration-saga step.
func RegistrationOperation(did, state, step string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("poltr.registration.did", did),
		attribute.String("poltr.registration.state", state),
		attribute.String("poltr.registration.step", step),
	}
}

// WorkerTick annotates one tick of a background worker.
func WorkerTick(worker string, processed, deferred int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("poltr.worker.name", worker),
		attribute.Int("poltr.worker.processed", processed),
		attribute.Int("poltr.worker.deferred", deferred),
	}
}

// PDSOperation annotates an outbound PDS call.
func PDSOperation(method string, admin bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("poltr.pds.method", method),
		attribute.Bool("poltr.pds.admin", admin),
	}
}

// ReviewOperation annotates a peer-review decision.
func ReviewOperation(argumentURI, vote, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("poltr.review.argument", argumentURI),
		attribute.String("poltr.review.vote", vote),
		attribute.String("poltr.review.decision", decision),
	}
}

// StartSpan starts a span on the globally registered tracer, so packages
// that don't hold a Provider can still trace their hot paths. Until New
// has installed a provider this yields no-op spans, which keeps the call
// sites unconditional.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("poltr.appview").Start(ctx, name, trace.WithAttributes(attrs...))
}

// SpanFromContext returns the current span, or a no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed (with the error recorded) or
// successful when err is nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
