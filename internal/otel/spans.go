package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for lifecycle spans.
var (
	AttrTaskID     = attribute.Key("proofline.task.id")
	AttrPhase      = attribute.Key("proofline.phase")
	AttrActorID    = attribute.Key("proofline.actor.id")
	AttrOperation  = attribute.Key("proofline.operation")
	AttrErrorKind  = attribute.Key("proofline.error.kind")
	AttrRoute      = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request, continuing
// any trace carried in the request's traceparent header.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, header http.Header, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndServerSpan records the response status and ends span. 5xx responses
// mark the span as failed.
func EndServerSpan(span trace.Span, status int) {
	span.SetAttributes(AttrHTTPStatus.Int(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// EndSpan records err (if any) with its kind and ends span.
func EndSpan(span trace.Span, err error, kind string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(AttrErrorKind.String(kind))
	}
	span.End()
}
