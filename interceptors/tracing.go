package interceptors

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/future"
	"github.com/glimte/procflow/params"
)

const tracerName = "github.com/glimte/procflow/interceptors"

// TracingInterceptor opens a span around the inner levels and the step. Inner
// interceptors and the step receive the span context.
type TracingInterceptor struct {
	Base
	tracer trace.Tracer
}

// NewTracingInterceptor creates a new tracing interceptor
func NewTracingInterceptor(provider trace.TracerProvider) *TracingInterceptor {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingInterceptor{tracer: provider.Tracer(tracerName)}
}

// Around implements Interceptor
func (i *TracingInterceptor) Around(ctx context.Context, location contracts.Location, _ *params.View, event *InterceptionEvent, action *Action) *future.Future[*InterceptionEvent] {
	spanCtx, span := i.tracer.Start(ctx, "step "+location.String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("procflow.location", location.String()),
			attribute.String("procflow.event.id", event.Event().ID()),
			attribute.String("procflow.correlation_id", event.CorrelationID()),
		),
	)

	f := action.ProceedContext(spanCtx)
	f.OnComplete(func(_ *InterceptionEvent, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("procflow.error.type", TypeOf(err).String()))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	})
	return f
}
