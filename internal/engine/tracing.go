package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope    = "taskflow.engine"
	traceSpanStep = "taskflow.engine.step"

	traceAttrThread = "taskflow.thread_id"
	traceAttrNode   = "taskflow.node"
	traceAttrStep   = "taskflow.step"
	traceAttrStatus = "taskflow.status"
)

func startStepSpan(ctx context.Context, tracer trace.Tracer, thread, node string, step int) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(traceScope)
	}
	return tracer.Start(ctx, traceSpanStep, trace.WithAttributes(
		attribute.String(traceAttrThread, thread),
		attribute.String(traceAttrNode, node),
		attribute.Int(traceAttrStep, step),
	))
}

func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
