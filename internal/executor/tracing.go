package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startVisitSpan starts a span for one node visit's full step loop, carried
// over from the teacher's workflow-level span.
func (e *Executor) startVisitSpan(ctx context.Context, vc VisitContext) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "node.visit")
	span.SetAttributes(
		attribute.String("node.id", vc.NodeID),
		attribute.String("graph.id", vc.GraphID),
		attribute.String("stream.id", vc.StreamID),
		attribute.Int("node.visitNumber", vc.VisitNumber),
	)
	return ctx, span
}

// endVisitSpan ends the visit span with its final verdict.
func (e *Executor) endVisitSpan(span trace.Span, verdict string, err error) {
	span.SetAttributes(attribute.String("node.verdict", verdict))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startGoalSpan starts a span for the goal narrative backing a visit,
// carried over from the teacher's goal-level span.
func (e *Executor) startGoalSpan(ctx context.Context, goalName string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "goal."+goalName)
	span.SetAttributes(attribute.String("goal.name", goalName))
	return ctx, span
}
