package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BusSubmitter publishes committed answers for analysis.
type BusSubmitter struct {
	bus    *bus.Client
	tracer trace.Tracer
}

func NewBusSubmitter(busClient *bus.Client) *BusSubmitter {
	return &BusSubmitter{
		bus:    busClient,
		tracer: otel.Tracer("github.com/loqalabs/loqa-interview/evaluator"),
	}
}

// Submit does not wait for feedback; replies arrive on the feedback subject.
func (b *BusSubmitter) Submit(ctx context.Context, req protocol.AnalysisRequest) error {
	_, span := b.tracer.Start(ctx, "evaluator.submit", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("turn.index", req.TurnIndex),
	))
	defer span.End()
	if req.TraceID == "" && span.SpanContext().HasTraceID() {
		req.TraceID = span.SpanContext().TraceID().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if err := b.bus.PublishJSON(protocol.SubjectAnalysisRequest, req); err != nil {
		span.RecordError(err)
		return fmt.Errorf("submit analysis: %w", err)
	}
	return nil
}

// SubscribeFeedback delivers feedback for sessionID to fn. An empty
// sessionID receives every session's feedback.
func SubscribeFeedback(busClient *bus.Client, sessionID string, fn func(protocol.AnalysisFeedback)) (*nats.Subscription, error) {
	return bus.SubscribeJSON(busClient, protocol.SubjectAnalysisFeedback, func(fb protocol.AnalysisFeedback, _ *nats.Msg) {
		if sessionID != "" && fb.SessionID != sessionID {
			return
		}
		fn(fb)
	})
}
