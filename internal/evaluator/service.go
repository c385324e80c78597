package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// FeedbackRecorder persists feedback once it has been published.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, fb protocol.AnalysisFeedback) error
}

// Service answers analysis requests from the bus with feedback produced by a
// Generator.
type Service struct {
	cfg       config.EvaluatorConfig
	bus       *bus.Client
	generator Generator
	recorder  FeedbackRecorder
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	tracer    trace.Tracer
	latency   metric.Float64Histogram
	logger    *slog.Logger

	mu    sync.Mutex
	ready bool
}

func NewService(parent context.Context, cfg config.EvaluatorConfig, busClient *bus.Client, generator Generator, recorder FeedbackRecorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		recorder:  recorder,
		ctx:       ctx,
		cancel:    cancel,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-interview/evaluator"),
		logger:    logger.With(slog.String("component", "evaluator")),
	}
	var err error
	s.latency, err = otel.Meter("github.com/loqalabs/loqa-interview/evaluator").Float64Histogram(
		"loqa.evaluator.latency_ms",
		metric.WithDescription("Time from analysis request to published feedback"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := bus.SubscribeJSON(s.bus, protocol.SubjectAnalysisRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("evaluator started", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// handleRequest runs on the subscription goroutine, which may still be
// delivering while Close drains. Requests arriving after Close are dropped
// so the wait group is never added to during Wait.
func (s *Service) handleRequest(req protocol.AnalysisRequest, _ *nats.Msg) {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		s.logger.Debug("dropping analysis request after close", slog.String("session_id", req.SessionID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		if _, err := s.Evaluate(ctx, req); err != nil {
			s.logger.Warn("analysis failed",
				slog.String("session_id", req.SessionID),
				slog.Int("turn", req.TurnIndex),
				slogError(err))
		}
	}()
}

// Evaluate runs the generator for one request, publishes the feedback and
// records it.
func (s *Service) Evaluate(ctx context.Context, req protocol.AnalysisRequest) (protocol.AnalysisFeedback, error) {
	ctx, span := s.tracer.Start(ctx, "evaluator.analyze", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("turn.index", req.TurnIndex),
	))
	defer span.End()

	start := time.Now()
	genReq := RequestFromAnalysis(s.cfg, req)
	var content strings.Builder
	err := s.generator.Generate(ctx, genReq, func(chunk Chunk) error {
		content.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.AnalysisFeedback{}, err
	}

	elapsed := time.Since(start)
	fb := protocol.AnalysisFeedback{
		SessionID: req.SessionID,
		TurnIndex: req.TurnIndex,
		Content:   strings.TrimSpace(content.String()),
		LatencyMS: elapsed.Milliseconds(),
		TraceID:   req.TraceID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectAnalysisFeedback, fb); err != nil {
		span.RecordError(err)
		return fb, fmt.Errorf("publish feedback: %w", err)
	}
	if s.latency != nil {
		s.latency.Record(ctx, float64(elapsed.Milliseconds()))
	}
	if s.recorder != nil {
		if err := s.recorder.RecordFeedback(ctx, fb); err != nil {
			s.logger.Warn("failed to record feedback", slogError(err))
		}
	}
	s.logger.Info("feedback published",
		slog.String("session_id", fb.SessionID),
		slog.Int("turn", fb.TurnIndex),
		slog.Duration("latency", elapsed))
	return fb, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
