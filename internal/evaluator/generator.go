package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Request is one committed answer handed to a generator backend.
type Request struct {
	SessionID   string
	TurnIndex   int
	Question    string
	Answer      string
	Role        string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk is streamed generator output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator produces interviewer feedback for an answer. Scoring, if any,
// belongs to the backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator picks the backend named by cfg.Mode.
func NewGenerator(cfg config.EvaluatorConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown evaluator mode %q", cfg.Mode)
	}
}

const systemPrompt = "You are an experienced interviewer. Give the candidate short, specific feedback on their answer: what worked, what was missing, and one concrete improvement."

// RequestFromAnalysis fills a generator request from a bus message and the
// configured defaults.
func RequestFromAnalysis(cfg config.EvaluatorConfig, msg protocol.AnalysisRequest) Request {
	role := msg.Role
	if role == "" {
		role = "candidate"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", role)
	fmt.Fprintf(&b, "Question %d: %s\n", msg.TurnIndex+1, strings.TrimSpace(msg.Question))
	fmt.Fprintf(&b, "Answer: %s\n", strings.TrimSpace(msg.Answer))
	return Request{
		SessionID:   msg.SessionID,
		TurnIndex:   msg.TurnIndex,
		Question:    msg.Question,
		Answer:      msg.Answer,
		Role:        role,
		System:      systemPrompt,
		Prompt:      b.String(),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TraceID:     msg.TraceID,
	}
}
