package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs an external command per answer. The command reads one
// JSON request on stdin and writes one or more JSON objects on stdout, each
// {"content": "...", "done": bool}. A single object without done is the
// whole reply.
type execGenerator struct {
	argv []string
}

type execRequest struct {
	SessionID   string  `json:"session_id"`
	TurnIndex   int     `json:"turn_index"`
	Role        string  `json:"role"`
	Question    string  `json:"question"`
	Answer      string  `json:"answer"`
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TraceID     string  `json:"trace_id,omitempty"`
}

type execChunk struct {
	Content          string `json:"content"`
	Done             *bool  `json:"done,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse evaluator command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("evaluator command is empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		SessionID:   req.SessionID,
		TurnIndex:   req.TurnIndex,
		Role:        req.Role,
		Question:    req.Question,
		Answer:      req.Answer,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TraceID:     req.TraceID,
	})
	if err != nil {
		return fmt.Errorf("encode evaluator input: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", g.argv[0], err)
	}

	streamErr := g.stream(stdout, start, consumer)
	if streamErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("evaluator command %s: %w: %s", g.argv[0], err, msg)
	}
	return streamErr
}

func (g *execGenerator) stream(stdout io.Reader, start time.Time, consumer func(Chunk) error) error {
	dec := json.NewDecoder(stdout)
	for {
		var out execChunk
		if err := dec.Decode(&out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode evaluator output: %w", err)
		}
		partial := out.Done != nil && !*out.Done
		if err := consumer(Chunk{
			Content:          out.Content,
			Partial:          partial,
			PromptTokens:     out.PromptTokens,
			CompletionTokens: out.CompletionTokens,
			Latency:          time.Since(start),
		}); err != nil {
			return err
		}
	}
}
