package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// ollamaGenerator streams feedback from an Ollama server's generate API.
type ollamaGenerator struct {
	url    string
	model  string
	client *http.Client
}

func NewOllamaGenerator(endpoint, model string) Generator {
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{
		url:    strings.TrimRight(endpoint, "/") + "/api/generate",
		model:  model,
		client: &http.Client{},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	System  string        `json:"system,omitempty"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaLine is one NDJSON object of a streamed reply. Failures mid-stream
// arrive as a line carrying only error.
type ollamaLine struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload, err := json.Marshal(ollamaRequest{
		Model:   g.model,
		System:  req.System,
		Prompt:  req.Prompt,
		Stream:  true,
		Options: ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return fmt.Errorf("encode ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", g.model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama %s: status %d: %s", g.model, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(resp.Body)
	var promptTokens, completionTokens int
	for {
		var line ollamaLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("ollama %s: %s", g.model, line.Error)
		}
		if line.PromptEvalCount > 0 {
			promptTokens = line.PromptEvalCount
		}
		if line.EvalCount > 0 {
			completionTokens = line.EvalCount
		}
		err := consumer(Chunk{
			Content:          line.Response,
			Partial:          !line.Done,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
		})
		if err != nil || line.Done {
			return err
		}
	}
}
