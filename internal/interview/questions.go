package interview

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/config"
	"gopkg.in/yaml.v3"
)

// Question is one prompt in a question bank.
type Question struct {
	Text  string `yaml:"text"`
	Topic string `yaml:"topic,omitempty"`
}

// Bank is the on-disk question bank format.
type Bank struct {
	Role      string     `yaml:"role"`
	Questions []Question `yaml:"questions"`
}

// LoadQuestions reads the bank named by cfg.QuestionsFile, or falls back to
// the inline questions. The returned role is the bank's role if set.
func LoadQuestions(cfg config.InterviewConfig) ([]Question, string, error) {
	role := cfg.Role
	var questions []Question
	if cfg.QuestionsFile != "" {
		data, err := os.ReadFile(cfg.QuestionsFile)
		if err != nil {
			return nil, "", fmt.Errorf("read question bank: %w", err)
		}
		var bank Bank
		if err := yaml.Unmarshal(data, &bank); err != nil {
			return nil, "", fmt.Errorf("parse question bank: %w", err)
		}
		if bank.Role != "" {
			role = bank.Role
		}
		questions = bank.Questions
	} else {
		for _, q := range cfg.Questions {
			questions = append(questions, Question{Text: q})
		}
	}

	out := questions[:0]
	for _, q := range questions {
		q.Text = strings.TrimSpace(q.Text)
		if q.Text != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, "", errors.New("question bank is empty")
	}
	return out, role, nil
}
