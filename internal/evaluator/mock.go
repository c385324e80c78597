package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	mockDelay       = 20 * time.Millisecond
	detailThreshold = 40
)

var fillerWords = map[string]bool{
	"um": true, "uh": true, "er": true, "basically": true, "actually": true, "literally": true,
}

// mockGenerator streams plain observations about an answer without any model:
// length, filler words and whether it is long enough to carry an example.
type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mockDelay):
	}
	notes := answerNotes(req.TurnIndex, req.Answer)
	for i, note := range notes {
		content := note
		if i > 0 {
			content = " " + note
		}
		if err := consumer(Chunk{Content: content, Partial: i < len(notes)-1, Latency: mockDelay}); err != nil {
			return err
		}
	}
	return nil
}

func answerNotes(turnIndex int, answer string) []string {
	words := strings.Fields(strings.ToLower(answer))
	notes := []string{fmt.Sprintf("Question %d: %d words.", turnIndex+1, len(words))}

	counts := map[string]int{}
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?")
		if fillerWords[w] {
			counts[w]++
		}
	}
	if len(counts) == 0 {
		notes = append(notes, "No filler words.")
	} else {
		found := make([]string, 0, len(counts))
		for w := range counts {
			found = append(found, w)
		}
		sort.Strings(found)
		parts := make([]string, len(found))
		for i, w := range found {
			parts[i] = fmt.Sprintf("%s (%d)", w, counts[w])
		}
		notes = append(notes, "Filler words: "+strings.Join(parts, ", ")+".")
	}

	if len(words) < detailThreshold {
		notes = append(notes, "Try adding a concrete example.")
	} else {
		notes = append(notes, "Good level of detail.")
	}
	return notes
}
