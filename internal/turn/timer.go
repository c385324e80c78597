// Package turn detects the end of a spoken answer from transcript silence.
package turn

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
)

// Timer counts silence since the transcript last grew and signals completion
// once the answer is long enough and the candidate has stopped talking.
type Timer struct {
	clock     clock.Clock
	tick      time.Duration
	silence   time.Duration
	minWords  int
	minChars  int
	listening func() bool
	log       *slog.Logger

	mu         sync.Mutex
	gen        uint64
	text       string
	elapsed    time.Duration
	fired      bool
	ticker     clock.Timer
	onComplete func(text string)
}

// New returns a timer that only advances while listening reports true. A nil
// listening func means always listening.
func New(cfg config.TurnConfig, clk clock.Clock, listening func() bool, logger *slog.Logger) *Timer {
	return &Timer{
		clock:     clk,
		tick:      time.Duration(cfg.TickMS) * time.Millisecond,
		silence:   time.Duration(cfg.SilenceSeconds) * time.Second,
		minWords:  cfg.MinWords,
		minChars:  cfg.MinChars,
		listening: listening,
		log:       logger.With(slog.String("component", "turn-timer")),
	}
}

// OnComplete sets the callback invoked when a turn completes.
func (t *Timer) OnComplete(fn func(text string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = fn
}

// Run ticks the timer until Stop.
func (t *Timer) Run() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		return
	}
	t.ticker = t.clock.Every(t.tick, t.Tick)
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

// OnTranscript records the latest transcript. Growth restarts the silence
// count.
func (t *Timer) OnTranscript(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observeLocked(text)
}

// TranscriptAt records text produced in recognition generation gen.
// Transcripts from a generation older than the last reset are dropped.
func (t *Timer) TranscriptAt(gen uint64, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen < t.gen {
		return
	}
	t.gen = gen
	t.observeLocked(text)
}

func (t *Timer) observeLocked(text string) {
	if text == t.text {
		return
	}
	t.text = text
	if strings.TrimSpace(text) != "" {
		t.elapsed = 0
		t.fired = false
	}
}

// Reset clears the transcript and the silence count together.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// ResetAt clears the timer for generation gen and ignores later
// transcripts from earlier generations.
func (t *Timer) ResetAt(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen < t.gen {
		return
	}
	t.gen = gen
	t.resetLocked()
}

func (t *Timer) resetLocked() {
	t.text = ""
	t.elapsed = 0
	t.fired = false
}

// Tick advances silence by one tick and evaluates completion. Nothing
// happens before any speech or while recognition is not listening.
func (t *Timer) Tick() {
	if t.listening != nil && !t.listening() {
		return
	}

	t.mu.Lock()
	text := strings.TrimSpace(t.text)
	if text == "" || t.fired {
		t.mu.Unlock()
		return
	}
	t.elapsed += t.tick
	words := len(strings.Fields(text))
	chars := utf8.RuneCountInString(text)
	if t.elapsed < t.silence || words < t.minWords || chars <= t.minChars {
		t.mu.Unlock()
		return
	}
	t.fired = true
	elapsed := t.elapsed
	fn := t.onComplete
	t.mu.Unlock()

	t.log.Debug("turn complete", slog.Duration("silence", elapsed), slog.Int("words", words), slog.Int("chars", chars))
	if fn != nil {
		fn(text)
	}
}

// Elapsed returns the silence counted since the last growth or reset.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

func (t *Timer) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}
