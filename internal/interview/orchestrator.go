// Package interview binds the transcription session and the turn timer to
// the current question and commits each answer exactly once.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrTurnNotReached is returned when completing a question that has not
// been asked yet.
var ErrTurnNotReached = errors.New("turn not reached")

// Transcriber is the listening session driven by the orchestrator.
type Transcriber interface {
	Start() error
	Stop()
	Abort()
	Transcript() string
}

// Submitter forwards a committed answer to the evaluator.
type Submitter interface {
	Submit(ctx context.Context, req protocol.AnalysisRequest) error
}

// TurnRecorder persists committed turns.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, sessionID string, turn Turn) error
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingSpeech
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingSpeech:
		return "awaiting_speech"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Turn is one question and its committed answer.
type Turn struct {
	Index       int
	Question    string
	Text        string
	Advanced    bool
	CommittedAt time.Time
}

type Options struct {
	SessionID   string
	Role        string
	Questions   []Question
	Transcriber Transcriber
	Submitter   Submitter
	Recorder    TurnRecorder
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Orchestrator struct {
	sessionID   string
	role        string
	transcriber Transcriber
	submitter   Submitter
	recorder    TurnRecorder
	clock       clock.Clock
	log         *slog.Logger
	committed   metric.Int64Counter

	// commitMu is held across a whole commit, including the transcriber
	// reset, so a racing completion sees the cleared transcript.
	commitMu sync.Mutex

	mu       sync.Mutex
	phase    Phase
	index    int
	turns    []Turn
	onCommit []func(Turn)
}

func New(opts Options) (*Orchestrator, error) {
	if len(opts.Questions) == 0 {
		return nil, errors.New("interview needs at least one question")
	}
	if opts.Transcriber == nil {
		return nil, errors.New("interview needs a transcriber")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	turns := make([]Turn, len(opts.Questions))
	for i, q := range opts.Questions {
		turns[i] = Turn{Index: i, Question: q.Text}
	}
	o := &Orchestrator{
		sessionID:   opts.SessionID,
		role:        opts.Role,
		transcriber: opts.Transcriber,
		submitter:   opts.Submitter,
		recorder:    opts.Recorder,
		clock:       clk,
		log:         logger.With(slog.String("component", "interview"), slog.String("session_id", opts.SessionID)),
		turns:       turns,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-interview/interview").Int64Counter(
		"loqa.interview.turns_committed",
		metric.WithDescription("Answers committed"),
	)
	if err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		o.committed = counter
	}
	return o, nil
}

// OnCommit registers fn to run after every committed turn.
func (o *Orchestrator) OnCommit(fn func(Turn)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onCommit = append(o.onCommit, fn)
}

// StartInterview moves to the first question and starts listening. It is a
// no-op once the interview has started.
func (o *Orchestrator) StartInterview(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return nil
	}
	o.phase = PhaseAwaitingSpeech
	o.index = 0
	o.mu.Unlock()

	o.log.Info("interview started", slog.Int("questions", len(o.turns)))
	if err := o.transcriber.Start(); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	return nil
}

// CompleteTurn commits text as the answer to question index. Empty text and
// turns that were already committed are ignored; the bool reports whether
// this call committed.
func (o *Orchestrator) CompleteTurn(ctx context.Context, index int, text string) (bool, error) {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	return o.completeTurn(ctx, index, text)
}

func (o *Orchestrator) completeTurn(ctx context.Context, index int, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}

	o.mu.Lock()
	if o.phase != PhaseAwaitingSpeech || index < 0 || index >= len(o.turns) {
		o.mu.Unlock()
		return false, nil
	}
	if o.turns[index].Advanced {
		o.mu.Unlock()
		return false, nil
	}
	if index != o.index {
		o.mu.Unlock()
		return false, fmt.Errorf("complete turn %d while on %d: %w", index, o.index, ErrTurnNotReached)
	}
	turn := &o.turns[index]
	turn.Text = text
	turn.Advanced = true
	turn.CommittedAt = o.clock.Now().UTC()
	committed := *turn
	last := index+1 >= len(o.turns)
	if last {
		o.phase = PhaseFinalized
	} else {
		o.index = index + 1
	}
	hooks := append([]func(Turn){}, o.onCommit...)
	o.mu.Unlock()

	o.log.Info("turn committed", slog.Int("turn", index), slog.Int("chars", len(text)), slog.Bool("last", last))
	if o.committed != nil {
		o.committed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("last", last)))
	}
	o.submit(ctx, committed)

	o.transcriber.Abort()
	var startErr error
	if last {
		o.transcriber.Stop()
		o.log.Info("interview finalized")
	} else if err := o.transcriber.Start(); err != nil {
		startErr = fmt.Errorf("restart listening: %w", err)
	}

	if o.recorder != nil {
		if err := o.recorder.RecordTurn(ctx, o.sessionID, committed); err != nil {
			o.log.Warn("failed to record turn", slogError(err))
		}
	}
	for _, fn := range hooks {
		fn(committed)
	}
	return true, startErr
}

// OnTurnComplete is the turn timer's completion signal. It commits the live
// transcript for the current question.
func (o *Orchestrator) OnTurnComplete() {
	if _, err := o.NextQuestion(context.Background()); err != nil {
		o.log.Warn("auto-advance failed", slogError(err))
	}
}

// NextQuestion commits the live transcript for the current question. It
// does nothing while the transcript is empty.
func (o *Orchestrator) NextQuestion(ctx context.Context) (bool, error) {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	return o.completeTurn(ctx, o.Index(), o.transcriber.Transcript())
}

// Stop ends listening without committing anything.
func (o *Orchestrator) Stop() {
	o.transcriber.Stop()
}

func (o *Orchestrator) submit(ctx context.Context, turn Turn) {
	if o.submitter == nil {
		return
	}
	req := protocol.AnalysisRequest{
		SessionID: o.sessionID,
		TurnIndex: turn.Index,
		Question:  turn.Question,
		Answer:    turn.Text,
		Role:      o.role,
		Timestamp: turn.CommittedAt,
	}
	if err := o.submitter.Submit(ctx, req); err != nil {
		o.log.Warn("failed to submit answer for analysis", slogError(err), slog.Int("turn", turn.Index))
	}
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Index is the current question index.
func (o *Orchestrator) Index() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.index
}

// CurrentQuestion returns the question being answered, or "" once finalized.
func (o *Orchestrator) CurrentQuestion() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == PhaseFinalized {
		return ""
	}
	return o.turns[o.index].Question
}

func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Turn(nil), o.turns...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
