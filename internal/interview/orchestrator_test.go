package interview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

type fakeTranscriber struct {
	mu         sync.Mutex
	calls      []string
	transcript string
}

func (f *fakeTranscriber) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTranscriber) Start() error { f.record("start"); return nil }

func (f *fakeTranscriber) Stop() { f.record("stop") }

func (f *fakeTranscriber) Abort() {
	f.mu.Lock()
	f.transcript = ""
	f.mu.Unlock()
	f.record("abort")
}

func (f *fakeTranscriber) Transcript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

func (f *fakeTranscriber) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []protocol.AnalysisRequest
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req protocol.AnalysisRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns []Turn
}

func (f *fakeRecorder) RecordTurn(_ context.Context, _ string, turn Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return nil
}

type fixture struct {
	orch        *Orchestrator
	transcriber *fakeTranscriber
	submitter   *fakeSubmitter
	recorder    *fakeRecorder
}

func newFixture(t *testing.T, questions ...string) fixture {
	t.Helper()
	var qs []Question
	for _, q := range questions {
		qs = append(qs, Question{Text: q})
	}
	f := fixture{transcriber: &fakeTranscriber{}, submitter: &fakeSubmitter{}, recorder: &fakeRecorder{}}
	orch, err := New(Options{
		SessionID:   "session-1",
		Role:        "backend engineer",
		Questions:   qs,
		Transcriber: f.transcriber,
		Submitter:   f.submitter,
		Recorder:    f.recorder,
		Clock:       clock.NewFake(time.Unix(1700000000, 0)),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func TestStartInterviewStartsListeningOnce(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	if err := f.orch.StartInterview(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.StartInterview(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.orch.Phase() != PhaseAwaitingSpeech || f.orch.Index() != 0 {
		t.Fatalf("unexpected state %v/%d", f.orch.Phase(), f.orch.Index())
	}
	if got := f.transcriber.Calls(); !reflect.DeepEqual(got, []string{"start"}) {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestCompleteTurnIgnoresBlankText(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	_ = f.orch.StartInterview(context.Background())

	for _, text := range []string{"", "   ", "\n\t"} {
		ok, err := f.orch.CompleteTurn(context.Background(), 0, text)
		if ok || err != nil {
			t.Fatalf("blank text %q committed: %v %v", text, ok, err)
		}
	}
	if f.orch.Index() != 0 || len(f.submitter.reqs) != 0 {
		t.Fatal("blank text must not advance")
	}
}

func TestCompleteTurnCommitsOnce(t *testing.T) {
	f := newFixture(t, "q1", "q2", "q3")
	ctx := context.Background()
	_ = f.orch.StartInterview(ctx)

	ok, err := f.orch.CompleteTurn(ctx, 0, "my first answer")
	if !ok || err != nil {
		t.Fatalf("expected commit, got %v %v", ok, err)
	}
	turnsAfterFirst := f.orch.Turns()
	callsAfterFirst := f.transcriber.Calls()

	ok, err = f.orch.CompleteTurn(ctx, 0, "a different answer")
	if ok || err != nil {
		t.Fatalf("second completion committed: %v %v", ok, err)
	}
	if !reflect.DeepEqual(f.orch.Turns(), turnsAfterFirst) || f.orch.Index() != 1 {
		t.Fatal("state changed after duplicate completion")
	}
	if !reflect.DeepEqual(f.transcriber.Calls(), callsAfterFirst) {
		t.Fatalf("duplicate completion touched the transcriber: %v", f.transcriber.Calls())
	}
	if want := []string{"start", "abort", "start"}; !reflect.DeepEqual(callsAfterFirst, want) {
		t.Fatalf("expected %v, got %v", want, callsAfterFirst)
	}
	if len(f.submitter.reqs) != 1 || len(f.recorder.turns) != 1 {
		t.Fatalf("expected one submission and one record, got %d/%d", len(f.submitter.reqs), len(f.recorder.turns))
	}
	req := f.submitter.reqs[0]
	if req.SessionID != "session-1" || req.Question != "q1" || req.Answer != "my first answer" || req.Role != "backend engineer" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestConcurrentCompletionsCommitOnce(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	_ = f.orch.StartInterview(context.Background())
	f.transcriber.mu.Lock()
	f.transcriber.transcript = "an answer long enough to count"
	f.transcriber.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	commits := 0
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if ok, _ := f.orch.CompleteTurn(context.Background(), 0, "an answer long enough to count"); ok {
				mu.Lock()
				commits++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			f.orch.OnTurnComplete()
		}()
	}
	wg.Wait()

	turns := f.orch.Turns()
	if !turns[0].Advanced || turns[1].Advanced {
		t.Fatalf("expected only the first turn committed: %+v", turns)
	}
	if len(f.submitter.reqs) != 1 {
		t.Fatalf("expected a single submission, got %d", len(f.submitter.reqs))
	}
	if commits > 1 {
		t.Fatalf("expected at most one explicit commit, got %d", commits)
	}
}

func TestNextQuestionUsesLiveTranscript(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	ctx := context.Background()
	_ = f.orch.StartInterview(ctx)

	if ok, _ := f.orch.NextQuestion(ctx); ok {
		t.Fatal("next question with empty transcript must not advance")
	}
	f.transcriber.transcript = "spoken answer"
	if ok, err := f.orch.NextQuestion(ctx); !ok || err != nil {
		t.Fatalf("expected commit, got %v %v", ok, err)
	}
	if f.orch.Turns()[0].Text != "spoken answer" || f.orch.CurrentQuestion() != "q2" {
		t.Fatalf("unexpected state %+v", f.orch.Turns())
	}
}

func TestLastTurnFinalizes(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	ctx := context.Background()
	_ = f.orch.StartInterview(ctx)
	var hooked []int
	f.orch.OnCommit(func(turn Turn) { hooked = append(hooked, turn.Index) })

	_, _ = f.orch.CompleteTurn(ctx, 0, "first")
	_, _ = f.orch.CompleteTurn(ctx, 1, "second")

	if f.orch.Phase() != PhaseFinalized || f.orch.CurrentQuestion() != "" {
		t.Fatalf("expected finalized, got %v", f.orch.Phase())
	}
	want := []string{"start", "abort", "start", "abort", "stop"}
	if got := f.transcriber.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !reflect.DeepEqual(hooked, []int{0, 1}) {
		t.Fatalf("unexpected commit hooks %v", hooked)
	}
	if ok, _ := f.orch.CompleteTurn(ctx, 1, "again"); ok {
		t.Fatal("finalized interview accepted another answer")
	}
}

func TestCompleteTurnAheadOfIndex(t *testing.T) {
	f := newFixture(t, "q1", "q2", "q3")
	_ = f.orch.StartInterview(context.Background())
	_, err := f.orch.CompleteTurn(context.Background(), 2, "skipping ahead")
	if !errors.Is(err, ErrTurnNotReached) {
		t.Fatalf("expected ErrTurnNotReached, got %v", err)
	}
}

func TestSubmitFailureDoesNotBlockAdvance(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	f.submitter.err = errors.New("bus down")
	_ = f.orch.StartInterview(context.Background())
	if ok, err := f.orch.CompleteTurn(context.Background(), 0, "answer"); !ok || err != nil {
		t.Fatalf("expected commit despite submit failure: %v %v", ok, err)
	}
	if f.orch.Index() != 1 {
		t.Fatal("expected advance")
	}
}

func TestLoadQuestions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.yaml")
	data := []byte(`
role: site reliability engineer
questions:
  - text: Describe an outage you handled.
    topic: incidents
  - text: "  "
  - text: How do you plan capacity?
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	questions, role, err := LoadQuestions(config.InterviewConfig{QuestionsFile: path, Role: "default"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if role != "site reliability engineer" || len(questions) != 2 || questions[0].Topic != "incidents" {
		t.Fatalf("unexpected bank %q %+v", role, questions)
	}

	inline, role, err := LoadQuestions(config.InterviewConfig{Questions: []string{"Why us?"}, Role: "default"})
	if err != nil || len(inline) != 1 || role != "default" {
		t.Fatalf("unexpected inline load %+v %q %v", inline, role, err)
	}

	if _, _, err := LoadQuestions(config.InterviewConfig{}); err == nil {
		t.Fatal("expected error for empty bank")
	}
}
