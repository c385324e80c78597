package turn

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
)

func newTimer(listening func() bool) (*Timer, *clock.Fake, *[]string) {
	clk := clock.NewFake(time.Unix(0, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := New(config.Default().Turn, clk, listening, logger)
	var completed []string
	tm.OnComplete(func(text string) { completed = append(completed, text) })
	return tm, clk, &completed
}

func words(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestCompletionThresholds(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		seconds int
		want    bool
	}{
		{"long answer after silence", words("answer", 20), 4, true},
		{"long answer still talking", words("answer", 20), 3, false},
		{"too few words", words("yesyesyes", 10), 5, false},
		{"enough words too few chars", words("ok", 27), 5, false},
		{"exactly eighty chars", words("abcd", 16) + "e", 5, false},
		{"just over eighty chars", words("abcd", 16) + "ef", 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tm, clk, completed := newTimer(nil)
			tm.OnTranscript(tc.text)
			tm.Run()
			clk.Advance(time.Duration(tc.seconds) * time.Second)
			if got := len(*completed) == 1; got != tc.want {
				t.Fatalf("completion=%v want %v (words=%d chars=%d)", got, tc.want, len(strings.Fields(tc.text)), len(tc.text))
			}
		})
	}
}

func TestRepeatedYesDoesNotComplete(t *testing.T) {
	tm, clk, completed := newTimer(nil)
	text := words("yesyesyes", 10)
	if len(text) <= 80 || len(strings.Fields(text)) != 10 {
		t.Fatalf("bad fixture %q", text)
	}
	tm.OnTranscript(text)
	tm.Run()
	clk.Advance(5 * time.Second)
	if len(*completed) != 0 {
		t.Fatal("ten words must not complete a turn")
	}
}

func TestGrowthResetsSilence(t *testing.T) {
	tm, clk, completed := newTimer(nil)
	tm.Run()
	tm.OnTranscript(words("answer", 20))
	clk.Advance(3 * time.Second)
	tm.OnTranscript(words("answer", 21))
	if tm.Elapsed() != 0 {
		t.Fatalf("expected silence reset, got %v", tm.Elapsed())
	}
	clk.Advance(3 * time.Second)
	if len(*completed) != 0 {
		t.Fatal("completed before 4s of silence")
	}
	clk.Advance(time.Second)
	if len(*completed) != 1 {
		t.Fatal("expected completion after 4s of silence")
	}
}

func TestDoesNotRunWhileEmptyOrNotListening(t *testing.T) {
	listening := false
	tm, clk, completed := newTimer(func() bool { return listening })
	tm.Run()
	clk.Advance(10 * time.Second)
	if tm.Elapsed() != 0 {
		t.Fatal("silence counted before any speech")
	}

	tm.OnTranscript(words("answer", 20))
	clk.Advance(10 * time.Second)
	if tm.Elapsed() != 0 || len(*completed) != 0 {
		t.Fatal("silence counted while not listening")
	}

	listening = true
	clk.Advance(4 * time.Second)
	if len(*completed) != 1 {
		t.Fatal("expected completion once listening")
	}
}

func TestFiresOnceUntilReset(t *testing.T) {
	tm, clk, completed := newTimer(nil)
	tm.Run()
	tm.OnTranscript(words("answer", 20))
	clk.Advance(10 * time.Second)
	if len(*completed) != 1 {
		t.Fatalf("expected a single completion, got %d", len(*completed))
	}

	tm.Reset()
	if tm.Text() != "" || tm.Elapsed() != 0 {
		t.Fatal("reset must clear text and silence together")
	}
	tm.OnTranscript(words("second", 20))
	clk.Advance(4 * time.Second)
	if len(*completed) != 2 {
		t.Fatalf("expected completion for the next turn, got %d", len(*completed))
	}
}

func TestStopHaltsTicking(t *testing.T) {
	tm, clk, completed := newTimer(nil)
	tm.Run()
	tm.OnTranscript(words("answer", 20))
	tm.Stop()
	clk.Advance(10 * time.Second)
	if len(*completed) != 0 || clk.Pending() != 0 {
		t.Fatal("expected no ticks after stop")
	}
}

func TestTranscriptFromEarlierGenerationIgnored(t *testing.T) {
	tm, clk, completed := newTimer(nil)
	tm.Run()
	tm.TranscriptAt(1, words("answer", 20))
	tm.ResetAt(2)
	tm.TranscriptAt(1, words("answer", 21))
	if tm.Text() != "" {
		t.Fatalf("late transcript survived reset: %q", tm.Text())
	}
	clk.Advance(10 * time.Second)
	if len(*completed) != 0 {
		t.Fatal("late transcript completed a turn")
	}

	tm.ResetAt(1)
	tm.TranscriptAt(2, words("second", 20))
	clk.Advance(4 * time.Second)
	if len(*completed) != 1 {
		t.Fatalf("expected completion for the current generation, got %d", len(*completed))
	}
}
