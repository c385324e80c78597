package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/rendezvous"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Port = -1
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	select {
	case <-rt.Ready():
	case err := <-done:
		t.Fatalf("runtime failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime never became ready")
	}
	return rt
}

func TestRuntimeServesHealthAndDirectory(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	base := "http://" + rt.Addr()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}

	dir := rendezvous.NewHTTPDirectory(base, 2*time.Second)
	ctx := context.Background()
	if _, err := dir.Join(ctx, "room", "a"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	peers, err := dir.Join(ctx, "room", "b")
	if err != nil || len(peers) != 1 || peers[0] != "a" {
		t.Fatalf("join b: %v %v", peers, err)
	}
}

func TestRuntimeArchivesAnswersAndFeedback(t *testing.T) {
	rt := startRuntime(t, testConfig(t))

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{rt.BusURL()},
		ConnectTimeout: 2000,
	}, "candidate", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	feedback := make(chan protocol.AnalysisFeedback, 1)
	sub, err := evaluator.SubscribeFeedback(client, "s-1", func(fb protocol.AnalysisFeedback) { feedback <- fb })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	err = evaluator.NewBusSubmitter(client).Submit(context.Background(), protocol.AnalysisRequest{
		SessionID: "s-1",
		TurnIndex: 0,
		Question:  "Why this role?",
		Answer:    "Because I enjoy debugging distributed systems",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectSessionStatus, protocol.SessionStatus{SessionID: "s-1", Mic: "off", Call: "none", Finalized: true}); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	select {
	case fb := <-feedback:
		if fb.Content == "" {
			t.Fatal("expected feedback content")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no feedback from evaluator")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		turns, err := rt.store.ListTurns(context.Background(), "s-1")
		if err != nil {
			t.Fatalf("list turns: %v", err)
		}
		events, err := rt.store.ListSessionEvents(context.Background(), "s-1", 10)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		sess, sessErr := rt.store.GetSession(context.Background(), "s-1")
		if len(turns) == 1 && len(events) >= 2 && sessErr == nil && !sess.FinalizedAt.IsZero() {
			if turns[0].Text != "Because I enjoy debugging distributed systems" {
				t.Fatalf("unexpected archived turn %+v", turns[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive incomplete: turns=%d events=%d session=%v", len(turns), len(events), sessErr)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get("http://" + rt.Addr() + "/sessions/s-1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET session: status %d", resp.StatusCode)
	}
	var view sessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if view.ID != "s-1" || len(view.Turns) != 1 || view.FinalizedAt == nil {
		t.Fatalf("unexpected session view %+v", view)
	}
	if len(view.Events) < 2 {
		t.Fatalf("expected status and feedback events, got %+v", view.Events)
	}

	missing, err := http.Get("http://" + rt.Addr() + "/sessions/nope")
	if err != nil {
		t.Fatalf("GET missing session: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", missing.StatusCode)
	}
}
