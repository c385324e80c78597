package natsserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabledReturnsNil(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when embedded mode is disabled")
	}
	srv.Shutdown()
	if srv.Connections() != 0 || srv.ClientURL() != "" {
		t.Fatal("nil server should report nothing")
	}
}

func TestEmbeddedServerRoundTrip(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sub, err := bus.SubscribeJSON(client, "echo", func(body map[string]string, msg *nats.Msg) {
		body["echoed"] = "true"
		data, _ := json.Marshal(body)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply map[string]string
	if err := client.RequestJSON(ctx, "echo", map[string]string{"hello": "world"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply["hello"] != "world" || reply["echoed"] != "true" {
		t.Fatalf("unexpected reply %v", reply)
	}
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
	if n := srv.Connections(); n != 1 {
		t.Fatalf("expected one client, got %d", n)
	}
}
