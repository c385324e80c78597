// Command loqa-interview-sim runs one scripted candidate through a full
// interview against a running loqa-interviewd.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asr"
	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/rendezvous"
	"github.com/loqalabs/loqa-interview/internal/runtime"
	"github.com/loqalabs/loqa-interview/internal/session"
)

func main() {
	var (
		configPath string
		peerID     string
		room       string
		timeout    time.Duration
		linger     time.Duration
	)
	flag.StringVar(&configPath, "config", "loqa-interview.yaml", "Path to configuration file")
	flag.StringVar(&peerID, "peer", "", "Peer id to register with (random when empty)")
	flag.StringVar(&room, "room", "", "Session key shared with the interview partner (overrides rendezvous.session_key)")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Give up if the interview has not finished by then")
	flag.DurationVar(&linger, "linger", 3*time.Second, "Wait this long for feedback after the last answer")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if room != "" {
		cfg.Rendezvous.SessionKey = room
	}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := run(ctx, cfg, peerID, timeout, linger, logger)
	if err != nil {
		logger.Error("simulation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
}

func run(ctx context.Context, cfg config.Config, peerID string, timeout, linger time.Duration, logger *slog.Logger) (session.Snapshot, error) {
	client, err := bus.Connect(ctx, cfg.Bus, "loqa-interview-sim", logger.With(slog.String("component", "bus")))
	if err != nil {
		return session.Snapshot{}, err
	}
	defer client.Close()

	clk := clock.New()
	device := media.NewSyntheticDevice(cfg.Capture).WithTone(220)
	engine, err := asr.New(cfg.Transcription, device, clk, logger)
	if err != nil {
		return session.Snapshot{}, err
	}

	deps := session.Deps{
		Device:    device,
		Engine:    engine,
		Submitter: evaluator.NewBusSubmitter(client),
		Publisher: client,
		Clock:     clk,
		Logger:    logger,
	}
	if cfg.Rendezvous.Enabled && cfg.Rendezvous.SessionKey != "" {
		transport, err := rendezvous.NewNATSTransport(client, peerID, logger)
		if err != nil {
			return session.Snapshot{}, err
		}
		defer transport.Close()
		deps.Transport = transport
		deps.Directory = rendezvous.NewHTTPDirectory(cfg.Rendezvous.DirectoryURL, time.Duration(cfg.Rendezvous.RequestTimeoutMS)*time.Millisecond)
	}

	sess, err := session.New(cfg, deps)
	if err != nil {
		return session.Snapshot{}, err
	}
	sub, err := evaluator.SubscribeFeedback(client, sess.ID(), func(fb protocol.AnalysisFeedback) {
		logger.Info("feedback", slog.Int("turn", fb.TurnIndex), slog.String("content", fb.Content))
		sess.HandleFeedback(fb)
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	defer sess.Unmount(context.Background())
	if err := sess.Mount(ctx); err != nil {
		return sess.Snapshot(), err
	}

	select {
	case <-sess.Done():
		logger.Info("interview finished", slog.String("session_id", sess.ID()))
		select {
		case <-time.After(linger):
		case <-ctx.Done():
		}
	case <-time.After(timeout):
		return sess.Snapshot(), fmt.Errorf("interview did not finish within %s", timeout)
	case <-ctx.Done():
		logger.Info("interrupted")
	}
	return sess.Snapshot(), nil
}
