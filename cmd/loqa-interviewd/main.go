// Command loqa-interviewd runs the interview daemon: the message bus, the
// peer directory, the answer evaluator and the session archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/interview"
	"github.com/loqalabs/loqa-interview/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "loqa-interview.yaml", "Path to configuration file")
	check := flag.Bool("check", false, "Validate the configuration and question bank, then exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *check {
		os.Exit(checkConfig(cfg))
	}

	logger := runtime.NewLogger(cfg.Telemetry, os.Stdout).With(slog.String("version", version))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// checkConfig prints what a session mounted with cfg would run.
func checkConfig(cfg config.Config) int {
	questions, role, err := interview.LoadQuestions(cfg.Interview)
	if err != nil {
		fmt.Fprintln(os.Stderr, "questions:", err)
		return 1
	}
	fmt.Printf("role: %s\n", role)
	for i, q := range questions {
		fmt.Printf("  %d. %s\n", i+1, q.Text)
	}
	fmt.Printf("transcription: %s (min confidence %.2f)\n", cfg.Transcription.Mode, cfg.Transcription.MinConfidence)
	fmt.Printf("turn: %ds silence, %d words, >%d chars\n", cfg.Turn.SilenceSeconds, cfg.Turn.MinWords, cfg.Turn.MinChars)
	fmt.Printf("evaluator: enabled=%t mode=%s\n", cfg.Evaluator.Enabled, cfg.Evaluator.Mode)
	fmt.Printf("directory: enabled=%t backend=%s\n", cfg.Directory.Enabled, cfg.Directory.Backend)
	return 0
}
