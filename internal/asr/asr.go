// Package asr provides recognition engines for the transcription controller.
package asr

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/transcription"
)

// noSpeechTimeout is how long a session waits for any speech before it
// reports no-speech and ends.
const noSpeechTimeout = 8 * time.Second

// New builds the engine selected by cfg.Mode. The websocket engine opens its
// own audio-only capture from device for every session. Mode none returns a
// nil engine, which the controller reports as an unsupported environment.
func New(cfg config.TranscriptionConfig, device media.Device, clk clock.Clock, logger *slog.Logger) (transcription.Engine, error) {
	switch cfg.Mode {
	case "scripted":
		return NewScripted(cfg.Script, time.Duration(cfg.ScriptWordMS)*time.Millisecond, clk, logger), nil
	case "websocket":
		return NewWebsocket(cfg.Endpoint, device, clk, logger), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
