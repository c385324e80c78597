package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/faults"
)

// Manager acquires the capture stream once and is the only component that
// stops its tracks.
type Manager struct {
	device      Device
	constraints Constraints
	log         *slog.Logger

	mu        sync.Mutex
	stream    *Stream
	audioOnly bool
}

func NewManager(device Device, cfg config.CaptureConfig, logger *slog.Logger) *Manager {
	return &Manager{
		device:      device,
		constraints: Constraints{Video: cfg.Video, Audio: cfg.Audio},
		log:         logger.With(slog.String("component", "media")),
	}
}

// Acquire requests camera and microphone, falling back to audio only when the
// full request fails. Calling Acquire while a stream is held returns it.
func (m *Manager) Acquire(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return m.stream, nil
	}
	if m.device == nil {
		return nil, fmt.Errorf("no capture device: %w", faults.ErrDeviceUnavailable)
	}

	stream, err := m.device.GetUserMedia(ctx, m.constraints)
	if err == nil {
		m.stream = stream
		m.audioOnly = !stream.HasVideo()
		m.log.Info("media acquired", slog.String("stream", stream.ID()), slog.Bool("audio_only", m.audioOnly))
		return stream, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	m.log.Warn("media request failed, retrying audio only", slogError(err))

	stream, fallbackErr := m.device.GetUserMedia(ctx, Constraints{Video: false, Audio: true})
	if fallbackErr != nil {
		if errors.Is(fallbackErr, faults.ErrPermissionDenied) || errors.Is(err, faults.ErrPermissionDenied) {
			return nil, fmt.Errorf("acquire media: %w", faults.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("acquire media: %v: %w", fallbackErr, faults.ErrDeviceUnavailable)
	}
	m.stream = stream
	m.audioOnly = true
	m.log.Info("media acquired", slog.String("stream", stream.ID()), slog.Bool("audio_only", true))
	return stream, nil
}

// Release stops every owned track. It is safe to call on every exit path.
func (m *Manager) Release() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.audioOnly = false
	m.mu.Unlock()

	if stream == nil {
		return
	}
	for _, t := range stream.tracks {
		if !t.Stopped() {
			t.Stop()
		}
	}
	m.log.Info("media released", slog.String("stream", stream.ID()))
}

// Stream returns the shared stream, or nil before Acquire.
func (m *Manager) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *Manager) AudioOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOnly
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
