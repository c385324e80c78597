package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes an audio track to a WAV file. Recording is local and keeps
// running regardless of call or transcription state.
type Recorder struct {
	dir string
	log *slog.Logger
}

func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	return &Recorder{dir: dir, log: logger.With(slog.String("component", "recorder"))}
}

// Record blocks until the track's frames channel closes or ctx is done and
// returns the path of the written file.
func (r *Recorder) Record(ctx context.Context, name string, track AudioTrack) (string, error) {
	if track == nil {
		return "", fmt.Errorf("record %s: no audio track", name)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(r.dir, name+".wav")
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}
	defer file.Close()

	enc := wav.NewEncoder(file, track.SampleRate(), 16, track.Channels(), 1)
	format := &audio.Format{NumChannels: track.Channels(), SampleRate: track.SampleRate()}
	written := 0

	frames := track.Frames()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-frames:
			if !ok {
				break loop
			}
			buf := &audio.IntBuffer{Format: format, SourceBitDepth: 16, Data: make([]int, len(frame))}
			for i, s := range frame {
				buf.Data[i] = int(s)
			}
			if err := enc.Write(buf); err != nil {
				return path, fmt.Errorf("write wav: %w", err)
			}
			written += len(frame)
		}
	}

	if err := enc.Close(); err != nil {
		return path, fmt.Errorf("close wav encoder: %w", err)
	}
	r.log.Info("recording saved", slog.String("path", path), slog.Int("samples", written))
	return path, nil
}
