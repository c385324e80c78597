package media

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interview/internal/config"
)

// SyntheticDevice produces a generated audio track and a placeholder video
// track. It stands in for real hardware in the simulator and in tests.
type SyntheticDevice struct {
	sampleRate    int
	channels      int
	frameDuration time.Duration
	toneHz        float64
}

func NewSyntheticDevice(cfg config.CaptureConfig) *SyntheticDevice {
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &SyntheticDevice{
		sampleRate:    cfg.SampleRate,
		channels:      cfg.Channels,
		frameDuration: frame,
	}
}

// WithTone makes the audio track emit a sine wave instead of silence.
func (d *SyntheticDevice) WithTone(hz float64) *SyntheticDevice {
	d.toneHz = hz
	return d
}

func (d *SyntheticDevice) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tracks []Track
	if c.Audio {
		tracks = append(tracks, newSyntheticAudioTrack(d.sampleRate, d.channels, d.frameDuration, d.toneHz))
	}
	if c.Video {
		tracks = append(tracks, &basicTrack{id: uuid.NewString(), kind: KindVideo})
	}
	return NewStream(uuid.NewString(), tracks...), nil
}

type basicTrack struct {
	id      string
	kind    Kind
	mu      sync.Mutex
	stopped bool
}

func (t *basicTrack) ID() string { return t.id }
func (t *basicTrack) Kind() Kind { return t.kind }

func (t *basicTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *basicTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type syntheticAudioTrack struct {
	basicTrack
	sampleRate int
	channels   int
	frames     chan []int16
	done       chan struct{}
	once       sync.Once
}

func newSyntheticAudioTrack(sampleRate, channels int, frame time.Duration, toneHz float64) *syntheticAudioTrack {
	t := &syntheticAudioTrack{
		basicTrack: basicTrack{id: uuid.NewString(), kind: KindAudio},
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make(chan []int16, 50),
		done:       make(chan struct{}),
	}
	samples := int(float64(sampleRate)*frame.Seconds()) * channels
	go t.run(frame, samples, toneHz)
	return t
}

func (t *syntheticAudioTrack) run(frame time.Duration, samples int, toneHz float64) {
	defer close(t.frames)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * toneHz / float64(t.sampleRate)
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			buf := make([]int16, samples)
			if toneHz > 0 {
				for i := 0; i < samples; i += t.channels {
					v := int16(math.Sin(phase) * 3000)
					for ch := 0; ch < t.channels; ch++ {
						buf[i+ch] = v
					}
					phase += step
				}
			}
			select {
			case t.frames <- buf:
			default:
			}
		}
	}
}

func (t *syntheticAudioTrack) Stop() {
	t.basicTrack.Stop()
	t.once.Do(func() { close(t.done) })
}

func (t *syntheticAudioTrack) Frames() <-chan []int16 { return t.frames }
func (t *syntheticAudioTrack) SampleRate() int { return t.sampleRate }
func (t *syntheticAudioTrack) Channels() int { return t.channels }
