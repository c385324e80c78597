// Package media acquires and releases the candidate's camera and microphone
// and owns the resulting tracks for the lifetime of a session.
package media

import (
	"context"

	"github.com/loqalabs/loqa-interview/internal/protocol"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints selects which kinds of media are requested from a device.
type Constraints struct {
	Video bool
	Audio bool
}

// Track is a single captured media track.
type Track interface {
	ID() string
	Kind() Kind
	Stop()
	Stopped() bool
}

// AudioTrack is a track that also delivers 16-bit PCM frames. The channel is
// closed once the track stops.
type AudioTrack interface {
	Track
	Frames() <-chan []int16
	SampleRate() int
	Channels() int
}

// Device is the capture capability (getUserMedia).
type Device interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream groups the tracks returned by a single device request.
type Stream struct {
	id     string
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// AudioTrack returns the first audio track carrying PCM frames, if any.
func (s *Stream) AudioTrack() AudioTrack {
	for _, t := range s.tracks {
		if at, ok := t.(AudioTrack); ok {
			return at
		}
	}
	return nil
}

func (s *Stream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind() == KindVideo {
			return true
		}
	}
	return false
}

// Info describes the stream for signaling.
func (s *Stream) Info() protocol.StreamInfo {
	if s == nil {
		return protocol.StreamInfo{}
	}
	info := protocol.StreamInfo{ID: s.id}
	for _, t := range s.tracks {
		info.Tracks = append(info.Tracks, protocol.TrackInfo{ID: t.ID(), Kind: string(t.Kind())})
	}
	return info
}
