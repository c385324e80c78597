package asr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/faults"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/transcription"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsDrainTimeout = 3 * time.Second
)

// Websocket streams microphone PCM to a vosk-server compatible endpoint.
type Websocket struct {
	endpoint string
	device   media.Device
	clock    clock.Clock
	log      *slog.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	session *wsSession
}

type voskWord struct {
	Word string  `json:"word"`
	Conf float64 `json:"conf"`
}

type voskResult struct {
	Text    string     `json:"text"`
	Partial string     `json:"partial"`
	Result  []voskWord `json:"result"`
}

type voskConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

func NewWebsocket(endpoint string, device media.Device, clk clock.Clock, logger *slog.Logger) *Websocket {
	return &Websocket{
		endpoint: endpoint,
		device:   device,
		clock:    clk,
		log:      logger.With(slog.String("component", "asr-websocket")),
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

func (w *Websocket) Start(sink transcription.Sink) error {
	if w.device == nil {
		return faults.ErrUnsupportedEnvironment
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &wsSession{
		engine: w,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.session
	w.session = sess
	w.mu.Unlock()
	if prev != nil {
		prev.abort()
	}

	go sess.run()
	return nil
}

func (w *Websocket) Stop() {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess != nil {
		sess.requestStop()
	}
}

func (w *Websocket) Abort() {
	w.mu.Lock()
	sess := w.session
	w.session = nil
	w.mu.Unlock()
	if sess != nil {
		sess.abort()
	}
}

func (w *Websocket) release(sess *wsSession) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == sess {
		w.session = nil
	}
}

type wsSession struct {
	engine *Websocket
	sink   transcription.Sink
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stop     chan struct{}

	mu      sync.Mutex
	aborted bool
}

func (s *wsSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *wsSession) abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.cancel()
}

func (s *wsSession) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *wsSession) fail(code transcription.ErrorCode) {
	if !s.isAborted() {
		s.sink.OnError(code)
	}
}

func (s *wsSession) run() {
	log := s.engine.log
	defer s.engine.release(s)
	defer func() {
		if !s.isAborted() {
			s.sink.OnEnd()
		}
	}()

	stream, err := s.engine.device.GetUserMedia(s.ctx, media.Constraints{Audio: true})
	if err != nil {
		log.Warn("open microphone failed", slogError(err))
		if errors.Is(err, faults.ErrPermissionDenied) {
			s.fail(transcription.ErrorNotAllowed)
		} else {
			s.fail(transcription.ErrorAudioCapture)
		}
		return
	}
	defer func() {
		for _, t := range stream.Tracks() {
			t.Stop()
		}
	}()
	track := stream.AudioTrack()
	if track == nil {
		s.fail(transcription.ErrorAudioCapture)
		return
	}

	conn, _, err := s.engine.dialer.DialContext(s.ctx, s.engine.endpoint, nil)
	if err != nil {
		log.Warn("connect to recognizer failed", slogError(err))
		s.fail(transcription.ErrorNetwork)
		return
	}
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		_ = conn.Close()
	}()
	defer s.cancel()

	var cfg voskConfig
	cfg.Config.SampleRate = track.SampleRate()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(cfg); err != nil {
		s.fail(transcription.ErrorNetwork)
		return
	}
	if !s.isAborted() {
		s.sink.OnStart()
	}

	readErr := make(chan error, 1)
	heard := make(chan struct{}, 1)
	go func() { readErr <- s.readResults(conn, heard) }()

	noSpeech := s.engine.clock.AfterFunc(noSpeechTimeout, func() {
		s.fail(transcription.ErrorNoSpeech)
		s.requestStop()
	})
	defer noSpeech.Stop()

	frames := track.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heard:
			noSpeech.Stop()
		case err := <-readErr:
			if err != nil && !s.isAborted() {
				log.Warn("recognizer connection lost", slogError(err))
				s.fail(transcription.ErrorNetwork)
			}
			return
		case <-s.stop:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
				return
			}
			select {
			case <-readErr:
			case <-s.ctx.Done():
			case <-time.After(wsDrainTimeout):
			}
			return
		case frame, ok := <-frames:
			if !ok {
				s.fail(transcription.ErrorAudioCapture)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, pcmBytes(frame)); err != nil {
				if !s.isAborted() {
					s.fail(transcription.ErrorNetwork)
				}
				return
			}
		}
	}
}

// readResults forwards recognizer messages until the connection closes. A
// normal close returns nil.
func (s *wsSession) readResults(conn *websocket.Conn, heard chan<- struct{}) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var result voskResult
		if err := json.Unmarshal(message, &result); err != nil {
			s.engine.log.Warn("failed to decode recognizer result", slogError(err))
			continue
		}
		var seg transcription.Segment
		switch {
		case result.Text != "":
			seg = transcription.Segment{Transcript: result.Text, Confidence: meanConfidence(result.Result), IsFinal: true}
		case result.Partial != "":
			seg = transcription.Segment{Transcript: result.Partial, Confidence: 1}
		default:
			continue
		}
		select {
		case heard <- struct{}{}:
		default:
		}
		if s.isAborted() {
			return nil
		}
		s.sink.OnResult([]transcription.Segment{seg})
	}
}

func meanConfidence(words []voskWord) float64 {
	if len(words) == 0 {
		return 1
	}
	total := 0.0
	for _, w := range words {
		total += w.Conf
	}
	return total / float64(len(words))
}

func pcmBytes(frame []int16) []byte {
	buf := make([]byte, 2*len(frame))
	for i, s := range frame {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}
