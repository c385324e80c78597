package asr

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/transcription"
)

const scriptedConfidence = 0.95

// Scripted speaks a fixed list of utterances, one word per interval. Each
// session speaks the next unspoken utterance and then stays silent until
// the no-speech timeout ends it.
type Scripted struct {
	utterances [][]string
	wordEvery  time.Duration
	clock      clock.Clock
	log        *slog.Logger

	mu      sync.Mutex
	cursor  int
	session *scriptedSession
}

type scriptedSession struct {
	sink  transcription.Sink
	words []string
	pos   int
	timer clock.Timer
	done  bool
}

func NewScripted(script []string, wordEvery time.Duration, clk clock.Clock, logger *slog.Logger) *Scripted {
	if wordEvery <= 0 {
		wordEvery = 300 * time.Millisecond
	}
	s := &Scripted{
		wordEvery: wordEvery,
		clock:     clk,
		log:       logger.With(slog.String("component", "asr-scripted")),
	}
	for _, line := range script {
		if words := strings.Fields(line); len(words) > 0 {
			s.utterances = append(s.utterances, words)
		}
	}
	return s
}

func (s *Scripted) Start(sink transcription.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()

	sess := &scriptedSession{sink: sink}
	if s.cursor < len(s.utterances) {
		sess.words = s.utterances[s.cursor]
	}
	s.session = sess
	sess.timer = s.clock.AfterFunc(0, func() { s.begin(sess) })
	return nil
}

// Stop ends the session after flushing any half-spoken utterance as final.
func (s *Scripted) Stop() {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		s.mu.Unlock()
		return
	}
	s.endLocked()
	var flush []transcription.Segment
	if sess.pos > 0 && sess.pos < len(sess.words) {
		flush = []transcription.Segment{{Transcript: strings.Join(sess.words[:sess.pos], " "), Confidence: scriptedConfidence, IsFinal: true}}
		s.cursor++
	}
	s.mu.Unlock()

	s.clock.AfterFunc(0, func() {
		if flush != nil {
			sess.sink.OnResult(flush)
		}
		sess.sink.OnEnd()
	})
}

func (s *Scripted) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

// Spoken returns how many utterances have been fully delivered.
func (s *Scripted) Spoken() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scripted) endLocked() {
	if s.session == nil {
		return
	}
	s.session.done = true
	if s.session.timer != nil {
		s.session.timer.Stop()
	}
	s.session = nil
}

func (s *Scripted) begin(sess *scriptedSession) {
	s.mu.Lock()
	if sess.done {
		s.mu.Unlock()
		return
	}
	s.scheduleLocked(sess)
	s.mu.Unlock()
	sess.sink.OnStart()
}

func (s *Scripted) scheduleLocked(sess *scriptedSession) {
	if sess.pos < len(sess.words) {
		sess.timer = s.clock.AfterFunc(s.wordEvery, func() { s.speak(sess) })
		return
	}
	sess.timer = s.clock.AfterFunc(noSpeechTimeout, func() { s.silence(sess) })
}

func (s *Scripted) speak(sess *scriptedSession) {
	s.mu.Lock()
	if sess.done {
		s.mu.Unlock()
		return
	}
	sess.pos++
	seg := transcription.Segment{Transcript: strings.Join(sess.words[:sess.pos], " "), Confidence: scriptedConfidence}
	if sess.pos == len(sess.words) {
		seg.IsFinal = true
		s.cursor++
	}
	s.scheduleLocked(sess)
	s.mu.Unlock()
	sess.sink.OnResult([]transcription.Segment{seg})
}

func (s *Scripted) silence(sess *scriptedSession) {
	s.mu.Lock()
	if sess.done {
		s.mu.Unlock()
		return
	}
	s.endLocked()
	s.mu.Unlock()
	s.log.Debug("no speech, ending session")
	sess.sink.OnError(transcription.ErrorNoSpeech)
	sess.sink.OnEnd()
}
