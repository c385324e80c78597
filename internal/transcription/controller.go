package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/faults"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Listener receives controller notifications. Any field may be nil.
// Callbacks run outside the controller lock.
type Listener struct {
	// Transcript is called with the full transcript (final text followed by
	// the current interim hypothesis) whenever it changes, tagged with the
	// generation it belongs to. A delivery may race a later Reset, so
	// receivers drop generations older than the last one seen.
	Transcript func(gen uint64, text string)
	// Reset is called synchronously from Abort once the buffer is cleared,
	// with the new generation.
	Reset func(gen uint64)
	Status func(Status)
	// Fatal is called once per fatal failure.
	Fatal func(err error)
}

// Controller owns the listening intent for one interview session.
type Controller struct {
	engine Engine
	clock  clock.Clock
	log    *slog.Logger

	minConfidence  float64
	noSpeechDelay  time.Duration
	networkDelay   time.Duration
	endDelay       time.Duration
	restartCounter metric.Int64Counter

	// engineMu serializes calls into the engine.
	engineMu sync.Mutex

	mu          sync.Mutex
	intent      bool
	state       State
	generation  uint64
	final       string
	interim     string
	restart     clock.Timer
	restartSeq  uint64
	lastError   ErrorCode
	fatal       bool
	unsupported bool
	lastStatus  Status
	listeners   []Listener
}

// NewController wraps engine. A nil engine means the environment has no
// recognition capability and Start reports faults.ErrUnsupportedEnvironment.
func NewController(engine Engine, cfg config.TranscriptionConfig, clk clock.Clock, logger *slog.Logger) *Controller {
	c := &Controller{
		engine:        engine,
		clock:         clk,
		log:           logger.With(slog.String("component", "transcription")),
		minConfidence: cfg.MinConfidence,
		noSpeechDelay: time.Duration(cfg.NoSpeechBackoffMS) * time.Millisecond,
		networkDelay:  time.Duration(cfg.NetworkBackoffMS) * time.Millisecond,
		endDelay:      time.Duration(cfg.EndRestartDelayMS) * time.Millisecond,
		state:         StateIdle,
	}
	c.lastStatus = c.statusLocked()
	counter, err := otel.Meter("github.com/loqalabs/loqa-interview/transcription").Int64Counter(
		"loqa.transcription.engine_starts",
		metric.WithDescription("Recognition engine start attempts"),
	)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.restartCounter = counter
	}
	return c
}

// AddListener registers l for notifications.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start declares the intent to listen and starts the engine unless a
// session is already starting, listening or scheduled to restart.
func (c *Controller) Start() error {
	if c.engine == nil {
		return c.reportUnsupported()
	}

	c.mu.Lock()
	c.intent = true
	c.fatal = false
	if c.state == StateStarting || c.state == StateListening || c.restart != nil {
		c.mu.Unlock()
		c.emitStatus()
		return nil
	}
	// Events still queued from an earlier session must not reach this one.
	c.generation++
	c.state = StateStarting
	gen := c.generation
	c.mu.Unlock()

	c.emitStatus()
	return c.startEngine(gen, "start")
}

// Stop clears the intent and stops the engine gracefully. A pending restart
// is cancelled, and a trailing end event will not restart the session.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.intent = false
	c.cancelRestartLocked()
	c.mu.Unlock()

	if c.engine != nil {
		c.engineMu.Lock()
		c.engine.Stop()
		c.engineMu.Unlock()
	}
	c.emitStatus()
}

// Abort clears the intent, invalidates every in-flight engine callback,
// terminates the engine and clears the transcript. Reset listeners have run
// by the time Abort returns.
func (c *Controller) Abort() {
	c.mu.Lock()
	c.intent = false
	c.generation++
	c.cancelRestartLocked()
	c.final = ""
	c.interim = ""
	c.state = StateIdle
	gen := c.generation
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if c.engine != nil {
		c.engineMu.Lock()
		c.engine.Abort()
		c.engineMu.Unlock()
	}
	c.log.Debug("session aborted", slog.Uint64("generation", gen))

	for _, l := range listeners {
		if l.Reset != nil {
			l.Reset(gen)
		}
	}
	c.emitStatus()
}

// Transcript returns the final text followed by the interim hypothesis.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcriptLocked()
}

// FinalTranscript returns only the text the engine has committed.
func (c *Controller) FinalTranscript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Listening reports whether the engine is currently capturing speech.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent && c.state == StateListening
}

func (c *Controller) Intent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent
}

func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) startEngine(gen uint64, reason string) error {
	started, err := c.callEngineStart(gen, reason)
	if !started || err == nil {
		return nil
	}

	c.log.Warn("engine start failed", slogError(err), slog.String("reason", reason))
	if faults.IsFatal(err) {
		if errors.Is(err, faults.ErrUnsupportedEnvironment) {
			return c.reportUnsupported()
		}
		c.failFatal(gen, ErrorNotAllowed)
		return fmt.Errorf("start recognition: %w", err)
	}

	c.mu.Lock()
	if gen == c.generation {
		c.lastError = ErrorStartFailed
		c.state = StateErroring
		if c.intent {
			c.scheduleRestartLocked(c.noSpeechDelay, "start-failed")
		}
	}
	c.mu.Unlock()
	c.emitStatus()
	return fmt.Errorf("start recognition: %v: %w", err, faults.ErrTransientEngine)
}

// callEngineStart starts the engine unless an Abort or Stop landed while
// waiting for the engine lock.
func (c *Controller) callEngineStart(gen uint64, reason string) (bool, error) {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()

	c.mu.Lock()
	if !c.intent || gen != c.generation {
		if gen == c.generation && c.state == StateStarting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if c.restartCounter != nil {
		c.restartCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	if err := c.engine.Start(&boundSink{c: c, gen: gen}); err != nil {
		return true, err
	}
	c.log.Debug("engine started", slog.Uint64("generation", gen), slog.String("reason", reason))
	return true, nil
}

func (c *Controller) reportUnsupported() error {
	c.mu.Lock()
	c.intent = false
	c.cancelRestartLocked()
	first := !c.unsupported
	c.unsupported = true
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if first {
		c.log.Warn("speech recognition unsupported")
		for _, l := range listeners {
			if l.Fatal != nil {
				l.Fatal(faults.ErrUnsupportedEnvironment)
			}
		}
	}
	c.emitStatus()
	return faults.ErrUnsupportedEnvironment
}

func (c *Controller) failFatal(gen uint64, code ErrorCode) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.intent = false
	c.cancelRestartLocked()
	c.lastError = code
	c.state = StateErroring
	first := !c.fatal
	c.fatal = true
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if first {
		err := fmt.Errorf("recognition %s: %w", code, faults.ErrPermissionDenied)
		c.log.Error("recognition permission denied", slog.String("code", string(code)))
		for _, l := range listeners {
			if l.Fatal != nil {
				l.Fatal(err)
			}
		}
	}
	c.emitStatus()
}

func (c *Controller) handleStart(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateListening
	c.lastError = ""
	c.mu.Unlock()
	c.emitStatus()
}

func (c *Controller) handleResult(gen uint64, segments []Segment) {
	c.mu.Lock()
	if gen != c.generation || !c.intent {
		c.mu.Unlock()
		return
	}
	before := c.transcriptLocked()
	interim := ""
	for _, seg := range segments {
		if seg.Confidence < c.minConfidence {
			continue
		}
		if seg.IsFinal {
			c.final = joinText(c.final, seg.Transcript)
		} else {
			interim = joinText(interim, seg.Transcript)
		}
	}
	c.interim = interim
	text := c.transcriptLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if text == before {
		return
	}
	for _, l := range listeners {
		if l.Transcript != nil {
			l.Transcript(gen, text)
		}
	}
}

func (c *Controller) handleError(gen uint64, code ErrorCode) {
	if code.Fatal() {
		c.failFatal(gen, code)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.lastError = code
	c.state = StateErroring
	if c.intent {
		c.scheduleRestartLocked(c.backoffFor(code), string(code))
	}
	c.mu.Unlock()

	c.log.Info("recognition error", slog.String("code", string(code)))
	c.emitStatus()
}

func (c *Controller) handleEnd(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	if c.intent && c.restart == nil {
		c.scheduleRestartLocked(c.endDelay, "end")
	}
	c.mu.Unlock()
	c.emitStatus()
}

func (c *Controller) backoffFor(code ErrorCode) time.Duration {
	if code == ErrorNetwork {
		return c.networkDelay
	}
	return c.noSpeechDelay
}

// scheduleRestartLocked replaces any pending restart with one firing after d.
func (c *Controller) scheduleRestartLocked(d time.Duration, reason string) {
	c.cancelRestartLocked()
	c.restartSeq++
	seq := c.restartSeq
	gen := c.generation
	c.restart = c.clock.AfterFunc(d, func() { c.fireRestart(seq, gen, reason) })
}

func (c *Controller) cancelRestartLocked() {
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
}

func (c *Controller) fireRestart(seq, gen uint64, reason string) {
	c.mu.Lock()
	if seq != c.restartSeq || c.restart == nil {
		c.mu.Unlock()
		return
	}
	c.restart = nil
	if !c.intent || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	next := c.generation
	c.state = StateStarting
	c.mu.Unlock()

	c.log.Debug("restarting recognition", slog.String("reason", reason), slog.Uint64("generation", next))
	c.emitStatus()
	_ = c.startEngine(next, reason)
}

func (c *Controller) emitStatus() {
	c.mu.Lock()
	status := c.statusLocked()
	if status == c.lastStatus {
		c.mu.Unlock()
		return
	}
	c.lastStatus = status
	listeners := c.listenersLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		if l.Status != nil {
			l.Status(status)
		}
	}
}

func (c *Controller) statusLocked() Status {
	status := Status{LastError: c.lastError, State: c.state.String()}
	switch {
	case c.unsupported:
		status.Indicator = IndicatorUnsupported
	case c.fatal:
		status.Indicator = IndicatorError
	case c.intent:
		status.Indicator = IndicatorRecording
	default:
		status.Indicator = IndicatorOff
	}
	return status
}

func (c *Controller) transcriptLocked() string {
	return joinText(c.final, c.interim)
}

func (c *Controller) listenersLocked() []Listener {
	return append([]Listener(nil), c.listeners...)
}

// boundSink tags engine events with the generation in force when the
// engine was started.
type boundSink struct {
	c   *Controller
	gen uint64
}

func (s *boundSink) OnStart() { s.c.handleStart(s.gen) }

func (s *boundSink) OnResult(segments []Segment) { s.c.handleResult(s.gen, segments) }

func (s *boundSink) OnError(code ErrorCode) { s.c.handleError(s.gen, code) }

func (s *boundSink) OnEnd() { s.c.handleEnd(s.gen) }

func joinText(a, b string) string {
	b = strings.TrimSpace(b)
	if b == "" {
		return a
	}
	if a == "" {
		return b
	}
	return a + " " + b
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
