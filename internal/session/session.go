// Package session mounts one candidate's live interview: capture, listening,
// turn detection, answer commits and the partner call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/faults"
	"github.com/loqalabs/loqa-interview/internal/interview"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/rendezvous"
	"github.com/loqalabs/loqa-interview/internal/transcription"
	"github.com/loqalabs/loqa-interview/internal/turn"
)

// Store persists the session timeline.
type Store interface {
	interview.TurnRecorder
	OpenSession(ctx context.Context, sessionID, role, peerID string) error
	FinalizeSession(ctx context.Context, sessionID string) error
	RecordStatus(ctx context.Context, status protocol.SessionStatus) error
	RecordAlert(ctx context.Context, sessionID, message string) error
}

// Publisher broadcasts session status, normally the bus client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Deps are the collaborators a session drives. Engine nil means the
// environment has no recognizer; Directory or Transport nil disables the
// partner call.
type Deps struct {
	Device    media.Device
	Engine    transcription.Engine
	Directory rendezvous.Directory
	Transport rendezvous.Transport
	Submitter interview.Submitter
	Store     Store
	Publisher Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Snapshot is what the interview page renders.
type Snapshot struct {
	SessionID  string                      `json:"session_id"`
	Phase      string                      `json:"phase"`
	TurnIndex  int                         `json:"turn_index"`
	Question   string                      `json:"question"`
	Transcript string                      `json:"transcript"`
	Mic        transcription.Status        `json:"mic"`
	Call       string                      `json:"call"`
	RemoteID   string                      `json:"remote_id,omitempty"`
	AudioOnly  bool                        `json:"audio_only"`
	Alerts     []string                    `json:"alerts,omitempty"`
	Turns      []interview.Turn            `json:"turns"`
	Feedback   []protocol.AnalysisFeedback `json:"feedback,omitempty"`
}

type Session struct {
	id        string
	cfg       config.Config
	deps      Deps
	questions []interview.Question
	role      string
	log       *slog.Logger

	media      *media.Manager
	controller *transcription.Controller
	timer      *turn.Timer
	orch       *interview.Orchestrator
	call       *rendezvous.Client

	recordCancel context.CancelFunc
	recordDone   chan struct{}
	done         chan struct{}
	doneOnce     sync.Once

	mu         sync.Mutex
	mounted    bool
	unmounted  bool
	alerts     []string
	feedback   []protocol.AnalysisFeedback
	lastStatus protocol.SessionStatus
	recording  string
}

// New prepares a session. The question bank is loaded from cfg.Interview.
func New(cfg config.Config, deps Deps) (*Session, error) {
	questions, role, err := interview.LoadQuestions(cfg.Interview)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		questions: questions,
		role:      role,
		log:       deps.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		done:      make(chan struct{}),
	}

	s.media = media.NewManager(deps.Device, cfg.Capture, deps.Logger)
	s.controller = transcription.NewController(deps.Engine, cfg.Transcription, deps.Clock, deps.Logger)
	s.timer = turn.New(cfg.Turn, deps.Clock, s.controller.Listening, deps.Logger)

	var recorder interview.TurnRecorder
	if deps.Store != nil {
		recorder = deps.Store
	}
	s.orch, err = interview.New(interview.Options{
		SessionID:   id,
		Role:        role,
		Questions:   questions,
		Transcriber: s.controller,
		Submitter:   deps.Submitter,
		Recorder:    recorder,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Rendezvous.Enabled && deps.Directory != nil && deps.Transport != nil {
		s.call = rendezvous.NewClient(deps.Directory, deps.Transport, cfg.Rendezvous, deps.Clock, deps.Logger)
	}

	s.controller.AddListener(transcription.Listener{
		Transcript: s.timer.TranscriptAt,
		Reset:      s.timer.ResetAt,
		Status:     func(transcription.Status) { s.publishStatus() },
		Fatal:      s.onFatal,
	})
	s.timer.OnComplete(func(string) { s.orch.OnTurnComplete() })
	s.orch.OnCommit(s.onCommit)
	if s.call != nil {
		s.call.OnState(func(rendezvous.CallState) { s.publishStatus() })
		s.call.OnAlert(s.onAlert)
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Done is closed once the last answer has been committed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Mount acquires media, starts local recording and listening, and begins the
// partner rendezvous. Only a media failure aborts the mount; a missing
// recognizer or a failed call leaves the rest running.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	s.mu.Unlock()

	peerID := ""
	if s.deps.Transport != nil {
		peerID = s.deps.Transport.LocalID()
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.OpenSession(ctx, s.id, s.role, peerID); err != nil {
			s.log.Warn("failed to record session", slogError(err))
		}
	}

	stream, err := s.media.Acquire(ctx)
	if err != nil {
		s.media.Release()
		s.addAlert(mediaAlert(err))
		return fmt.Errorf("mount session: %w", err)
	}
	s.startRecording(stream)

	s.timer.Run()
	if err := s.orch.StartInterview(ctx); err != nil {
		// Surfaced to the page through the mic status; the call and recording
		// carry on without transcription.
		s.log.Warn("listening unavailable", slogError(err))
	}

	if s.call != nil {
		if err := s.call.Start(ctx, stream); err != nil {
			s.onAlert(err)
		}
	}
	s.publishStatus()
	s.log.Info("session mounted", slog.Int("questions", len(s.questions)), slog.Bool("audio_only", s.media.AudioOnly()))
	return nil
}

// Unmount stops listening, hangs up, stops recording and releases every
// track. It is safe to call more than once and after a failed Mount.
func (s *Session) Unmount(ctx context.Context) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.unmounted = true
	s.mu.Unlock()

	s.timer.Stop()
	s.orch.Stop()
	if s.call != nil {
		s.call.Stop(ctx)
	}
	s.media.Release()
	if s.recordCancel != nil {
		s.recordCancel()
		<-s.recordDone
	}
	s.publishStatus()
	s.log.Info("session unmounted")
}

// NextQuestion commits the live transcript, as the candidate's explicit
// "next" action.
func (s *Session) NextQuestion(ctx context.Context) (bool, error) {
	return s.orch.NextQuestion(ctx)
}

// CompleteTurn commits text for question index.
func (s *Session) CompleteTurn(ctx context.Context, index int, text string) (bool, error) {
	return s.orch.CompleteTurn(ctx, index, text)
}

// HandleFeedback attaches evaluator feedback for this session.
func (s *Session) HandleFeedback(fb protocol.AnalysisFeedback) {
	if fb.SessionID != s.id {
		return
	}
	s.mu.Lock()
	s.feedback = append(s.feedback, fb)
	s.mu.Unlock()
}

// RecordingPath is the WAV file of the local recording once it is written.
func (s *Session) RecordingPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		Phase:      s.orch.Phase().String(),
		TurnIndex:  s.orch.Index(),
		Question:   s.orch.CurrentQuestion(),
		Transcript: s.controller.Transcript(),
		Mic:        s.controller.Status(),
		Call:       rendezvous.CallNone.String(),
		AudioOnly:  s.media.AudioOnly(),
		Turns:      s.orch.Turns(),
	}
	if s.call != nil {
		snap.Call = s.call.State().String()
		snap.RemoteID = s.call.RemoteID()
	}
	s.mu.Lock()
	snap.Alerts = append([]string(nil), s.alerts...)
	snap.Feedback = append([]protocol.AnalysisFeedback(nil), s.feedback...)
	s.mu.Unlock()
	return snap
}

func (s *Session) startRecording(stream *media.Stream) {
	track := stream.AudioTrack()
	if !s.cfg.Capture.RecordAnswers || s.cfg.Capture.RecordDir == "" || track == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.recordCancel = cancel
	s.recordDone = make(chan struct{})
	recorder := media.NewRecorder(s.cfg.Capture.RecordDir, s.deps.Logger)
	go func() {
		defer close(s.recordDone)
		path, err := recorder.Record(ctx, s.id, track)
		if err != nil {
			s.log.Warn("recording failed", slogError(err))
		}
		s.mu.Lock()
		s.recording = path
		s.mu.Unlock()
	}()
}

func (s *Session) onCommit(t interview.Turn) {
	if s.orch.Phase() == interview.PhaseFinalized {
		if s.deps.Store != nil {
			if err := s.deps.Store.FinalizeSession(context.Background(), s.id); err != nil {
				s.log.Warn("failed to finalize session", slogError(err))
			}
		}
		s.doneOnce.Do(func() { close(s.done) })
	}
	s.publishStatus()
}

func (s *Session) onFatal(err error) {
	s.addAlert(micAlert(err))
	s.publishStatus()
}

func (s *Session) onAlert(err error) {
	s.addAlert("Could not connect to your interview partner. Recording and transcription continue.")
	s.log.Warn("call alert", slogError(err))
	if s.deps.Store != nil {
		if recErr := s.deps.Store.RecordAlert(context.Background(), s.id, err.Error()); recErr != nil {
			s.log.Warn("failed to record alert", slogError(recErr))
		}
	}
}

func (s *Session) addAlert(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, msg)
}

// publishStatus broadcasts the mic and call indicators when either changed.
func (s *Session) publishStatus() {
	mic := s.controller.Status()
	status := protocol.SessionStatus{
		SessionID: s.id,
		Mic:       string(mic.Indicator),
		LastError: string(mic.LastError),
		Call:      rendezvous.CallNone.String(),
		TurnIndex: s.orch.Index(),
		Finalized: s.orch.Phase() == interview.PhaseFinalized,
	}
	if s.call != nil {
		status.Call = s.call.State().String()
	}

	s.mu.Lock()
	if status == s.lastStatus {
		s.mu.Unlock()
		return
	}
	s.lastStatus = status
	s.mu.Unlock()

	status.Timestamp = s.deps.Clock.Now().UTC()
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishJSON(protocol.SubjectSessionStatus, status); err != nil {
			s.log.Warn("failed to publish status", slogError(err))
		}
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.RecordStatus(context.Background(), status); err != nil {
			s.log.Warn("failed to record status", slogError(err))
		}
	}
}

func mediaAlert(err error) string {
	if errors.Is(err, faults.ErrPermissionDenied) {
		return "Camera and microphone access was denied. Allow access and reload to continue."
	}
	return "No camera or microphone is available."
}

func micAlert(err error) string {
	switch {
	case errors.Is(err, faults.ErrUnsupportedEnvironment):
		return "Live transcription is not supported here. Your answers are still recorded."
	case errors.Is(err, faults.ErrPermissionDenied):
		return "Microphone access was denied, so transcription stopped."
	default:
		return "Transcription stopped: " + err.Error()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
