// Package transcription drives a continuous speech-recognition engine on
// behalf of the interview. The caller's listening intent, not the engine's
// reported state, decides whether a session is restarted.
package transcription

// ErrorCode is the error reported by a recognition engine.
type ErrorCode string

const (
	ErrorNoSpeech          ErrorCode = "no-speech"
	ErrorNetwork           ErrorCode = "network"
	ErrorNotAllowed        ErrorCode = "not-allowed"
	ErrorServiceNotAllowed ErrorCode = "service-not-allowed"
	ErrorAborted           ErrorCode = "aborted"
	ErrorAudioCapture      ErrorCode = "audio-capture"
	ErrorStartFailed       ErrorCode = "start-failed"
)

// Fatal reports whether the code means permission was refused.
func (c ErrorCode) Fatal() bool {
	return c == ErrorNotAllowed || c == ErrorServiceNotAllowed
}

// Segment is one recognition hypothesis.
type Segment struct {
	Transcript string
	Confidence float64
	IsFinal    bool
}

// Sink receives engine events for a single recognition session.
type Sink interface {
	OnStart()
	OnResult(segments []Segment)
	OnError(code ErrorCode)
	OnEnd()
}

// Engine is a continuous recognition capability. Start begins a session
// that reports to sink until it ends, replacing any session still running.
// Stop ends the session gracefully and Abort discards it; both are no-ops
// when no session is running. Events must be delivered from the engine's own
// goroutines, never from inside Start, Stop or Abort.
type Engine interface {
	Start(sink Sink) error
	Stop()
	Abort()
}
