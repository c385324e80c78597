package transcription

// State is the recognition state reported by engine events.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateErroring
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateErroring:
		return "erroring"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Indicator is the microphone status shown to the candidate.
type Indicator string

const (
	IndicatorUnsupported Indicator = "unsupported"
	IndicatorError       Indicator = "error"
	IndicatorRecording   Indicator = "recording"
	IndicatorOff         Indicator = "off"
)

type Status struct {
	Indicator Indicator `json:"indicator"`
	LastError ErrorCode `json:"last_error,omitempty"`
	State     string    `json:"state"`
}
