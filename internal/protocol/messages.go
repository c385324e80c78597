package protocol

import "time"

// AnalysisRequest asks the external evaluator to review one committed answer.
type AnalysisRequest struct {
	SessionID string    `json:"session_id"`
	TurnIndex int       `json:"turn_index"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Role      string    `json:"role,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalysisFeedback is the evaluator's reply for a turn.
type AnalysisFeedback struct {
	SessionID string    `json:"session_id"`
	TurnIndex int       `json:"turn_index"`
	Content   string    `json:"content"`
	LatencyMS int64     `json:"latency_ms"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is broadcast whenever the mic or call indicator changes.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	Mic       string    `json:"mic"`
	LastError string    `json:"last_error,omitempty"`
	Call      string    `json:"call"`
	TurnIndex int       `json:"turn_index"`
	Finalized bool      `json:"finalized"`
	Timestamp time.Time `json:"timestamp"`
}

// CallOffer is sent to a peer's call subject to initiate a call.
type CallOffer struct {
	CallID string     `json:"call_id"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Stream StreamInfo `json:"stream"`
}

// RejectCollision is the rejection reason for an offer that crossed an
// outbound offer to the same peer. The rejected side waits to be called.
const RejectCollision = "collision"

// CallAnswer is the reply to a CallOffer.
type CallAnswer struct {
	CallID   string     `json:"call_id"`
	Accepted bool       `json:"accepted"`
	Reason   string     `json:"reason,omitempty"`
	Stream   StreamInfo `json:"stream"`
}

// CallHangup closes an established call.
type CallHangup struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
}

// StreamInfo describes a published media stream.
type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

// TrackInfo describes a single media track.
type TrackInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Peer is a directory entry.
type Peer struct {
	PeerID string `json:"peerId"`
}

// JoinRequest is the body of POST /room/join.
type JoinRequest struct {
	SessionKey string `json:"sessionKey"`
	PeerID     string `json:"peerId"`
}

// PeersResponse is returned by both directory endpoints.
type PeersResponse struct {
	Peers []Peer `json:"peers"`
}

const (
	SubjectAnalysisRequest  = "interview.analysis.request"
	SubjectAnalysisFeedback = "interview.analysis.feedback"
	SubjectSessionStatus    = "interview.session.status"
	SubjectCallPrefix       = "interview.call"
	SubjectHangupPrefix     = "interview.hangup"
)

// CallSubject is the subject a peer listens on for inbound offers.
func CallSubject(peerID string) string {
	return SubjectCallPrefix + "." + peerID
}

// HangupSubject is the subject both ends of a call listen on for close.
func HangupSubject(callID string) string {
	return SubjectHangupPrefix + "." + callID
}
