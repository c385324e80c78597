package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-interview/internal/interview"
)

const defaultEventLimit = 200

type sessionEvent struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionView struct {
	ID          string           `json:"session_id"`
	Role        string           `json:"role,omitempty"`
	PeerID      string           `json:"peer_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	FinalizedAt *time.Time       `json:"finalized_at,omitempty"`
	Turns       []interview.Turn `json:"turns"`
	Events      []sessionEvent   `json:"events"`
}

// handleSession returns the archived answers and timeline of one session.
func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := defaultEventLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx := req.Context()
	sess, err := r.store.GetSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Warn("session lookup failed", slogError(err))
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	turns, err := r.store.ListTurns(ctx, id)
	if err != nil {
		r.logger.Warn("turn lookup failed", slogError(err))
		http.Error(w, "turn lookup failed", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListSessionEvents(ctx, id, limit)
	if err != nil {
		r.logger.Warn("event lookup failed", slogError(err))
		http.Error(w, "event lookup failed", http.StatusInternalServerError)
		return
	}

	view := sessionView{
		ID:        sess.ID,
		Role:      sess.Role,
		PeerID:    sess.PeerID,
		CreatedAt: sess.CreatedAt,
		Turns:     turns,
		Events:    make([]sessionEvent, 0, len(events)),
	}
	if view.Turns == nil {
		view.Turns = []interview.Turn{}
	}
	if !sess.FinalizedAt.IsZero() {
		finalized := sess.FinalizedAt
		view.FinalizedAt = &finalized
	}
	for _, evt := range events {
		payload := json.RawMessage(evt.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		view.Events = append(view.Events, sessionEvent{
			Type:      evt.Type,
			TraceID:   evt.TraceID,
			Payload:   payload,
			CreatedAt: evt.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
