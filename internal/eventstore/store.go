package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/interview"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	_ "modernc.org/sqlite"
)

const (
	EventStatus   = "status"
	EventFeedback = "feedback"
	EventAlert    = "alert"
)

// Event is one timeline entry of an interview session.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is the stored header of an interview session.
type Session struct {
	ID          string
	Role        string
	PeerID      string
	CreatedAt   time.Time
	FinalizedAt time.Time
}

// Store keeps sessions, committed answers and their timeline in SQLite.
// With retention_mode "ephemeral" every write is dropped.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slogError(err))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    role TEXT,
    peer_id TEXT,
    created_at TIMESTAMP NOT NULL,
    finalized_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS turns (
    session_id TEXT NOT NULL,
    turn_index INTEGER NOT NULL,
    question TEXT,
    answer TEXT NOT NULL,
    committed_at TIMESTAMP NOT NULL,
    PRIMARY KEY(session_id, turn_index),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession ensures a session row exists.
func (s *Store) OpenSession(ctx context.Context, sessionID, role, peerID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, role, peer_id, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET role=excluded.role, peer_id=excluded.peer_id`,
		sessionID, role, peerID, s.clock().UTC())
	return err
}

// FinalizeSession stamps the session as finished.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finalized_at = ? WHERE session_id = ? AND finalized_at IS NULL`,
		s.clock().UTC(), sessionID)
	return err
}

// RecordTurn stores a committed answer. A turn is written once; later
// writes for the same index are ignored.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, turn interview.Turn) error {
	if s.disabled() {
		return nil
	}
	committed := turn.CommittedAt
	if committed.IsZero() {
		committed = s.clock()
	}
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, turn_index, question, answer, committed_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, turn_index) DO NOTHING`,
		sessionID, turn.Index, turn.Question, turn.Text, committed.UTC())
	return err
}

// ListTurns returns the committed answers of a session in index order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]interview.Turn, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_index, question, answer, committed_at FROM turns
		 WHERE session_id = ? ORDER BY turn_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []interview.Turn
	for rows.Next() {
		var t interview.Turn
		var question sql.NullString
		var committed string
		if err := rows.Scan(&t.Index, &question, &t.Text, &committed); err != nil {
			return nil, err
		}
		t.Question = question.String
		t.Advanced = true
		t.CommittedAt = parseTime(committed)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *Store) RecordFeedback(ctx context.Context, fb protocol.AnalysisFeedback) error {
	return s.appendJSON(ctx, fb.SessionID, fb.TraceID, EventFeedback, fb)
}

func (s *Store) RecordStatus(ctx context.Context, status protocol.SessionStatus) error {
	return s.appendJSON(ctx, status.SessionID, "", EventStatus, status)
}

// RecordAlert stores a user-visible alert such as a failed call setup.
func (s *Store) RecordAlert(ctx context.Context, sessionID, message string) error {
	return s.appendJSON(ctx, sessionID, "", EventAlert, map[string]string{"message": message})
}

func (s *Store) appendJSON(ctx context.Context, sessionID, traceID, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, TraceID: traceID, Type: eventType, Payload: payload})
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if err := s.ensureSession(ctx, evt.SessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ensureSession creates a bare session row so events from other processes
// (the evaluator) can land before the session itself is recorded.
func (s *Store) ensureSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var trace sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &trace, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = trace.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var out Session
	var role, peer, finalized sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, role, peer_id, created_at, finalized_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&out.ID, &role, &peer, &created, &finalized)
	if err != nil {
		return Session{}, err
	}
	out.Role = role.String
	out.PeerID = peer.String
	out.CreatedAt = parseTime(created)
	if finalized.Valid {
		out.FinalizedAt = parseTime(finalized.String)
	}
	return out, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		for _, stmt := range []string{
			`DELETE FROM events WHERE created_at < ?`,
			`DELETE FROM turns WHERE committed_at < ?`,
			`DELETE FROM sessions WHERE created_at < ?`,
		} {
			if _, err = tx.ExecContext(ctx, stmt, cutoff); err != nil {
				return err
			}
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
