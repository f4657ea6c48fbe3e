package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// clampLimit normalizes a caller-supplied page size.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Session represents one websocket client session.
type Session struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	ClientAddr string     `json:"client_addr"`
	UserAgent  *string    `json:"user_agent,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Utterance represents one turn of the conversation within a session, either
// side of it.
type Utterance struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Speaker    string    `json:"speaker"` // "user" or "assistant"
	Text       string    `json:"text"`
	FramesSent int       `json:"frames_sent"` // audio frames delivered for this turn, 0 for user turns
	DurationMs int       `json:"duration_ms"` // audio duration for assistant turns
	CreatedAt  time.Time `json:"created_at"`
}

// InsertSession records a new client session.
func (s *Store) InsertSession(ctx context.Context, sessionID, clientAddr, userAgent string) error {
	var ua *string
	if userAgent != "" {
		ua = &userAgent
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, session_id, client_addr, user_agent, started_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now())
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, clientAddr, ua)
	return err
}

// EndSession marks a session as finished.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET ended_at = now()
		WHERE session_id = $1 AND ended_at IS NULL
	`, sessionID)
	return err
}

// ListSessions returns recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	limit = clampLimit(limit, 50, 500)

	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, client_addr, user_agent, started_at, ended_at
		FROM sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.SessionID, &sess.ClientAddr, &sess.UserAgent, &sess.StartedAt, &sess.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession fetches a single session by its public identifier.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, session_id, client_addr, user_agent, started_at, ended_at
		FROM sessions
		WHERE session_id = $1
	`, sessionID).Scan(&sess.ID, &sess.SessionID, &sess.ClientAddr, &sess.UserAgent, &sess.StartedAt, &sess.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// InsertUtterance records one conversation turn.
func (s *Store) InsertUtterance(ctx context.Context, u Utterance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO utterances (id, session_id, speaker, text, frames_sent, duration_ms, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())
	`, u.SessionID, u.Speaker, u.Text, u.FramesSent, u.DurationMs)
	return err
}

// ListUtterances returns a session's conversation in chronological order.
func (s *Store) ListUtterances(ctx context.Context, sessionID string, limit int) ([]Utterance, error) {
	limit = clampLimit(limit, 200, 1000)

	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, speaker, text, frames_sent, duration_ms, created_at
		FROM utterances
		WHERE session_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Speaker, &u.Text, &u.FramesSent, &u.DurationMs, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
