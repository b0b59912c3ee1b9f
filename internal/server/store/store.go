// Package store provides the persistence layer for users, sessions and
// transcript events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/streamdock/streamdock/internal/server/eventcodec"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Session status values.
const (
	SessionStatusRunning = "running"
	SessionStatusStopped = "stopped"
	SessionStatusFailed  = "failed"
)

// Event kinds.
const (
	EventKindMessage    = "message"
	EventKindParseError = "parse_error"
)

// User is a Streamdock account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	Email        string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Session is one agent run and its lifecycle state.
type Session struct {
	ID           string
	Title        string
	Model        string
	WorkingDir   string
	CLISessionID string // session_id reported by the agent CLI's init message
	Status       string
	ExitCode     sql.NullInt64
	StartedAt    time.Time
	EndedAt      sql.NullTime
}

// Event is one parsed line of agent output, or one parse failure.
type Event struct {
	ID        string
	SessionID string
	Seq       int64
	Kind      string
	MsgType   string // stream-json "type" field, message events only
	Payload   []byte // decompressed
	Reason    string // decode failure, parse_error events only
	CreatedAt time.Time
}

// Store wraps the SQL database with typed queries.
type Store struct {
	db *sql.DB
}

// New creates a Store on top of an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- users ---

// CreateUser inserts a new user account.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, display_name, email, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.DisplayName, u.Email, boolToInt(u.IsAdmin), u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByUsername looks up a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, display_name, email, is_admin, created_at
		FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// CountUsers returns the number of user accounts.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	var isAdmin int
	var createdAt int64
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Email, &isAdmin, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	return u, nil
}

// --- sessions ---

// CreateSession inserts a new session in running state.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, model, working_dir, cli_session_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Model, sess.WorkingDir, sess.CLISessionID,
		SessionStatusRunning, sess.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SetSessionTitle updates a session's title.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`, title, id); err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// SetSessionCLISessionID records the session_id reported by the agent CLI,
// enabling --resume later.
func (s *Store) SetSessionCLISessionID(ctx context.Context, id, cliSessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET cli_session_id = ? WHERE id = ?`, cliSessionID, id); err != nil {
		return fmt.Errorf("set cli session id: %w", err)
	}
	return nil
}

// EndSession marks a session as finished with the given status and exit code.
func (s *Store) EndSession(ctx context.Context, id, status string, exitCode int) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
		status, exitCode, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// CloseStaleRunningSessions marks all running sessions as stopped. No
// agent process can be running when the server just started, so any
// lingering running status is leftover from an unclean shutdown.
func (s *Store) CloseStaleRunningSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ? WHERE status = ?`,
		SessionStatusStopped, time.Now().UnixMilli(), SessionStatusRunning); err != nil {
		return fmt.Errorf("close stale sessions: %w", err)
	}
	return nil
}

// GetSessionByID looks up a session by ID.
func (s *Store) GetSessionByID(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, working_dir, cli_session_id, status, exit_code, started_at, ended_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var startedAt int64
	var endedAt sql.NullInt64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.WorkingDir,
		&sess.CLISessionID, &sess.Status, &sess.ExitCode, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		sess.EndedAt = sql.NullTime{Time: time.UnixMilli(endedAt.Int64), Valid: true}
	}
	return sess, nil
}

// ListSessions returns sessions ordered newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, working_dir, cli_session_id, status, exit_code, started_at, ended_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.WorkingDir,
			&sess.CLISessionID, &sess.Status, &sess.ExitCode, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			sess.EndedAt = sql.NullTime{Time: time.UnixMilli(endedAt.Int64), Valid: true}
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- events ---

// InsertEvent persists one event. The payload is compressed transparently.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	payload, compression := eventcodec.Compress(e.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, seq, kind, msg_type, payload, compression, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Seq, e.Kind, e.MsgType, payload, string(compression), e.Reason, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events with seq > afterSeq, in sequence
// order. Payloads are decompressed before returning.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, kind, msg_type, payload, compression, reason, created_at
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var compression string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Kind, &e.MsgType,
			&e.Payload, &compression, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload, err = eventcodec.Decompress(e.Payload, eventcodec.Compression(compression))
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events stored for a session.
func (s *Store) CountEvents(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
