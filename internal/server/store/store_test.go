package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdock/streamdock/internal/id"
	"github.com/streamdock/streamdock/internal/server/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	return New(conn)
}

func TestUserCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := User{
		ID:           id.Generate(),
		Username:     "alice",
		PasswordHash: "$2a$10$fakehash",
		DisplayName:  "Alice",
		IsAdmin:      true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.True(t, got.IsAdmin)

	_, err = s.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := User{ID: id.Generate(), Username: "alice", PasswordHash: "x", CreatedAt: time.Now()}
	require.NoError(t, s.CreateUser(ctx, u))

	u.ID = id.Generate()
	assert.Error(t, s.CreateUser(ctx, u))
}

func TestCountUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.CreateUser(ctx, User{
		ID: id.Generate(), Username: "alice", PasswordHash: "x", CreatedAt: time.Now(),
	}))

	n, err = s.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID := id.Generate()
	require.NoError(t, s.CreateSession(ctx, Session{
		ID:         sessionID,
		Model:      "sonnet",
		WorkingDir: "/tmp/work",
		StartedAt:  time.Now(),
	}))

	got, err := s.GetSessionByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, got.Status)
	assert.Empty(t, got.Title)
	assert.False(t, got.ExitCode.Valid)
	assert.False(t, got.EndedAt.Valid)

	require.NoError(t, s.SetSessionTitle(ctx, sessionID, "Fix flaky test"))
	require.NoError(t, s.SetSessionCLISessionID(ctx, sessionID, "cli-abc-123"))
	require.NoError(t, s.EndSession(ctx, sessionID, SessionStatusStopped, 0))

	got, err = s.GetSessionByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Fix flaky test", got.Title)
	assert.Equal(t, "cli-abc-123", got.CLISessionID)
	assert.Equal(t, SessionStatusStopped, got.Status)
	require.True(t, got.ExitCode.Valid)
	assert.EqualValues(t, 0, got.ExitCode.Int64)
	assert.True(t, got.EndedAt.Valid)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSessionByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := range 3 {
		sid := id.Generate()
		ids = append(ids, sid)
		require.NoError(t, s.CreateSession(ctx, Session{
			ID:        sid,
			Model:     "sonnet",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, ids[2], sessions[0].ID)
	assert.Equal(t, ids[0], sessions[2].ID)

	sessions, err = s.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestCloseStaleRunningSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := id.Generate()
	ended := id.Generate()
	require.NoError(t, s.CreateSession(ctx, Session{ID: running, Model: "sonnet", StartedAt: time.Now()}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: ended, Model: "sonnet", StartedAt: time.Now()}))
	require.NoError(t, s.EndSession(ctx, ended, SessionStatusFailed, 1))

	require.NoError(t, s.CloseStaleRunningSessions(ctx))

	got, err := s.GetSessionByID(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusStopped, got.Status)
	assert.True(t, got.EndedAt.Valid)

	got, err = s.GetSessionByID(ctx, ended)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusFailed, got.Status)
}

func TestEventInsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID := id.Generate()
	require.NoError(t, s.CreateSession(ctx, Session{ID: sessionID, Model: "sonnet", StartedAt: time.Now()}))

	// Large payload exercises the compressed path end to end.
	large := bytes.Repeat([]byte(`{"type":"assistant","text":"hello"}`), 50)
	events := []Event{
		{ID: id.Generate(), SessionID: sessionID, Seq: 1, Kind: EventKindMessage, MsgType: "system", Payload: []byte(`{"type":"system"}`), CreatedAt: time.Now()},
		{ID: id.Generate(), SessionID: sessionID, Seq: 2, Kind: EventKindParseError, Payload: []byte("not json"), Reason: "invalid JSON", CreatedAt: time.Now()},
		{ID: id.Generate(), SessionID: sessionID, Seq: 3, Kind: EventKindMessage, MsgType: "assistant", Payload: large, CreatedAt: time.Now()},
	}
	for _, e := range events {
		require.NoError(t, s.InsertEvent(ctx, e))
	}

	got, err := s.ListEvents(ctx, sessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, EventKindMessage, got[0].Kind)
	assert.Equal(t, "system", got[0].MsgType)
	assert.Equal(t, EventKindParseError, got[1].Kind)
	assert.Equal(t, "invalid JSON", got[1].Reason)
	assert.Equal(t, []byte("not json"), got[1].Payload)
	assert.Equal(t, large, got[2].Payload)

	// Resume from the middle of the stream.
	got, err = s.ListEvents(ctx, sessionID, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[0].Seq)

	n, err := s.CountEvents(ctx, sessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestEventDuplicateSeqRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID := id.Generate()
	require.NoError(t, s.CreateSession(ctx, Session{ID: sessionID, Model: "sonnet", StartedAt: time.Now()}))

	e := Event{ID: id.Generate(), SessionID: sessionID, Seq: 1, Kind: EventKindMessage, Payload: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, s.InsertEvent(ctx, e))

	e.ID = id.Generate()
	assert.Error(t, s.InsertEvent(ctx, e))
}

func TestEventForeignKeyEnforced(t *testing.T) {
	s := newTestStore(t)

	err := s.InsertEvent(context.Background(), Event{
		ID: id.Generate(), SessionID: "no-such-session", Seq: 1,
		Kind: EventKindMessage, Payload: []byte(`{}`), CreatedAt: time.Now(),
	})
	assert.Error(t, err)
}
