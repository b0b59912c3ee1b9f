// Package session orchestrates agent sessions: it spawns agent
// processes, persists their parsed output as transcript events, and
// fans events out to live subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamdock/streamdock/internal/agent"
	"github.com/streamdock/streamdock/internal/id"
	"github.com/streamdock/streamdock/internal/metrics"
	"github.com/streamdock/streamdock/internal/server/config"
	"github.com/streamdock/streamdock/internal/server/store"
	"github.com/streamdock/streamdock/internal/streamjson"
	"github.com/streamdock/streamdock/internal/util/timefmt"
)

// ErrNotFound is returned for operations on unknown sessions.
var ErrNotFound = errors.New("session not found")

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind has events dropped rather than stalling
// the whole session.
const subscriberBuffer = 256

// Event is the wire representation of one transcript event, shared by
// the REST replay endpoint and the WebSocket live stream.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	MsgType   string          `json:"msg_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RawText   string          `json:"raw_text,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// Subscription is a live feed of one session's events. Events stops
// delivering and is closed when the session ends or the subscription
// is cancelled.
type Subscription struct {
	events chan Event
	svc    *Service
	sessID string
}

// Events returns the subscription's event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.svc.unsubscribe(s.sessID, s)
}

// Service owns the lifecycle of agent sessions.
type Service struct {
	store    *store.Store
	manager  *agent.Manager
	agentCfg config.Agent

	mu     sync.Mutex
	seqs   map[string]int64 // last assigned seq per running session
	subs   map[string]map[*Subscription]struct{}
	titled map[string]bool
}

// NewService creates a session service backed by the given store.
func NewService(st *store.Store, agentCfg config.Agent) *Service {
	svc := &Service{
		store:    st,
		agentCfg: agentCfg,
		seqs:     make(map[string]int64),
		subs:     make(map[string]map[*Subscription]struct{}),
		titled:   make(map[string]bool),
	}
	svc.manager = agent.NewManager(svc.handleExit)
	return svc
}

// StartOptions are the caller-supplied parameters for a new session.
type StartOptions struct {
	Model      string `json:"model"`
	WorkingDir string `json:"working_dir"`
	// Resume continues the conversation of a previous session by ID.
	Resume string `json:"resume"`
}

// Start creates a session record and spawns its agent process.
func (s *Service) Start(ctx context.Context, opts StartOptions) (store.Session, error) {
	model := opts.Model
	if model == "" {
		model = s.agentCfg.Model
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = s.agentCfg.WorkingDir
	}

	var resumeCLIID string
	if opts.Resume != "" {
		prev, err := s.store.GetSessionByID(ctx, opts.Resume)
		if err != nil {
			return store.Session{}, fmt.Errorf("resume target: %w", err)
		}
		if prev.CLISessionID == "" {
			return store.Session{}, fmt.Errorf("session %s has no agent session to resume", opts.Resume)
		}
		resumeCLIID = prev.CLISessionID
	}

	sess := store.Session{
		ID:         id.Generate(),
		Model:      model,
		WorkingDir: workingDir,
		Status:     store.SessionStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return store.Session{}, err
	}

	s.mu.Lock()
	s.seqs[sess.ID] = 0
	s.mu.Unlock()

	sessionID := sess.ID
	err := s.manager.StartSession(ctx, agent.Options{
		SessionID:       sessionID,
		Command:         s.agentCfg.Command,
		Model:           model,
		WorkingDir:      workingDir,
		ResumeSessionID: resumeCLIID,
		MaxLineBytes:    s.agentCfg.MaxLineBytes,
	}, func(msg streamjson.Message) {
		s.handleMessage(sessionID, msg)
	}, func(perr streamjson.ParseError) {
		s.handleParseError(sessionID, perr)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.seqs, sessionID)
		s.mu.Unlock()
		if endErr := s.store.EndSession(context.WithoutCancel(ctx), sessionID, store.SessionStatusFailed, -1); endErr != nil {
			slog.Error("session: mark failed", "session_id", sessionID, "error", endErr)
		}
		return store.Session{}, fmt.Errorf("start agent: %w", err)
	}

	metrics.ActiveSessions.Inc()
	metrics.SessionsStartedTotal.Inc()
	slog.Info("session: started",
		"session_id", sessionID,
		"model", model,
		"working_dir", workingDir,
	)
	return sess, nil
}

// SendInput forwards user input to a running session's agent.
func (s *Service) SendInput(sessionID, text string) error {
	err := s.manager.SendInput(sessionID, text)
	if errors.Is(err, agent.ErrSessionNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return err
}

// Stop gracefully stops a running session's agent.
func (s *Service) Stop(sessionID string) error {
	if !s.manager.StopSession(sessionID) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// StopAll stops every running session. Used during server shutdown.
func (s *Service) StopAll() {
	s.manager.StopAll()
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (store.Session, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return sess, err
}

// List returns sessions, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]store.Session, error) {
	return s.store.ListSessions(ctx, limit)
}

// Events replays a session's persisted events with seq > afterSeq.
func (s *Service) Events(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	stored, err := s.store.ListEvents(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(stored))
	for _, e := range stored {
		events = append(events, eventFromStore(e))
	}
	return events, nil
}

// Subscribe attaches a live event feed to a running session.
func (s *Service) Subscribe(sessionID string) (*Subscription, error) {
	if !s.manager.HasSession(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sub := &Subscription{
		events: make(chan Event, subscriberBuffer),
		svc:    s,
		sessID: sessionID,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*Subscription]struct{})
	}
	s.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

func (s *Service) unsubscribe(sessionID string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[sessionID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.events)
		}
		if len(set) == 0 {
			delete(s.subs, sessionID)
		}
	}
}

func (s *Service) handleMessage(sessionID string, msg streamjson.Message) {
	ctx := context.Background()
	seq := s.nextSeq(sessionID)
	now := time.Now()

	msgType := msg.Type()
	e := store.Event{
		ID:        id.Generate(),
		SessionID: sessionID,
		Seq:       seq,
		Kind:      store.EventKindMessage,
		MsgType:   msgType,
		Payload:   msg.Raw,
		CreatedAt: now,
	}
	if err := s.store.InsertEvent(ctx, e); err != nil {
		slog.Error("session: persist event", "session_id", sessionID, "seq", seq, "error", err)
	}
	metrics.StreamMessagesTotal.Inc()

	switch agent.MessageType(msgType) {
	case agent.MessageTypeSystem:
		if cliID := extractCLISessionID(msg.Raw); cliID != "" {
			if err := s.store.SetSessionCLISessionID(ctx, sessionID, cliID); err != nil {
				slog.Error("session: record agent session id", "session_id", sessionID, "error", err)
			}
		}
	case agent.MessageTypeAssistant:
		s.maybeTitle(ctx, sessionID, msg.Raw)
	}

	s.broadcast(sessionID, eventFromStore(e))
}

func (s *Service) handleParseError(sessionID string, perr streamjson.ParseError) {
	ctx := context.Background()
	seq := s.nextSeq(sessionID)

	slog.Warn("session: unparseable agent output",
		"session_id", sessionID,
		"reason", perr.Reason,
		"raw_len", len(perr.Raw),
	)
	metrics.StreamParseErrorsTotal.Inc()

	e := store.Event{
		ID:        id.Generate(),
		SessionID: sessionID,
		Seq:       seq,
		Kind:      store.EventKindParseError,
		Payload:   []byte(perr.Raw),
		Reason:    perr.Reason,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertEvent(ctx, e); err != nil {
		slog.Error("session: persist parse error", "session_id", sessionID, "seq", seq, "error", err)
	}

	s.broadcast(sessionID, eventFromStore(e))
}

func (s *Service) handleExit(sessionID string, exitCode int, err error) {
	status := store.SessionStatusStopped
	if exitCode != 0 || err != nil {
		status = store.SessionStatusFailed
	}
	if endErr := s.store.EndSession(context.Background(), sessionID, status, exitCode); endErr != nil {
		slog.Error("session: mark ended", "session_id", sessionID, "error", endErr)
	}
	metrics.ActiveSessions.Dec()
	slog.Info("session: ended",
		"session_id", sessionID,
		"status", status,
		"exit_code", exitCode,
	)

	// Close all live subscriptions so streaming readers see EOF.
	s.mu.Lock()
	subs := s.subs[sessionID]
	delete(s.subs, sessionID)
	delete(s.seqs, sessionID)
	delete(s.titled, sessionID)
	s.mu.Unlock()
	for sub := range subs {
		close(sub.events)
	}
}

func (s *Service) nextSeq(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[sessionID]++
	return s.seqs[sessionID]
}

// broadcast delivers an event to all live subscribers without blocking.
// A full subscriber channel drops the event; the subscriber can recover
// via the replay endpoint using seq.
func (s *Service) broadcast(sessionID string, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[sessionID] {
		select {
		case sub.events <- e:
		default:
			slog.Debug("session: dropping event for slow subscriber",
				"session_id", sessionID, "seq", e.Seq)
		}
	}
}

func (s *Service) maybeTitle(ctx context.Context, sessionID string, raw json.RawMessage) {
	s.mu.Lock()
	done := s.titled[sessionID]
	s.mu.Unlock()
	if done {
		return
	}

	title := titleFromAssistantMessage(raw)
	if title == "" {
		return
	}
	if err := s.store.SetSessionTitle(ctx, sessionID, title); err != nil {
		slog.Error("session: set title", "session_id", sessionID, "error", err)
		return
	}
	s.mu.Lock()
	s.titled[sessionID] = true
	s.mu.Unlock()
}

func eventFromStore(e store.Event) Event {
	out := Event{
		SessionID: e.SessionID,
		Seq:       e.Seq,
		Kind:      e.Kind,
		MsgType:   e.MsgType,
		CreatedAt: timefmt.Format(e.CreatedAt),
	}
	switch e.Kind {
	case store.EventKindParseError:
		out.RawText = string(e.Payload)
		out.Reason = e.Reason
	default:
		out.Payload = json.RawMessage(e.Payload)
	}
	return out
}

// extractCLISessionID pulls the agent CLI's own session identifier from
// a system init message.
func extractCLISessionID(raw json.RawMessage) string {
	var m struct {
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if m.Subtype != "init" {
		return ""
	}
	return m.SessionID
}
