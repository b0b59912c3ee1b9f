package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/streamdock/streamdock/internal/streamjson"
)

// ErrSessionNotFound is returned when no agent is running for a session.
var ErrSessionNotFound = errors.New("session not found")

// Manager tracks the running agent process per session and routes input.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent // sessionID -> Agent
	onExit ExitHandler
}

// NewManager creates a new agent Manager. The optional onExit handler is
// called whenever any agent process exits.
func NewManager(onExit ExitHandler) *Manager {
	return &Manager{
		agents: make(map[string]*Agent),
		onExit: onExit,
	}
}

// startFunc is the function signature for starting an agent process.
type startFunc func(ctx context.Context, opts Options, onMessage streamjson.MessageHandler, onParseError streamjson.ErrorHandler) (*Agent, error)

// StartSession spawns an agent for the given session. Decoded output
// messages and parse errors are delivered through the handlers.
func (m *Manager) StartSession(ctx context.Context, opts Options, onMessage streamjson.MessageHandler, onParseError streamjson.ErrorHandler) error {
	return m.startSessionWith(ctx, opts, onMessage, onParseError, Start)
}

func (m *Manager) startSessionWith(ctx context.Context, opts Options, onMessage streamjson.MessageHandler, onParseError streamjson.ErrorHandler, start startFunc) error {
	m.mu.Lock()
	if _, exists := m.agents[opts.SessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("agent already running for session %s", opts.SessionID)
	}
	m.mu.Unlock()

	a, err := start(ctx, opts, onMessage, onParseError)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.agents[opts.SessionID] = a
	m.mu.Unlock()

	// Reap the agent in the background and clean up the table.
	go func() {
		err := a.Wait()
		m.mu.Lock()
		delete(m.agents, opts.SessionID)
		m.mu.Unlock()

		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		if a.IsStopped() {
			slog.Info("agent stopped", "session_id", opts.SessionID)
		} else if err != nil {
			slog.Warn("agent exited with error",
				"session_id", opts.SessionID,
				"error", err,
				"stderr", a.Stderr(),
			)
		} else {
			slog.Info("agent exited", "session_id", opts.SessionID)
		}

		if m.onExit != nil {
			m.onExit(opts.SessionID, exitCode, err)
		}
	}()

	return nil
}

// SendInput routes a user message to the session's agent.
func (m *Manager) SendInput(sessionID, content string) error {
	m.mu.RLock()
	a, ok := m.agents[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return a.SendInput(content)
}

// StopSession stops the agent for the given session. Returns true if an
// agent was found (and will eventually trigger onExit), false if it had
// already exited.
func (m *Manager) StopSession(sessionID string) bool {
	m.mu.RLock()
	a, ok := m.agents[sessionID]
	m.mu.RUnlock()

	if ok {
		a.Stop()
	}
	return ok
}

// HasSession returns true if an agent is running for the given session.
func (m *Manager) HasSession(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[sessionID]
	return ok
}

// StopAll stops all running agents.
func (m *Manager) StopAll() {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		a.Stop()
	}
}
