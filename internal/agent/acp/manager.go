package acp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AgentBinary maps a classifier-visible agent_type to the subprocess
// command and args that speak ACP for it. Populated from configuration
// at startup.
type AgentBinary struct {
	Command string
	Args    []string
}

// Manager owns the set of live ACP sessions, keyed by session ID, and is
// the thing cmd/orchestrator's `acp spawn` subcommand and the
// orchestrator's router-selected AcpAgent worker both go through to get
// a Session.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	binaries map[string]AgentBinary
	terms    *TerminalManager
}

// NewManager builds a Manager with the given agent_type -> binary table.
func NewManager(binaries map[string]AgentBinary) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		binaries: binaries,
		terms:    NewTerminalManager(),
	}
}

// Spawn starts a new ACP session for the given agent_type and working
// directory, connects it, and registers it under a fresh session ID.
func (m *Manager) Spawn(ctx context.Context, agentType, cwd string, cfg SessionConfig) (*Session, error) {
	bin, ok := m.binaries[agentType]
	if !ok {
		return nil, fmt.Errorf("acp manager: unknown agent type %q", agentType)
	}

	id := uuid.NewString()
	cfg.AgentType = agentType
	cfg.Command = bin.Command
	cfg.Args = bin.Args
	cfg.Cwd = cwd
	cfg.Terminals = m.terms

	session := NewSession(id, cfg)
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()
	return session, nil
}

// Get looks up a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Terminate ends a session and removes it from the registry.
func (m *Manager) Terminate(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("acp manager: unknown session %q", sessionID)
	}
	return session.Terminate()
}

// Sessions returns the IDs of all currently live sessions, for metrics
// gauges and the `trust show`-style debug CLI.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
