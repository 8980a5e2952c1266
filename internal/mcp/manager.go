package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/surfari/surfari/internal/observability"
)

// Manager owns the process-wide set of remote tool sessions, keyed by
// server ID. Agents share sessions through the manager.
type Manager struct {
	logger   *observability.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(logger *observability.Logger) *Manager {
	return &Manager{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// AddServer connects a session for cfg and registers it under its ID.
// Adding an ID that already has a session is a no-op.
func (m *Manager) AddServer(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.sessions[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	session := NewSession(cfg, m.logger)
	if err := session.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[cfg.ID] = session
	m.mu.Unlock()
	return nil
}

// Session returns the session for a server ID.
func (m *Manager) Session(serverID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[serverID]
	return s, ok
}

// Sessions returns all sessions keyed by server ID.
func (m *Manager) Sessions() map[string]*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s
	}
	return out
}

// ListTools returns the cached tools of one server.
func (m *Manager) ListTools(serverID string) ([]*Tool, error) {
	s, ok := m.Session(serverID)
	if !ok {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}
	return s.Tools(), nil
}

// CallTool invokes a tool on one server.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, arguments map[string]any, timeout time.Duration) CallResult {
	s, ok := m.Session(serverID)
	if !ok {
		return CallResult{OK: false, Error: fmt.Sprintf("server %q not connected", serverID)}
	}
	return s.CallTool(ctx, name, arguments, timeout)
}

// ReadResource reads a resource from one server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) CallResult {
	s, ok := m.Session(serverID)
	if !ok {
		return CallResult{OK: false, Error: fmt.Sprintf("server %q not connected", serverID)}
	}
	return s.ReadResource(ctx, uri)
}

// Close shuts down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn(context.Background(), "failed to close session", "server", id, "error", err)
		}
		delete(m.sessions, id)
	}
}
