package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/monitor"
	"github.com/shellgate/shellgate/internal/protocol"
)

// DefaultIdleTimeout is how long a detached session survives before the
// janitor aborts it.
const DefaultIdleTimeout = 30 * time.Minute

// ErrSessionExists is returned by Register for an id already in the registry.
var ErrSessionExists = errors.New("session: id already registered")

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session: not found")

// Manager owns the id-to-session registry and drives the lifecycle state
// machine: Registered, Active, Aborting, Finalized. Abort is the single
// funnel for every fatal-to-a-session condition; cleanup handlers run exactly
// once no matter which leg failed first.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	collector monitor.Collector
	log       zerolog.Logger

	// IdleTimeout bounds how long detached sessions are kept. Zero disables
	// the janitor.
	IdleTimeout time.Duration
}

// NewManager creates an empty registry.
func NewManager(collector monitor.Collector, log zerolog.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		collector:   collector,
		log:         log.With().Str("component", "session").Logger(),
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Register creates a session with its cancellation token and places it in the
// registry. The id is a caller-supplied opaque token; only non-emptiness is
// checked.
func (m *Manager) Register(id string, desc ConnDesc) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session: empty id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		Desc:         desc,
		CreatedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateRegistered,
		lastActivity: time.Now(),
		scroll:       NewScrollback(0),
	}
	m.sessions[id] = s
	metrics.ActiveSessions.Inc()
	m.log.Info().Str("session", id).Str("host", desc.Host).Str("user", desc.User).
		Msg("session registered")
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all registered sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AddAbortHandler subscribes a cleanup callback for the session. If the
// session already aborted (or is gone) and runIfAborted is set, the handler
// fires immediately and synchronously. Handlers must tolerate partial
// teardown; they run exactly once per abort.
func (m *Manager) AddAbortHandler(id string, fn func(reason string), runIfAborted bool) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		if runIfAborted {
			fn("session_finalized")
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		if runIfAborted {
			fn("session_aborted")
		}
		return nil
	}
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
	return nil
}

// Abort tears a session down: it signals the cancellation token, runs every
// registered handler exactly once, optionally notifies or closes the client
// link, and finalizes the session. Idempotent; only the first call does
// anything, later calls (and aborts of unknown ids) return false.
func (m *Manager) Abort(id, reason string, n Notification) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return false
	}
	s.aborted = true
	s.state = StateAborting
	handlers := s.handlers
	s.handlers = nil
	l := s.clientLink
	s.mu.Unlock()

	m.log.Info().Str("session", id).Str("reason", reason).Msg("aborting session")
	metrics.SessionAborts.WithLabelValues(reason).Inc()

	// Signal the token first so in-flight suspension points unwind promptly.
	s.cancel()

	for _, fn := range handlers {
		fn(reason)
	}

	if n != nil && l != nil {
		t, h := n.frame()
		h.SessionID = id
		if buf, err := protocol.Encode(t, h, nil); err == nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.Send(sendCtx, buf); err != nil {
				m.log.Debug().Err(err).Str("session", id).Msg("abort notification not delivered")
			}
			cancel()
		}
		if n.closeLink() {
			_ = l.Close(1000, reason)
		}
	}

	m.Finalize(id)
	return true
}

// Finalize releases a session's handles and removes it from the registry.
// Teardown of remote handles is fire-and-forget: close errors are logged,
// never retried, and cancellation never blocks on the remote peer. The
// cleaned flag is monotonic, so release happens at most once.
func (m *Manager) Finalize(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()

	s.mu.Lock()
	alreadyCleaned := s.cleaned
	s.cleaned = true
	s.state = StateFinalized
	shell := s.shell
	client := s.sshClient
	s.shell = nil
	s.sshClient = nil
	s.clientLink = nil
	s.mu.Unlock()

	if alreadyCleaned {
		return
	}

	s.cancel()
	if shell != nil {
		if err := shell.Close(); err != nil {
			m.log.Debug().Err(err).Str("session", id).Msg("shell close")
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			m.log.Debug().Err(err).Str("session", id).Msg("ssh client close")
		}
	}
	if m.collector != nil {
		m.collector.StopMonitoring(id, "session_finalized")
	}
	m.log.Info().Str("session", id).Msg("session finalized")
}

// CleanupIdle aborts detached sessions whose last activity is older than
// IdleTimeout, and returns how many were torn down. Wired to the maintenance
// scheduler.
func (m *Manager) CleanupIdle() int {
	if m.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.IdleTimeout)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if !s.Attached() && s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.log.Info().Str("session", id).Msg("cleaning up idle detached session")
		m.Abort(id, "idle_timeout", nil)
	}
	return len(stale)
}

// CloseAll aborts every session. Used during shutdown.
func (m *Manager) CloseAll(reason string) {
	for _, s := range m.List() {
		m.Abort(s.ID, reason, MessageNotification{Text: "gateway shutting down", CloseLink: true})
	}
}
