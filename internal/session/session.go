// Package session owns the registry of logical sessions and their lifecycle
// state machine.
//
// A session pairs one client link with one remote shell connection. The
// registry map is mutated only by this package; the bridge and connector call
// in through the Manager API. Each session carries a single cancellation
// token (a context) created at registration: aborting the session cancels it,
// it is never re-armed, and every async step of connecting, shell-open, and
// streaming observes it.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/shellgate/shellgate/internal/link"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateRegistered means the session exists but no shell is attached yet.
	StateRegistered State = iota
	// StateActive means a shell channel is attached.
	StateActive
	// StateAborting means abort handlers are running.
	StateAborting
	// StateFinalized means all bookkeeping has been released.
	StateFinalized
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateAborting:
		return "aborting"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ErrNoActiveShell is the user-visible failure for a shell write issued
// before or after the shell channel's lifetime. The session stays open.
var ErrNoActiveShell = errors.New("session: no active shell")

// ShellChannel is the duplex byte stream of a remote interactive shell.
// Reads return shell output; writes feed shell input.
type ShellChannel interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// ConnDesc records where a session's shell lives.
type ConnDesc struct {
	Host string
	Port int
	User string
}

// Counters are the per-session backpressure statistics. They accumulate for
// the life of the session and survive client reattachment.
type Counters struct {
	Paused        bool
	PauseCount    uint64
	ResumeCount   uint64
	BytesToClient uint64
	BytesToShell  uint64
}

type abortHandler func(reason string)

// Session is one logical client-to-shell pairing. All mutable fields are
// guarded by mu; the cancellation context is fixed at creation.
type Session struct {
	ID        string
	Desc      ConnDesc
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	clientLink   link.Link
	shell        ShellChannel
	sshClient    *ssh.Client
	scroll       *Scrollback
	counters     Counters

	// attachCancel ends the current attachment's bridge leg without
	// touching the session token. Re-armed on every attach.
	attachCancel context.CancelFunc

	aborted  bool
	cleaned  bool
	handlers []abortHandler
}

// Context returns the session's cancellation token. It is done once the
// session aborts and never resets.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the most recent client write or state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AttachLink installs a client link, re-arming the per-attachment context,
// and returns any scrollback produced while the session was detached along
// with a context that ends when this attachment does. Cumulative counters are
// deliberately not reset.
func (s *Session) AttachLink(l link.Link) (replay []byte, attachCtx context.Context) {
	s.mu.Lock()
	if s.attachCancel != nil {
		s.attachCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.attachCancel = cancel
	s.clientLink = l
	s.lastActivity = time.Now()
	replay = s.scroll.Drain()
	s.mu.Unlock()
	return replay, ctx
}

// DetachLink clears the client link if l is still the attached one. The
// session survives for reattachment; shell output accumulates in scrollback.
func (s *Session) DetachLink(l link.Link) {
	s.mu.Lock()
	if s.clientLink == l {
		s.clientLink = nil
		if s.attachCancel != nil {
			s.attachCancel()
			s.attachCancel = nil
		}
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()
}

// Link returns the attached client link, or nil while detached.
func (s *Session) Link() link.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientLink
}

// Attached reports whether a client link is currently installed.
func (s *Session) Attached() bool { return s.Link() != nil }

// SetShell attaches the shell channel and its owning SSH client, moving a
// registered session to active. Reattachment never replaces a live shell;
// callers check Shell() first.
func (s *Session) SetShell(client *ssh.Client, shell ShellChannel) {
	s.mu.Lock()
	s.sshClient = client
	s.shell = shell
	if s.state == StateRegistered {
		s.state = StateActive
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Shell returns the attached shell channel, or nil.
func (s *Session) Shell() ShellChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// SSHClient returns the SSH client owning the shell channel, or nil.
func (s *Session) SSHClient() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sshClient
}

// Scrollback returns the detached-output buffer.
func (s *Session) Scrollback() *Scrollback {
	return s.scroll
}

// WriteInput forwards client bytes to the shell in submission order. A write
// with no open shell channel is a user-visible error, not a silent drop.
func (s *Session) WriteInput(p []byte) error {
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()
	if shell == nil {
		return ErrNoActiveShell
	}
	if _, err := shell.Write(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.counters.BytesToShell += uint64(len(p))
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// Resize updates the PTY geometry without touching data flow.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()
	if shell == nil {
		return ErrNoActiveShell
	}
	return shell.Resize(cols, rows)
}

// Aborted reports whether Abort has run.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// CountersSnapshot returns a copy of the backpressure statistics.
func (s *Session) CountersSnapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// SetPaused flips the paused flag and bumps the matching counter. The bridge
// calls this on every pause/resume edge.
func (s *Session) SetPaused(paused bool) {
	s.mu.Lock()
	if s.counters.Paused != paused {
		s.counters.Paused = paused
		if paused {
			s.counters.PauseCount++
		} else {
			s.counters.ResumeCount++
		}
	}
	s.mu.Unlock()
}

// AddBytesToClient accumulates the shell-to-client byte counter.
func (s *Session) AddBytesToClient(n int) {
	s.mu.Lock()
	s.counters.BytesToClient += uint64(n)
	s.mu.Unlock()
}
