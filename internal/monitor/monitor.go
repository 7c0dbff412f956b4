// Package monitor defines the boundary to the host-stats collection pipeline.
//
// The gateway never inspects collector internals: it starts monitoring when a
// shell opens and stops it when the session is finalized, keyed by session id.
package monitor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// HostInfo identifies the remote host a session is attached to.
type HostInfo struct {
	Host string
	Port int
	User string
}

// Collector is the telemetry pipeline consumed by the gateway.
type Collector interface {
	// StartMonitoring begins stats collection for a session. The context is
	// the session's cancellation token; implementations must stop promptly
	// once it is done.
	StartMonitoring(ctx context.Context, sessionID string, client *ssh.Client, host HostInfo)
	// StopMonitoring ends collection for a session and reports whether a
	// collection was actually running.
	StopMonitoring(sessionID, reason string) bool
}

// NopCollector satisfies Collector with log lines only. It stands in when no
// stats pipeline is deployed and in tests.
type NopCollector struct {
	Log zerolog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewNopCollector returns a Collector that only logs start/stop calls.
func NewNopCollector(log zerolog.Logger) *NopCollector {
	return &NopCollector{Log: log, active: make(map[string]bool)}
}

func (c *NopCollector) StartMonitoring(ctx context.Context, sessionID string, client *ssh.Client, host HostInfo) {
	c.mu.Lock()
	c.active[sessionID] = true
	c.mu.Unlock()
	c.Log.Debug().Str("session", sessionID).Str("host", host.Host).Msg("monitoring started")
}

func (c *NopCollector) StopMonitoring(sessionID, reason string) bool {
	c.mu.Lock()
	was := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()
	c.Log.Debug().Str("session", sessionID).Str("reason", reason).Msg("monitoring stopped")
	return was
}
