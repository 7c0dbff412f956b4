// Package gateway ties the wire codec, session lifecycle, connector, and
// bridge together behind one WebSocket endpoint.
//
// A single client connection multiplexes any number of logical sessions:
// every frame names its session, and file transfers name an operation id on
// top. The read loop decodes and dispatches; anything fatal to a session
// funnels through the session manager's Abort so cleanup runs exactly once.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/shellgate/shellgate/internal/bridge"
	"github.com/shellgate/shellgate/internal/link"
	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/monitor"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/sshconn"
	"github.com/shellgate/shellgate/internal/sshfiles"
	"github.com/shellgate/shellgate/internal/transfer"
)

// maxFrameSize bounds one incoming WebSocket message. Large payloads must be
// chunked by the sender; this is the backstop.
const maxFrameSize = 8 * 1024 * 1024

// Dialer opens authenticated SSH connections. Satisfied by
// sshconn.Connector; tests substitute their own.
type Dialer interface {
	Connect(ctx context.Context, cfg sshconn.Config) (*ssh.Client, error)
}

// FileOps is the per-session remote file surface. Satisfied by
// sshfiles.Client.
type FileOps interface {
	List(dir string) ([]sshfiles.Entry, error)
	Upload(path string, data []byte) error
	Download(path string) ([]byte, error)
	Stat(path string) (sshfiles.Entry, error)
	Mkdir(path string) error
	Delete(path string) error
	Rename(from, to string) error
	Chmod(path, mode string) error
	Close() error
}

// Options carries the gateway tunables resolved from configuration.
type Options struct {
	ReadyTimeout time.Duration
	OuterTimeout time.Duration
}

// Gateway owns the long-lived components and the WebSocket endpoint.
type Gateway struct {
	sessions    *session.Manager
	bridge      *bridge.Bridge
	reassembler *transfer.Reassembler
	collector   monitor.Collector
	log         zerolog.Logger
	opts        Options

	dial       Dialer
	openShell  func(ctx context.Context, client *ssh.Client, cols, rows uint16) (session.ShellChannel, error)
	openFiles  func(client *ssh.Client) (FileOps, error)
	watchClose func(client *ssh.Client, onClose func(error))

	mu      sync.Mutex
	files   map[string]FileOps   // session id -> file client
	uploads map[string]*uploadOp // operation id -> pending chunked upload
}

// uploadOp is the bookkeeping for one chunked upload between its announce
// frame and its final chunk.
type uploadOp struct {
	sessionID string
	path      string
	checksum  string
}

// New wires a Gateway from its collaborators.
func New(sessions *session.Manager, b *bridge.Bridge, r *transfer.Reassembler,
	collector monitor.Collector, dial Dialer, log zerolog.Logger, opts Options) *Gateway {
	return &Gateway{
		sessions:    sessions,
		bridge:      b,
		reassembler: r,
		collector:   collector,
		log:         log.With().Str("component", "gateway").Logger(),
		opts:        opts,
		dial:        dial,
		openShell: func(ctx context.Context, client *ssh.Client, cols, rows uint16) (session.ShellChannel, error) {
			return sshconn.OpenShell(ctx, client, cols, rows)
		},
		openFiles: func(client *ssh.Client) (FileOps, error) {
			return sshfiles.NewClient(client)
		},
		watchClose: sshconn.WatchClose,
		files:      make(map[string]FileOps),
		uploads:    make(map[string]*uploadOp),
	}
}

// Router builds the HTTP surface: the WebSocket endpoint, the session REST
// API, health, and metrics.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/ws", g.handleWS)
	r.Get("/healthz", g.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/sessions", g.listSessions)
	r.Delete("/api/sessions/{id}", g.closeSession)
	return r
}

// handleWS accepts the client link and runs its read loop until the socket
// ends. Sessions attached through this link are detached, not aborted, when
// it goes away: they survive for reattachment.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer sock.CloseNow()
	sock.SetReadLimit(maxFrameSize)

	ctx := r.Context()
	l := link.NewWSLink(ctx, sock, g.log)
	c := newConn(g, l)
	defer c.detachAll()

	g.log.Info().Msg("client link opened")
	for {
		msgType, data, err := sock.Read(ctx)
		if err != nil {
			g.log.Info().Err(err).Msg("client link closed")
			return
		}
		if msgType != websocket.MessageBinary {
			// The protocol is binary-only; text frames are ignored.
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.sessions.Count(),
	})
}

// listSessions reports the registry for operational tooling.
func (g *Gateway) listSessions(w http.ResponseWriter, r *http.Request) {
	type sessionResponse struct {
		ID            string `json:"id"`
		Host          string `json:"host"`
		User          string `json:"user"`
		State         string `json:"state"`
		Attached      bool   `json:"attached"`
		CreatedAt     string `json:"created_at"`
		LastActivity  string `json:"last_activity"`
		Paused        bool   `json:"paused"`
		PauseCount    uint64 `json:"pause_count"`
		ResumeCount   uint64 `json:"resume_count"`
		BytesToClient uint64 `json:"bytes_to_client"`
		BytesToShell  uint64 `json:"bytes_to_shell"`
	}

	sessions := g.sessions.List()
	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		c := s.CountersSnapshot()
		resp = append(resp, sessionResponse{
			ID:            s.ID,
			Host:          s.Desc.Host,
			User:          s.Desc.User,
			State:         s.State().String(),
			Attached:      s.Attached(),
			CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
			LastActivity:  s.LastActivity().UTC().Format(time.RFC3339),
			Paused:        c.Paused,
			PauseCount:    c.PauseCount,
			ResumeCount:   c.ResumeCount,
			BytesToClient: c.BytesToClient,
			BytesToShell:  c.BytesToShell,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// closeSession aborts a session by id from the REST surface.
func (g *Gateway) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}
	if !g.sessions.Abort(id, "operator_close", session.MessageNotification{
		Text:      "session closed by operator",
		CloseLink: false,
	}) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	g.log.Info().Str("session", logutil.SanitizeForLog(id)).Msg("session closed via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// Maintenance runs one periodic housekeeping pass: stale transfer eviction
// and idle detached-session cleanup. Wired to the cron scheduler in main.
func (g *Gateway) Maintenance() {
	for _, opID := range g.reassembler.Sweep() {
		metrics.TransfersEvicted.Inc()
		g.mu.Lock()
		delete(g.uploads, opID)
		g.mu.Unlock()
	}
	g.sessions.CleanupIdle()
}

// Shutdown aborts every session. Called once on process exit.
func (g *Gateway) Shutdown() {
	g.sessions.CloseAll("gateway_shutdown")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
