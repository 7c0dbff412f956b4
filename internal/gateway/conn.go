package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shellgate/shellgate/internal/link"
	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/monitor"
	"github.com/shellgate/shellgate/internal/protocol"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/sshconn"
)

const (
	// maxInputSize bounds one shell input frame. Terminal keystrokes and
	// pastes are small; anything bigger is a protocol violation.
	maxInputSize = 64 * 1024

	// inputRateBytes / inputBurstBytes throttle shell input per client
	// connection so a hostile client cannot saturate the SSH channel.
	inputRateBytes  = 1 * 1024 * 1024
	inputBurstBytes = 256 * 1024

	maxTerminalDim = 500
)

// connectCreds is the MsgConnect payload. Credentials ride in the opaque
// payload, not the JSON header, so they never reach the frame-level logs.
type connectCreds struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// wsConn is the per-WebSocket dispatch state: which sessions this link is
// attached to, plus the input rate limiter.
type wsConn struct {
	g    *Gateway
	link link.Link
	log  zerolog.Logger

	mu       sync.Mutex
	attached map[string]struct{}

	input *tokenBucket
}

func newConn(g *Gateway, l link.Link) *wsConn {
	return &wsConn{
		g:        g,
		link:     l,
		log:      g.log,
		attached: make(map[string]struct{}),
		input:    newTokenBucket(inputRateBytes, inputBurstBytes),
	}
}

func (c *wsConn) track(id string) {
	c.mu.Lock()
	c.attached[id] = struct{}{}
	c.mu.Unlock()
}

// detachAll runs when the socket ends. Sessions are detached, never aborted:
// the shell keeps running and output lands in scrollback until the client
// reattaches or the idle janitor gives up on it.
func (c *wsConn) detachAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.attached))
	for id := range c.attached {
		ids = append(ids, id)
	}
	c.attached = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		if s, ok := c.g.sessions.Get(id); ok {
			s.DetachLink(c.link)
			c.log.Info().Str("session", id).Msg("session detached, awaiting reattach")
		}
	}
}

// handleFrame decodes and dispatches one wire frame. A frame that fails to
// decode is counted and dropped; the connection itself stays up, because one
// corrupt frame must not take down the other sessions multiplexed on it.
func (c *wsConn) handleFrame(ctx context.Context, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		metrics.FrameErrors.WithLabelValues("malformed").Inc()
		c.log.Warn().Err(err).Int("len", len(data)).Msg("dropping malformed frame")
		return
	}
	if !f.Type.Known() || f.Type.IsResponse() {
		metrics.FrameErrors.WithLabelValues("unexpected_type").Inc()
		c.log.Warn().Uint8("type", uint8(f.Type)).Msg("dropping frame with unexpected type")
		return
	}

	switch f.Type {
	case protocol.MsgHandshake:
		c.send(ctx, protocol.RespSuccess, protocol.Header{
			Status:    int(protocol.Version),
			Timestamp: time.Now().UnixMilli(),
		}, nil)
	case protocol.MsgPing:
		c.send(ctx, protocol.MsgPong, protocol.Header{Timestamp: f.Header.Timestamp}, nil)
	case protocol.MsgPong:
		// Client replies to a server ping; nothing to do.
	case protocol.MsgLatency:
		c.log.Debug().Int64("latency_ms", f.Header.Timestamp).Msg("client latency report")
	case protocol.MsgConnect:
		c.handleConnect(ctx, &f)
	case protocol.MsgDisconnect:
		c.handleTeardown(ctx, &f, "client_disconnect")
	case protocol.MsgAbort:
		c.handleTeardown(ctx, &f, "client_abort")
	case protocol.MsgShellData:
		c.handleShellData(ctx, &f)
	case protocol.MsgShellResize:
		c.handleResize(ctx, &f)
	case protocol.MsgShellAck:
		if s, ok := c.g.sessions.Get(f.Header.SessionID); ok {
			s.Touch()
		}
	default:
		if f.Type.IsFileOp() {
			c.handleFileOp(ctx, &f)
			return
		}
		metrics.FrameErrors.WithLabelValues("unexpected_type").Inc()
		c.log.Warn().Str("type", f.Type.String()).Msg("no handler for frame type")
	}
}

// handleConnect registers a fresh session or reattaches to a surviving one.
// The SSH leg of a fresh connect runs asynchronously so the read loop keeps
// serving the link's other sessions.
func (c *wsConn) handleConnect(ctx context.Context, f *protocol.Frame) {
	h := f.Header
	id := h.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	if s, ok := c.g.sessions.Get(id); ok {
		if s.Shell() == nil {
			c.respondErr(ctx, id, "", http.StatusConflict, "session is still connecting")
			return
		}
		replay, _ := s.AttachLink(c.link)
		c.track(id)
		c.log.Info().Str("session", logutil.SanitizeForLog(id)).Msg("client reattached")
		c.send(ctx, protocol.RespSuccess, protocol.Header{SessionID: id, Reason: "reattached"}, nil)
		if len(replay) > 0 {
			c.send(ctx, protocol.MsgShellData, protocol.Header{SessionID: id}, replay)
		}
		return
	}

	if h.Host == "" || h.User == "" {
		c.respondErr(ctx, id, "", http.StatusBadRequest, "host and user are required")
		return
	}
	var creds connectCreds
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &creds); err != nil {
			c.respondErr(ctx, id, "", http.StatusBadRequest, "malformed credentials payload")
			return
		}
	}

	s, err := c.g.sessions.Register(id, session.ConnDesc{Host: h.Host, Port: h.Port, User: h.User})
	if err != nil {
		c.respondErr(ctx, id, "", http.StatusConflict, "session id already in use")
		return
	}
	s.AttachLink(c.link)
	c.track(id)
	go c.g.establish(s, creds, h.Cols, h.Rows)
}

// handleTeardown serves client-initiated session teardown. Both forms abort
// silently: the client asked, so there is nothing to notify it about beyond
// the acknowledgement.
func (c *wsConn) handleTeardown(ctx context.Context, f *protocol.Frame, reason string) {
	id := f.Header.SessionID
	if id == "" {
		c.respondErr(ctx, "", "", http.StatusBadRequest, "session id required")
		return
	}
	if !c.g.sessions.Abort(id, reason, nil) {
		c.respondErr(ctx, id, "", http.StatusNotFound, "unknown session")
		return
	}
	c.send(ctx, protocol.RespSuccess, protocol.Header{SessionID: id, Reason: "closed"}, nil)
}

func (c *wsConn) handleShellData(ctx context.Context, f *protocol.Frame) {
	s, ok := c.g.sessions.Get(f.Header.SessionID)
	if !ok {
		c.respondErr(ctx, f.Header.SessionID, "", http.StatusNotFound, "unknown session")
		return
	}
	if len(f.Payload) > maxInputSize {
		c.respondErr(ctx, s.ID, "", http.StatusRequestEntityTooLarge, "input frame too large")
		return
	}
	if !c.input.allow(len(f.Payload)) {
		metrics.FrameErrors.WithLabelValues("rate_limited").Inc()
		c.log.Debug().Str("session", s.ID).Int("len", len(f.Payload)).Msg("shell input rate limited")
		return
	}

	if err := s.WriteInput(f.Payload); err != nil {
		if errors.Is(err, session.ErrNoActiveShell) {
			c.respondErr(ctx, s.ID, "", http.StatusConflict, "no active shell")
			return
		}
		c.log.Warn().Err(err).Str("session", s.ID).Msg("shell write failed")
		c.g.sessions.Abort(s.ID, "shell_write_failed", session.ErrorNotification{
			Status: http.StatusInternalServerError,
			Text:   "shell input failed",
		})
		return
	}
	metrics.BytesRelayed.WithLabelValues("to_shell").Add(float64(len(f.Payload)))
}

func (c *wsConn) handleResize(ctx context.Context, f *protocol.Frame) {
	s, ok := c.g.sessions.Get(f.Header.SessionID)
	if !ok {
		c.respondErr(ctx, f.Header.SessionID, "", http.StatusNotFound, "unknown session")
		return
	}
	cols, rows := clampGeometry(f.Header.Cols, f.Header.Rows)
	if err := s.Resize(cols, rows); err != nil {
		if errors.Is(err, session.ErrNoActiveShell) {
			c.respondErr(ctx, s.ID, "", http.StatusConflict, "no active shell")
			return
		}
		c.log.Debug().Err(err).Str("session", s.ID).Msg("resize failed")
	}
}

// clampGeometry bounds terminal dimensions to sane PTY values. Zero means the
// client did not say; the usual 80x24 applies.
func clampGeometry(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if cols > maxTerminalDim {
		cols = maxTerminalDim
	}
	if rows > maxTerminalDim {
		rows = maxTerminalDim
	}
	return cols, rows
}

// send encodes and queues one frame on this connection's link. Encode only
// fails on oversized headers, which the gateway never produces; a Send failure
// means the link is going away and the read loop will notice on its own.
func (c *wsConn) send(ctx context.Context, t protocol.MessageType, h protocol.Header, payload []byte) {
	frame, err := protocol.Encode(t, h, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", t.String()).Msg("frame encode failed")
		return
	}
	if err := c.link.Send(ctx, frame); err != nil {
		c.log.Debug().Err(err).Str("type", t.String()).Msg("response not delivered")
	}
}

func (c *wsConn) respondErr(ctx context.Context, sessionID, opID string, status int, reason string) {
	c.send(ctx, protocol.RespError, protocol.Header{
		SessionID: sessionID,
		OpID:      opID,
		Status:    status,
		Reason:    reason,
	}, nil)
}

// establish runs the SSH leg of a fresh connect: dial, open the shell, then
// hand the stream to the bridge. Every step observes the session token, so an
// abort mid-connect unwinds promptly and silently.
func (g *Gateway) establish(s *session.Session, creds connectCreds, cols, rows uint16) {
	cfg := sshconn.Config{
		Host:         s.Desc.Host,
		Port:         s.Desc.Port,
		User:         s.Desc.User,
		Password:     creds.Password,
		PrivateKey:   []byte(creds.PrivateKey),
		ReadyTimeout: g.opts.ReadyTimeout,
		OuterTimeout: g.opts.OuterTimeout,
	}

	client, err := g.dial.Connect(s.Context(), cfg)
	if err != nil {
		g.failConnect(s, err)
		return
	}

	shell, err := g.openShell(s.Context(), client, cols, rows)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		g.failConnect(s, err)
		return
	}

	s.SetShell(client, shell)
	if client != nil {
		g.watchClose(client, func(err error) {
			g.sessions.Abort(s.ID, "ssh_connection_closed", session.MessageNotification{
				Text:      "ssh connection closed",
				CloseLink: false,
			})
		})
		g.collector.StartMonitoring(s.Context(), s.ID, client, monitor.HostInfo{
			Host: s.Desc.Host,
			Port: s.Desc.Port,
			User: s.Desc.User,
		})
	}

	g.log.Info().Str("session", s.ID).Str("host", s.Desc.Host).Str("user", s.Desc.User).
		Msg("session active")
	g.notify(s, protocol.RespSuccess, protocol.Header{SessionID: s.ID, Reason: "connected"})
	go g.runBridge(s)
}

// failConnect turns a connector error into session teardown. Cancellation is
// not a failure: the client (or an abort) asked for it, so no error frame is
// sent.
func (g *Gateway) failConnect(s *session.Session, err error) {
	kind := sshconn.KindOf(err)
	if kind == sshconn.KindCancelled || s.Aborted() {
		g.log.Debug().Str("session", s.ID).Msg("connect cancelled")
		g.sessions.Abort(s.ID, "connect_cancelled", nil)
		return
	}

	status, reason, text := connectFailure(kind)
	g.log.Warn().Err(err).Str("session", s.ID).Str("host", s.Desc.Host).
		Str("kind", kind.String()).Msg("ssh connect failed")
	g.sessions.Abort(s.ID, reason, session.ErrorNotification{Status: status, Text: text})
}

// connectFailure maps an error kind to the status, abort reason, and
// client-facing text. The text is deliberately generic; the classified kind
// and the underlying error stay in the server log.
func connectFailure(kind sshconn.Kind) (int, string, string) {
	switch kind {
	case sshconn.KindConnectionRefused:
		return http.StatusBadGateway, "connect_refused", "connection refused by remote host"
	case sshconn.KindNetworkTimeout:
		return http.StatusGatewayTimeout, "connect_timeout", "connection to remote host timed out"
	case sshconn.KindAuthFailed:
		return http.StatusUnauthorized, "auth_failed", "authentication failed"
	case sshconn.KindHostKeyFailed:
		return http.StatusBadGateway, "host_key_failed", "host key verification failed"
	default:
		return http.StatusInternalServerError, "connect_failed", "failed to connect to remote host"
	}
}

// runBridge pumps the shell stream until it ends, then funnels the outcome
// through Abort. A cancelled context means Abort already ran; nothing more to
// do.
func (g *Gateway) runBridge(s *session.Session) {
	err := g.bridge.Run(s.Context(), s)
	switch {
	case err == nil:
		g.sessions.Abort(s.ID, "shell_closed", session.MessageNotification{
			Text: "shell session ended",
		})
	case errors.Is(err, context.Canceled):
	default:
		g.log.Warn().Err(err).Str("session", s.ID).Msg("shell stream failed")
		g.sessions.Abort(s.ID, "shell_error", session.ErrorNotification{
			Status: http.StatusInternalServerError,
			Text:   "shell stream failed",
		})
	}
}

// notify delivers one frame to the session's currently attached link, if any.
// Used from async paths that outlive the originating read-loop call.
func (g *Gateway) notify(s *session.Session, t protocol.MessageType, h protocol.Header) {
	l := s.Link()
	if l == nil {
		return
	}
	frame, err := protocol.Encode(t, h, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Send(ctx, frame); err != nil {
		g.log.Debug().Err(err).Str("session", s.ID).Msg("notify not delivered")
	}
}

// tokenBucket is a byte-rate limiter for shell input.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64
	last   time.Time
}

func newTokenBucket(rate, burst float64) *tokenBucket {
	return &tokenBucket{tokens: burst, burst: burst, rate: rate, last: time.Now()}
}

// allow consumes n tokens if available, refilling at the configured rate.
func (b *tokenBucket) allow(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if float64(n) > b.tokens {
		return false
	}
	b.tokens -= float64(n)
	return true
}
