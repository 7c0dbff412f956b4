// Package bridge relays bytes between a session's shell channel and its
// client link with hysteresis-based backpressure.
//
// Shell output is framed and forwarded immediately; when the client link's
// outbound buffer climbs past the high threshold the bridge stops reading
// from the shell, and a bounded poll resumes it once the buffer drains below
// the low threshold. Two distinct thresholds keep the stream from flapping at
// a single boundary. The client-to-shell direction is a plain ordered write
// path owned by the session itself (Session.WriteInput).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/protocol"
	"github.com/shellgate/shellgate/internal/session"
)

const (
	// DefaultHighWater pauses the shell stream when the link buffers more
	// than this many outbound bytes (4 MiB).
	DefaultHighWater = 4 * 1024 * 1024
	// DefaultLowWater resumes the stream once the buffer drains below this
	// (2 MiB).
	DefaultLowWater = 2 * 1024 * 1024
	// defaultPollInterval is how often a paused stream re-checks the buffer.
	defaultPollInterval = 100 * time.Millisecond
	// defaultStatsInterval is how often throughput statistics are logged.
	defaultStatsInterval = 30 * time.Second

	// readBufSize is the shell read chunk size.
	readBufSize = 32 * 1024
)

// Bridge holds the relay tunables. One Bridge serves all sessions.
type Bridge struct {
	HighWater    int64
	LowWater     int64
	PollInterval time.Duration

	log zerolog.Logger
}

// New creates a Bridge. Non-positive thresholds fall back to the defaults;
// a low threshold at or above the high one is rejected because it would
// defeat the hysteresis.
func New(log zerolog.Logger, highWater, lowWater int64) (*Bridge, error) {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if lowWater <= 0 {
		lowWater = DefaultLowWater
	}
	if lowWater >= highWater {
		return nil, fmt.Errorf("bridge: low threshold %d must be below high threshold %d", lowWater, highWater)
	}
	return &Bridge{
		HighWater:    highWater,
		LowWater:     lowWater,
		PollInterval: defaultPollInterval,
		log:          log.With().Str("component", "bridge").Logger(),
	}, nil
}

// Run pumps shell output to the session's client link until the shell stream
// ends or ctx (the session's cancellation token) is done. Output produced
// while no link is attached lands in the session scrollback for replay.
// A context error means cancellation, not failure; callers suppress it.
func (b *Bridge) Run(ctx context.Context, sess *session.Session) error {
	shell := sess.Shell()
	if shell == nil {
		return session.ErrNoActiveShell
	}

	stop := make(chan struct{})
	defer close(stop)
	go b.logStats(sess, stop)

	buf := make([]byte, readBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := shell.Read(buf)
		if n > 0 {
			b.forward(ctx, sess, buf[:n])
			if err := b.waitBelowLowWater(ctx, sess); err != nil {
				return err
			}
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("shell stream: %w", readErr)
		}
	}
}

// forward frames one chunk and hands it to the attached link, or buffers it
// in scrollback while detached. A dead link demotes the session to detached;
// the payload is never silently re-encoded or dropped.
func (b *Bridge) forward(ctx context.Context, sess *session.Session, chunk []byte) {
	sess.AddBytesToClient(len(chunk))
	metrics.BytesRelayed.WithLabelValues("to_client").Add(float64(len(chunk)))

	l := sess.Link()
	if l == nil || !l.Ready() {
		sess.Scrollback().Write(chunk)
		return
	}

	frame, err := protocol.Encode(protocol.MsgShellData, protocol.Header{SessionID: sess.ID}, chunk)
	if err != nil {
		// Unreachable for a well-formed header; treated as fatal for the
		// direction rather than degrading the encoding.
		b.log.Error().Err(err).Str("session", sess.ID).Msg("shell frame encode failed")
		return
	}
	if err := l.Send(ctx, frame); err != nil {
		b.log.Debug().Err(err).Str("session", sess.ID).Msg("client link write failed, detaching")
		sess.DetachLink(l)
		sess.Scrollback().Write(chunk)
	}
}

// waitBelowLowWater pauses the pump while the link's outbound buffer is past
// the high threshold, polling until it drains below the low threshold. Detach
// and cancellation both end the wait.
func (b *Bridge) waitBelowLowWater(ctx context.Context, sess *session.Session) error {
	l := sess.Link()
	if l == nil || l.Buffered() <= b.HighWater {
		return nil
	}

	sess.SetPaused(true)
	metrics.BridgePauses.Inc()
	b.log.Debug().Str("session", sess.ID).Int64("buffered", l.Buffered()).
		Msg("pausing shell stream for slow client")

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sess.SetPaused(false)
			return ctx.Err()
		case <-ticker.C:
			cur := sess.Link()
			if cur == nil || cur != l || cur.Buffered() < b.LowWater {
				sess.SetPaused(false)
				metrics.BridgeResumes.Inc()
				b.log.Debug().Str("session", sess.ID).Msg("resuming shell stream")
				return nil
			}
		}
	}
}

// logStats periodically reports throughput for operational visibility. This
// is observability only; it never influences data flow.
func (b *Bridge) logStats(sess *session.Session, stop <-chan struct{}) {
	ticker := time.NewTicker(defaultStatsInterval)
	defer ticker.Stop()

	var lastBytes uint64
	lastTime := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c := sess.CountersSnapshot()
			elapsed := now.Sub(lastTime).Seconds()
			if elapsed <= 0 {
				continue
			}
			rate := float64(c.BytesToClient-lastBytes) / elapsed
			b.log.Info().Str("session", sess.ID).
				Float64("bytes_per_sec", rate).
				Uint64("pauses", c.PauseCount).
				Uint64("resumes", c.ResumeCount).
				Uint64("bytes_to_client", c.BytesToClient).
				Uint64("bytes_to_shell", c.BytesToShell).
				Msg("bridge throughput")
			lastBytes = c.BytesToClient
			lastTime = now
		}
	}
}
