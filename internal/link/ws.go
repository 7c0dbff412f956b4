package link

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// ErrLinkClosed is returned by Send once the link is shut down or its writer
// has failed.
var ErrLinkClosed = errors.New("link: closed")

// WSLink adapts a coder/websocket connection to the Link contract. Sends go
// through an internal queue drained by a single writer goroutine, which keeps
// frame order and lets Buffered report the outstanding byte count the same
// way a browser's bufferedAmount would.
type WSLink struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	buffered int64
	closed   bool
	err      error
}

// NewWSLink wraps an accepted websocket connection. ctx bounds the writer
// goroutine; it should be the connection's request context.
func NewWSLink(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) *WSLink {
	l := &WSLink{conn: conn, log: log}
	l.cond = sync.NewCond(&l.mu)
	go l.writeLoop(ctx)
	go func() {
		<-ctx.Done()
		l.fail(ctx.Err())
	}()
	return l
}

// Send queues frame for delivery in submission order.
func (l *WSLink) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		if l.err != nil {
			return l.err
		}
		return ErrLinkClosed
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	l.queue = append(l.queue, buf)
	l.buffered += int64(len(buf))
	l.cond.Signal()
	return nil
}

// Buffered reports bytes queued but not yet written to the socket.
func (l *WSLink) Buffered() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffered
}

// Ready reports whether the link still accepts frames.
func (l *WSLink) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close shuts the link down. Queued frames that have not reached the socket
// are dropped; the peer learns the outcome from the close code.
func (l *WSLink) Close(code int, reason string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
	return l.conn.Close(websocket.StatusCode(code), reason)
}

// fail marks the link dead after a transport error.
func (l *WSLink) fail(err error) {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.err = err
	}
	l.queue = nil
	l.buffered = 0
	l.cond.Signal()
	l.mu.Unlock()
}

// writeLoop drains the queue one frame at a time.
func (l *WSLink) writeLoop(ctx context.Context) {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed && len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		frame := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := l.conn.Write(ctx, websocket.MessageBinary, frame)

		l.mu.Lock()
		l.buffered -= int64(len(frame))
		l.mu.Unlock()

		if err != nil {
			l.log.Debug().Err(err).Msg("link write failed")
			l.fail(err)
			return
		}
	}
}
