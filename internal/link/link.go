// Package link abstracts the client-facing duplex byte channel.
//
// The gateway depends only on this minimal contract: send bytes, close with a
// code, report outstanding buffered bytes, report readiness. The production
// implementation runs over a WebSocket, but nothing outside this package may
// assume that.
package link

import "context"

// Link is an attached client transport. Implementations must be safe for
// concurrent use.
type Link interface {
	// Send queues a complete frame for delivery. Submission order is
	// preserved. An error means the link is unusable and will not recover.
	Send(ctx context.Context, frame []byte) error
	// Close tears the link down with a close code and reason. Idempotent.
	Close(code int, reason string) error
	// Buffered reports the bytes accepted by Send but not yet handed to the
	// transport. The bridge throttles the shell stream on this number.
	Buffered() int64
	// Ready reports whether Send can still accept frames.
	Ready() bool
}
