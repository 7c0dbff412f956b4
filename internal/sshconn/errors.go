package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the stable failure category surfaced to clients. Operators and UIs
// key off these, never off raw transport messages, so the mapping from
// low-level errors is part of the contract.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionRefused
	KindNetworkTimeout
	KindAuthFailed
	KindHostKeyFailed
	KindCancelled
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindNetworkTimeout:
		return "network_timeout"
	case KindAuthFailed:
		return "auth_failed"
	case KindHostKeyFailed:
		return "host_key_failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ConnectError pairs a classified kind with the underlying transport error.
// The raw error is logged server-side; clients see the kind plus a generic
// message.
type ConnectError struct {
	Kind Kind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh connect (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// KindOf extracts the classified kind from an error chain, KindUnknown if the
// error did not come from this package.
func KindOf(err error) Kind {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsCancelled reports whether err is the Cancelled condition. Cancellation is
// not a true error: callers suppress it from user-visible reporting and only
// log it.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// classify maps a transport-level failure to its stable category. Substring
// checks are unavoidable here: x/crypto/ssh folds auth and handshake failures
// into opaque error strings.
func classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
		return KindNetworkTimeout
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "password rejected"):
		return KindAuthFailed
	case strings.Contains(msg, "host key"), strings.Contains(msg, "knownhosts"):
		return KindHostKeyFailed
	default:
		return KindUnknown
	}
}
