package session

import "github.com/shellgate/shellgate/internal/protocol"

// Notification is the closed set of things Abort may tell the still-open
// client link: an error frame, a disconnect message frame, or nothing
// (a nil Notification is silent).
type Notification interface {
	frame() (protocol.MessageType, protocol.Header)
	closeLink() bool
}

// ErrorNotification sends an error frame with a stable status code and
// human-readable text before (optionally) closing the link.
type ErrorNotification struct {
	Status    int
	Text      string
	CloseLink bool
}

func (n ErrorNotification) frame() (protocol.MessageType, protocol.Header) {
	return protocol.MsgError, protocol.Header{Status: n.Status, Reason: n.Text}
}

func (n ErrorNotification) closeLink() bool { return n.CloseLink }

// MessageNotification sends a disconnect message frame. Used for orderly
// teardown where the client should not render an error.
type MessageNotification struct {
	Text      string
	CloseLink bool
}

func (n MessageNotification) frame() (protocol.MessageType, protocol.Header) {
	return protocol.MsgDisconnect, protocol.Header{Reason: n.Text}
}

func (n MessageNotification) closeLink() bool { return n.CloseLink }
