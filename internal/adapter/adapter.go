// Package adapter defines the contract between the session manager and a
// protocol client. A Dialer opens one connection for a session's auth state;
// the connection reports what happens to it as a stream of normalized Events.
package adapter

import (
	"context"
	"time"

	"github.com/wahub/wahub/internal/authstore"
)

// EventKind enumerates the normalized connection events.
type EventKind int

const (
	CredentialsUpdated EventKind = iota
	QRIssued
	Opened
	Closed
	MessageReceived
)

var eventKindNames = map[EventKind]string{
	CredentialsUpdated: "credentials-updated",
	QRIssued:           "qr-issued",
	Opened:             "open",
	Closed:             "close",
	MessageReceived:    "message-received",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// CloseReason is the status code attached to a close. The values follow the
// disconnect codes WhatsApp clients conventionally report.
type CloseReason int

const (
	ReasonConnectionClosed   CloseReason = 428
	ReasonConnectionLost     CloseReason = 408
	ReasonConnectionReplaced CloseReason = 440
	ReasonLoggedOut          CloseReason = 401
	ReasonBadSession         CloseReason = 500
	ReasonRestartRequired    CloseReason = 515
	ReasonForbidden          CloseReason = 403
)

// Terminal reports whether the close ends the session for good. Only a
// logout does; every other reason is recoverable by reconnecting.
func (r CloseReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// InboundMessage is a received message in protocol-neutral form.
type InboundMessage struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"pushName,omitempty"`
	Text      string    `json:"text"`
	FromMe    bool      `json:"fromMe"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one normalized notification from a connection. Only the field
// matching Kind is set.
type Event struct {
	Kind    EventKind
	QR      string
	Reason  CloseReason
	Err     error // optional detail for Closed
	Creds   *authstore.Credentials
	Message *InboundMessage
}

// Conn is one live protocol connection.
type Conn interface {
	// Events is closed after the connection has terminated and every
	// pending event has been delivered.
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	// Terminate closes the connection without waiting for the server.
	// It is safe to call more than once.
	Terminate()
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, state *authstore.State) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, state *authstore.State) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, state *authstore.State) (Conn, error) {
	return f(ctx, state)
}
