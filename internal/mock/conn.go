package mock

import (
	"context"
	"sync"
	"time"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
)

// Sent records one outbound message.
type Sent struct {
	To   string
	Text string
}

// Conn is an in-memory adapter.Conn whose events are pushed by the caller.
type Conn struct {
	State *authstore.State

	mu         sync.Mutex
	events     chan adapter.Event
	terminated bool
	sent       []Sent
	sendErr    error
}

func NewConn(state *authstore.State) *Conn {
	return &Conn{
		State:  state,
		events: make(chan adapter.Event, 64),
	}
}

func (c *Conn) Events() <-chan adapter.Event {
	return c.events
}

// Emit queues ev for the consumer. It reports false once the connection is
// terminated or the buffer is full.
func (c *Conn) Emit(ev adapter.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) IssueQR(code string) bool {
	return c.Emit(adapter.Event{Kind: adapter.QRIssued, QR: code})
}

func (c *Conn) Open() bool {
	return c.Emit(adapter.Event{Kind: adapter.Opened})
}

func (c *Conn) Close(reason adapter.CloseReason) bool {
	return c.Emit(adapter.Event{Kind: adapter.Closed, Reason: reason})
}

func (c *Conn) UpdateCreds(creds authstore.Credentials) bool {
	return c.Emit(adapter.Event{Kind: adapter.CredentialsUpdated, Creds: &creds})
}

func (c *Conn) Receive(msg adapter.InboundMessage) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return c.Emit(adapter.Event{Kind: adapter.MessageReceived, Message: &msg})
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conn) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

// Sent returns a copy of everything sent so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Conn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.terminated = true
	close(c.events)
}

func (c *Conn) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}
