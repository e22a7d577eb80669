package mock

import (
	"context"
	"sync"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
)

// Dialer hands out Conns and remembers each one, so a test can drive the
// connection a session is currently using.
type Dialer struct {
	mu       sync.Mutex
	conns    []*Conn
	failures []error
	dialed   chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// FailNext makes the next len(errs) dials fail with the given errors.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *Dialer) Dial(ctx context.Context, state *authstore.State) (adapter.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := NewConn(state)
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed delivers every successfully dialed Conn in order.
func (d *Dialer) Dialed() <-chan *Conn {
	return d.dialed
}

// Count returns the number of successful dials.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
