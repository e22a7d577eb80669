package session

import (
	"fmt"
	"log/slog"
)

// Publisher receives every event the manager emits. Implementations must
// not block; the manager calls Publish from its session workers.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Fanout delivers each event to several publishers. A publisher that panics
// is logged and skipped; delivery failures never reach the manager.
type Fanout struct {
	pubs   []Publisher
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, pubs ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{pubs: pubs, logger: logger}
}

func (f *Fanout) Publish(ev Event) {
	for _, p := range f.pubs {
		f.deliver(p, ev)
	}
}

func (f *Fanout) deliver(p Publisher, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("publish failed",
				slog.String("session_id", ev.SessionID),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", fmt.Sprint(r)))
		}
	}()
	p.Publish(ev)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
