// Package whatsapp implements the protocol adapter on top of whatsmeow.
// Every session keeps its device keys in a SQLite database inside its
// credential directory.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
)

// DeviceDB is the key database file inside a session directory.
const DeviceDB = "device.db"

const eventBuffer = 64

type Dialer struct {
	logger *slog.Logger
}

func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{logger: logger}
}

func dsn(dir string) string {
	return "file:" + filepath.Join(dir, DeviceDB) + "?_foreign_keys=on&_busy_timeout=5000"
}

// Dial opens the session's device store and starts connecting. Unpaired
// devices report pairing codes through QRIssued events.
func (d *Dialer) Dial(ctx context.Context, state *authstore.State) (adapter.Conn, error) {
	logger := d.logger.With(slog.String("session_id", state.ID))

	db, err := sql.Open("sqlite3", dsn(state.Dir))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", newLogger(logger, "store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrading device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, newLogger(logger, "client"))
	// Reconnects are the session manager's job.
	client.EnableAutoReconnect = false

	c := &conn{
		client: client,
		db:     db,
		events: make(chan adapter.Event, eventBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	c.handlerID = client.AddEventHandler(c.handle)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		c.stopQR = cancel
		qrs, err := client.GetQRChannel(qrCtx)
		if err != nil {
			c.Terminate()
			return nil, fmt.Errorf("requesting pairing codes: %w", err)
		}
		go c.pumpQR(qrs)
	}

	if err := client.Connect(); err != nil {
		c.Terminate()
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return c, nil
}

type conn struct {
	client    *whatsmeow.Client
	db        *sql.DB
	handlerID uint32
	stopQR    context.CancelFunc
	logger    *slog.Logger

	// closing is set by the first Closed event.
	closing atomic.Bool

	mu     sync.RWMutex
	events chan adapter.Event
	done   chan struct{}
	closed bool
	once   sync.Once
}

func (c *conn) Events() <-chan adapter.Event {
	return c.events
}

func (c *conn) Send(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parsing recipient %q: %w", to, err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *conn) Terminate() {
	c.once.Do(func() {
		close(c.done)
		if c.stopQR != nil {
			c.stopQR()
		}
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
		if err := c.db.Close(); err != nil {
			c.logger.Warn("closing device store failed", slog.Any("error", err))
		}

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}

// handle runs on the protocol client's dispatch goroutine, which keeps
// events in order.
func (c *conn) handle(evt interface{}) {
	for _, ev := range translate(evt, c.self) {
		c.emit(ev)
	}
}

func (c *conn) self() *authstore.Credentials {
	store := c.client.Store
	if store == nil || store.ID == nil {
		return nil
	}
	return &authstore.Credentials{
		JID:      store.ID.String(),
		PushName: store.PushName,
		Platform: store.Platform,
	}
}

func (c *conn) pumpQR(qrs <-chan whatsmeow.QRChannelItem) {
	for item := range qrs {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(adapter.Event{Kind: adapter.QRIssued, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(adapter.Event{Kind: adapter.Closed, Reason: adapter.ReasonConnectionLost})
			return
		case whatsmeow.QRChannelEventError:
			c.emit(adapter.Event{Kind: adapter.Closed, Reason: adapter.ReasonBadSession, Err: item.Error})
			return
		}
	}
}

// emit blocks until the consumer takes ev or the connection is terminated.
// Nothing is emitted after the first Closed event.
func (c *conn) emit(ev adapter.Event) {
	if ev.Kind == adapter.Closed {
		if !c.closing.CompareAndSwap(false, true) {
			return
		}
	} else if c.closing.Load() {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
