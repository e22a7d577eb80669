package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wahub/wahub/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the subscriber limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

// SessionLister provides the snapshot sent to new subscribers.
type SessionLister interface {
	GetAll() []session.Info
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
	once sync.Once
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			// Drain so RemoveClient's close lets the range end.
			for range c.send {
			}
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster fans manager events out to dashboard subscribers. It never
// blocks the publisher: a subscriber whose buffer is full is disconnected.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	sessions SessionLister
	maxConns int
	privacy  *session.PrivacyFilter
	logger   *slog.Logger

	// sendMu serializes sequence assignment with enqueueing so every
	// subscriber sees frames in seq order.
	sendMu sync.Mutex
	seq    uint64

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
}

type BroadcasterOptions struct {
	// SnapshotInterval re-sends init_sessions periodically; 0 disables.
	SnapshotInterval time.Duration
	// MaxConnections caps concurrent subscribers; 0 means unlimited.
	MaxConnections int
	Privacy        *session.PrivacyFilter
	Logger         *slog.Logger
}

func NewBroadcaster(sessions SessionLister, opts BroadcasterOptions) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		sessions: sessions,
		maxConns: opts.MaxConnections,
		privacy:  opts.Privacy,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
	}
	if b.privacy == nil {
		b.privacy = &session.PrivacyFilter{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	if opts.SnapshotInterval > 0 {
		b.snapshotTicker = time.NewTicker(opts.SnapshotInterval)
		go b.snapshotLoop()
	}

	return b
}

// AddClient registers conn and queues the current session list as its
// first frame. sendMu is held across registration so no broadcast can
// reach the client ahead of the snapshot.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.RLock()
	full := b.maxConns > 0 && len(b.clients) >= b.maxConns
	b.mu.RUnlock()
	if full {
		return nil, ErrTooManyConnections
	}

	data, err := b.encode(b.snapshot())
	if err != nil {
		b.logger.Error("snapshot marshal failed", slog.Any("error", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := newClient(conn, b)
	b.clients[c] = true
	if data != nil {
		c.send <- data
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish implements session.Publisher.
func (b *Broadcaster) Publish(ev session.Event) {
	msg, ok := messageFor(b.privacy.Apply(ev))
	if !ok {
		return
	}
	b.broadcast(msg)
}

// Stop ends the snapshot loop and disconnects every subscriber.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		if b.snapshotTicker != nil {
			b.snapshotTicker.Stop()
		}
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) snapshot() WSMessage {
	return WSMessage{
		Type:    MsgInitSessions,
		Payload: Summaries(b.sessions.GetAll()),
	}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshot())
		}
	}
}

// encode stamps the next sequence number. Callers hold sendMu.
func (b *Broadcaster) encode(msg WSMessage) ([]byte, error) {
	b.seq++
	msg.Seq = b.seq
	return json.Marshal(msg)
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	data, err := b.encode(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed", slog.String("type", string(msg.Type)), slog.Any("error", err))
		return
	}

	// Sends happen under the read lock so no channel is closed mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		b.logger.Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
