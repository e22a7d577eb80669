package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// Event is one decoded dashboard frame. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type     MessageType
	Seq      uint64
	Sessions []SessionSummary
	Status   *StatusPayload
	Log      *LogPayload
	QR       *QRPayload
	Message  *MessagePayload
	Error    *ErrorPayload
}

// Handler receives connection changes and events. Nil callbacks are skipped.
type Handler struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnEvent      func(Event)
}

// WSClient follows the dashboard stream of a wahub server.
type WSClient struct {
	url    string
	logger *slog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	seq     uint64
	missed  uint64
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		url:       url,
		logger:    logger,
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
}

// WebSocketURL derives the dashboard stream URL from a server base URL.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Watch connects and dispatches events until ctx is cancelled. It
// reconnects automatically with exponential backoff.
func (c *WSClient) Watch(ctx context.Context, h Handler) error {
	delay := c.baseDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("ws dial failed", slog.Any("error", err), slog.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, c.maxDelay)
			continue
		}
		delay = c.baseDelay

		c.mu.Lock()
		c.conn = conn
		c.seq = 0
		c.mu.Unlock()
		if h.OnConnect != nil {
			h.OnConnect()
		}

		err = c.readLoop(ctx, conn, h)
		if h.OnDisconnect != nil && ctx.Err() == nil {
			h.OnDisconnect(err)
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx, conn)
	go func() {
		// Unblocks ReadMessage on shutdown.
		<-connCtx.Done()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return err
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.track(msg.Seq)

		ev, ok := decode(msg)
		if ok && h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}

// track records the sequence number and counts frames skipped by the server
// for this client.
func (c *WSClient) track(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != 0 && seq > c.seq+1 {
		c.missed += seq - c.seq - 1
	}
	c.seq = seq
}

// pingLoop sends periodic pings on the given connection until ctx ends.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Missed returns how many frames were skipped across all connections.
func (c *WSClient) Missed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missed
}

func decode(msg WSMessage) (Event, bool) {
	ev := Event{Type: msg.Type, Seq: msg.Seq}
	var err error
	switch msg.Type {
	case MsgInitSessions:
		err = json.Unmarshal(msg.Payload, &ev.Sessions)
	case MsgSessionStatus:
		ev.Status = &StatusPayload{}
		err = json.Unmarshal(msg.Payload, ev.Status)
	case MsgLog:
		ev.Log = &LogPayload{}
		err = json.Unmarshal(msg.Payload, ev.Log)
	case MsgQRCode:
		ev.QR = &QRPayload{}
		err = json.Unmarshal(msg.Payload, ev.QR)
	case MsgMessage:
		ev.Message = &MessagePayload{}
		err = json.Unmarshal(msg.Payload, ev.Message)
	case MsgError:
		ev.Error = &ErrorPayload{}
		err = json.Unmarshal(msg.Payload, ev.Error)
	default:
		return Event{}, false
	}
	return ev, err == nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
