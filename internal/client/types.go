// Package client provides WebSocket and HTTP clients for the wahub server.
// Types mirror the server wire protocol without importing server packages.
package client

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	MsgInitSessions  MessageType = "init_sessions"
	MsgSessionStatus MessageType = "session_status"
	MsgLog           MessageType = "log"
	MsgQRCode        MessageType = "qr_code"
	MsgMessage       MessageType = "message"
	MsgError         MessageType = "error"
)

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// SessionSummary is one row of GET /sessions and init_sessions.
type SessionSummary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Session is returned by GET /sessions/{id}.
type Session struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	QR        string    `json:"qr,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InboundMessage mirrors a received chat message.
type InboundMessage struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender,omitempty"`
	PushName  string    `json:"pushName,omitempty"`
	Text      string    `json:"text"`
	FromMe    bool      `json:"fromMe"`
	Timestamp time.Time `json:"timestamp"`
}

// --- WebSocket payload types ---

type StatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type LogPayload struct {
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// QRPayload has a nil QR once the code stopped being valid.
type QRPayload struct {
	SessionID string  `json:"sessionId"`
	QR        *string `json:"qr"`
}

type MessagePayload struct {
	SessionID string          `json:"sessionId"`
	Message   *InboundMessage `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// --- HTTP response types ---

// CommandResponse is returned by init, delete and send.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Health mirrors GET /healthz.
type Health struct {
	Status     string  `json:"status"`
	Uptime     string  `json:"uptime"`
	Sessions   int     `json:"sessions"`
	WSClients  int     `json:"wsClients"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}
