package ws

import (
	"time"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/session"
)

type MessageType string

const (
	MsgInitSessions  MessageType = "init_sessions"
	MsgSessionStatus MessageType = "session_status"
	MsgLog           MessageType = "log"
	MsgQRCode        MessageType = "qr_code"
	MsgMessage       MessageType = "message"
	MsgError         MessageType = "error"
)

// WSMessage is the envelope of every frame sent to a dashboard. Seq grows by
// one per frame across the whole broadcaster, so a subscriber can detect
// frames it missed.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SessionSummary struct {
	ID     string         `json:"id"`
	Status session.Status `json:"status"`
}

type StatusPayload struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

type LogPayload struct {
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// QRPayload carries the current pairing code; a null QR means the code is no
// longer valid.
type QRPayload struct {
	SessionID string  `json:"sessionId"`
	QR        *string `json:"qr"`
}

type MessagePayload struct {
	SessionID string                  `json:"sessionId"`
	Message   *adapter.InboundMessage `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Summaries reduces registry snapshots to what the dashboard lists.
func Summaries(infos []session.Info) []SessionSummary {
	out := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionSummary{ID: info.ID, Status: info.Status})
	}
	return out
}

// messageFor maps a manager event onto its dashboard frame. Events with an
// unexpected payload are skipped.
func messageFor(ev session.Event) (WSMessage, bool) {
	switch ev.Kind {
	case session.EventStatus:
		status, ok := ev.Payload.(session.Status)
		if !ok {
			return WSMessage{}, false
		}
		return WSMessage{Type: MsgSessionStatus, Payload: StatusPayload{SessionID: ev.SessionID, Status: status}}, true
	case session.EventLog:
		msg, ok := ev.Payload.(string)
		if !ok {
			return WSMessage{}, false
		}
		return WSMessage{Type: MsgLog, Payload: LogPayload{SessionID: ev.SessionID, Message: msg, Timestamp: ev.Timestamp}}, true
	case session.EventQR:
		qr, ok := ev.Payload.(*string)
		if !ok {
			return WSMessage{}, false
		}
		return WSMessage{Type: MsgQRCode, Payload: QRPayload{SessionID: ev.SessionID, QR: qr}}, true
	case session.EventMessage:
		msg, ok := ev.Payload.(*adapter.InboundMessage)
		if !ok || msg == nil {
			return WSMessage{}, false
		}
		return WSMessage{Type: MsgMessage, Payload: MessagePayload{SessionID: ev.SessionID, Message: msg}}, true
	}
	return WSMessage{}, false
}
