package session

import (
	"time"

	"github.com/google/uuid"
)

// SystemID is the session id used for process-wide log events.
const SystemID = "SYSTEM"

// EventKind classifies what observers are told.
type EventKind string

const (
	EventLog     EventKind = "log"
	EventStatus  EventKind = "status"
	EventQR      EventKind = "qr"
	EventMessage EventKind = "message"
)

// Event is one published notification. Payload depends on Kind:
// EventLog carries a string, EventStatus a Status, EventQR a *string (nil
// clears the code) and EventMessage an *adapter.InboundMessage.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(sessionID string, kind EventKind, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewLogEvent builds a log event for components that report through the
// same publisher as the manager.
func NewLogEvent(sessionID, message string) Event {
	return newEvent(sessionID, EventLog, message)
}
