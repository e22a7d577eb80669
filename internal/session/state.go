package session

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Uninitialized Status = iota
	Initializing
	WaitingQR
	Connected
	Reconnecting
	Disconnected
	Deleted
)

var statusNames = map[Status]string{
	Uninitialized: "UNINITIALIZED",
	Initializing:  "INITIALIZING",
	WaitingQR:     "WAITING_QR",
	Connected:     "CONNECTED",
	Reconnecting:  "RECONNECTING",
	Disconnected:  "DISCONNECTED",
	Deleted:       "DELETED",
}

var statusFromName = map[string]Status{
	"UNINITIALIZED": Uninitialized,
	"INITIALIZING":  Initializing,
	"WAITING_QR":    WaitingQR,
	"CONNECTED":     Connected,
	"RECONNECTING":  Reconnecting,
	"DISCONNECTED":  Disconnected,
	"DELETED":       Deleted,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether the status ends a lifecycle. Terminal sessions
// are no longer in the registry.
func (s Status) IsTerminal() bool {
	return s == Disconnected || s == Deleted
}

// Info is a point-in-time view of one registry entry.
type Info struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	QR        string    `json:"qr,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
