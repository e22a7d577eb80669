package session

import (
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/wahub/wahub/internal/adapter"
)

// phoneRun matches the digit run of a phone number, bare or inside a JID.
var phoneRun = regexp.MustCompile(`\d{6,}`)

// PrivacyFilter masks personal data in events before they reach dashboard
// subscribers. The webhook always receives the unmasked message. The zero
// value is a no-op filter.
type PrivacyFilter struct {
	MaskNumbers     bool
	HideMessageText bool
}

// Apply returns ev with sensitive fields masked according to the filter.
// The original event and its payload are never modified.
func (f *PrivacyFilter) Apply(ev Event) Event {
	if f.IsNoop() {
		return ev
	}

	switch ev.Kind {
	case EventLog:
		if msg, ok := ev.Payload.(string); ok && f.MaskNumbers {
			ev.Payload = maskNumbers(msg)
		}
	case EventMessage:
		msg, ok := ev.Payload.(*adapter.InboundMessage)
		if !ok || msg == nil {
			return ev
		}
		masked := *msg
		if f.MaskNumbers {
			masked.Chat = maskNumbers(masked.Chat)
			masked.Sender = maskNumbers(masked.Sender)
		}
		if f.HideMessageText {
			masked.Text = ""
		}
		ev.Payload = &masked
	}
	return ev
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return f == nil || (!f.MaskNumbers && !f.HideMessageText)
}

func maskNumbers(s string) string {
	return phoneRun.ReplaceAllStringFunc(s, shortHash)
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
