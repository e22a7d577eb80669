package whatsapp

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
)

// translate maps one protocol client event onto adapter events. self reads
// the account the device is paired with, nil before pairing.
func translate(evt interface{}, self func() *authstore.Credentials) []adapter.Event {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return []adapter.Event{{
			Kind: adapter.CredentialsUpdated,
			Creds: &authstore.Credentials{
				JID:      e.ID.String(),
				PushName: e.BusinessName,
				Platform: e.Platform,
			},
		}}
	case *events.Connected:
		out := make([]adapter.Event, 0, 2)
		if creds := self(); creds != nil {
			out = append(out, adapter.Event{Kind: adapter.CredentialsUpdated, Creds: creds})
		}
		return append(out, adapter.Event{Kind: adapter.Opened})
	case *events.Disconnected:
		return closed(adapter.ReasonConnectionClosed, nil)
	case *events.LoggedOut:
		return closed(adapter.ReasonLoggedOut, nil)
	case *events.StreamReplaced:
		return closed(adapter.ReasonConnectionReplaced, nil)
	case *events.TemporaryBan:
		return closed(adapter.ReasonForbidden, nil)
	case *events.ClientOutdated:
		return closed(adapter.ReasonBadSession, nil)
	case *events.StreamError:
		return closed(adapter.ReasonRestartRequired, nil)
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return closed(adapter.ReasonLoggedOut, nil)
		}
		return closed(adapter.ReasonBadSession, nil)
	case *events.Message:
		return []adapter.Event{{Kind: adapter.MessageReceived, Message: inbound(e)}}
	}
	return nil
}

func closed(reason adapter.CloseReason, err error) []adapter.Event {
	return []adapter.Event{{Kind: adapter.Closed, Reason: reason, Err: err}}
}

func inbound(e *events.Message) *adapter.InboundMessage {
	return &adapter.InboundMessage{
		ID:        e.Info.ID,
		Chat:      e.Info.Chat.String(),
		Sender:    e.Info.Sender.String(),
		PushName:  e.Info.PushName,
		Text:      messageText(e.Message),
		FromMe:    e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
	}
}

// messageText extracts what a person would read: plain text, the body of
// an extended text message, or a media caption.
func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage().GetCaption() != "":
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage().GetCaption() != "":
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}
