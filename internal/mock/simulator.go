package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
)

var mockContacts = []struct {
	number string
	name   string
}{
	{"15551230001", "Ada"},
	{"15551230002", "Grace"},
	{"15551230003", "Linus"},
	{"4915112340004", "Ken"},
	{"447700900005", "Barbara"},
}

var mockTexts = []string{
	"hi, is the order ready?",
	"can you send me the invoice",
	"thanks!",
	"what time do you open tomorrow?",
	"ok see you then",
	"👍",
}

// Simulator is a Dialer that plays a plausible connection lifecycle without
// touching the network: unpaired sessions show a few QR codes before
// "scanning" succeeds, paired sessions open straight away, and connected
// sessions receive a message every few seconds and occasionally drop.
type Simulator struct {
	Tick      time.Duration // base pacing; everything is a multiple of it
	QRCodes   int           // codes shown before pairing succeeds
	DropEvery int           // ticks between connection drops, 0 never
}

func NewSimulator() *Simulator {
	return &Simulator{
		Tick:      2 * time.Second,
		QRCodes:   3,
		DropEvery: 45,
	}
}

func (s *Simulator) Dial(ctx context.Context, state *authstore.State) (adapter.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewConn(state)
	go s.run(ctx, c, state)
	return c, nil
}

func (s *Simulator) run(ctx context.Context, c *Conn, state *authstore.State) {
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()

	paired := state.Creds != nil && state.Creds.JID != ""
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.Terminated() {
			return
		}
		tick++

		switch {
		case !paired && tick <= s.QRCodes:
			c.IssueQR(fakeQR(state.ID))
		case !paired:
			paired = true
			number := fmt.Sprintf("1555%07d", rand.Intn(10_000_000))
			c.UpdateCreds(authstore.Credentials{
				JID:      number + "@s.whatsapp.net",
				PushName: state.ID,
				Platform: "mock",
			})
			c.Open()
		case tick == 1:
			c.Open()
		case s.DropEvery > 0 && tick%s.DropEvery == 0:
			c.Close(adapter.ReasonConnectionLost)
			return
		case rand.Intn(3) == 0:
			contact := mockContacts[rand.Intn(len(mockContacts))]
			c.Receive(adapter.InboundMessage{
				ID:       strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20]),
				Chat:     contact.number + "@s.whatsapp.net",
				Sender:   contact.number + "@s.whatsapp.net",
				PushName: contact.name,
				Text:     mockTexts[rand.Intn(len(mockTexts))],
			})
		}
	}
}

// fakeQR imitates the shape of a pairing payload: comma separated refs and
// keys.
func fakeQR(id string) string {
	return fmt.Sprintf("2@%s,%s,%s,mock-%s",
		strings.ReplaceAll(uuid.NewString(), "-", ""),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:22],
		strings.ReplaceAll(uuid.NewString(), "-", "")[:22],
		id)
}
