package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/session"
)

type logCollector struct {
	mu   sync.Mutex
	logs []string
}

func (c *logCollector) Publish(ev session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg, ok := ev.Payload.(string); ok && ev.Kind == session.EventLog {
		c.logs = append(c.logs, msg)
	}
}

func (c *logCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

type outcomes struct {
	mu  sync.Mutex
	got map[string]int
}

func (o *outcomes) WebhookDelivered(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.got == nil {
		o.got = map[string]int{}
	}
	o.got[outcome]++
}

func (o *outcomes) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.got[outcome]
}

func TestNotify_Disabled(t *testing.T) {
	var nilRelay *Relay
	assert.False(t, nilRelay.Enabled())

	r := New(Options{})
	assert.False(t, r.Enabled())
	r.Notify("A", &adapter.InboundMessage{ID: "1"})
	r.Wait()
}

func TestNotify_PostsPayload(t *testing.T) {
	type received struct {
		body     Payload
		delivery string
		ctype    string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- received{p, r.Header.Get(DeliveryHeader), r.Header.Get("Content-Type")}
	}))
	defer srv.Close()

	logs := &logCollector{}
	rec := &outcomes{}
	r := New(Options{URL: srv.URL, Publisher: logs, Recorder: rec})

	r.Notify("A", &adapter.InboundMessage{ID: "m1", Chat: "15551234567@s.whatsapp.net", Text: "hi"})
	r.Wait()

	select {
	case g := <-got:
		assert.Equal(t, "message", g.body.Event)
		assert.Equal(t, "A", g.body.SessionID)
		require.NotNil(t, g.body.Message)
		assert.Equal(t, "hi", g.body.Message.Text)
		assert.NotEmpty(t, g.delivery)
		assert.Equal(t, "application/json", g.ctype)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received")
	}

	assert.Equal(t, []string{"Webhook sent to " + srv.URL}, logs.all())
	assert.Equal(t, 1, rec.count(OutcomeSent))
}

func TestNotify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logs := &logCollector{}
	rec := &outcomes{}
	r := New(Options{URL: srv.URL, Publisher: logs, Recorder: rec})
	r.Notify("A", &adapter.InboundMessage{ID: "m1"})
	r.Wait()

	require.Len(t, logs.all(), 1)
	assert.Equal(t, "Webhook failed: Request failed with status code 500", logs.all()[0])
	assert.Equal(t, 1, rec.count(OutcomeFailed))
}

func TestNotify_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	logs := &logCollector{}
	r := New(Options{URL: url, Publisher: logs})
	r.Notify("A", &adapter.InboundMessage{ID: "m1"})
	r.Wait()

	require.Len(t, logs.all(), 1)
	assert.True(t, strings.HasPrefix(logs.all()[0], "Webhook failed: "))
}

func TestNotify_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &outcomes{}
	r := New(Options{URL: srv.URL, Timeout: 20 * time.Millisecond, Recorder: rec})
	start := time.Now()
	r.Notify("A", &adapter.InboundMessage{ID: "m1"})
	r.Wait()

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, rec.count(OutcomeFailed))
}

func TestNotify_BreakerDropsAfterFailures(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &outcomes{}
	r := New(Options{URL: srv.URL, BreakerFailures: 2, BreakerDelay: time.Hour, Recorder: rec})
	for i := 0; i < 4; i++ {
		r.Notify("A", &adapter.InboundMessage{ID: "m"})
		r.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits, "open breaker must not reach the endpoint")
	assert.Equal(t, 2, rec.count(OutcomeFailed))
	assert.Equal(t, 2, rec.count(OutcomeDropped))
}
