package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
	"github.com/wahub/wahub/internal/mock"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, ev := range r.events {
		if ev.SessionID == id && ev.Kind == EventStatus {
			out = append(out, ev.Payload.(Status))
		}
	}
	return out
}

func (r *recorder) kinds(id string, kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.SessionID == id && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) logs(id string) []string {
	var out []string
	for _, ev := range r.kinds(id, EventLog) {
		out = append(out, ev.Payload.(string))
	}
	return out
}

type relayed struct {
	sessionID string
	msg       *adapter.InboundMessage
}

type recordingRelay struct {
	mu  sync.Mutex
	got []relayed
}

func (r *recordingRelay) Notify(sessionID string, msg *adapter.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, relayed{sessionID, msg})
}

func (r *recordingRelay) all() []relayed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayed(nil), r.got...)
}

// flakyStore wraps a real store and fails or holds the operations a test
// asks for.
type flakyStore struct {
	*authstore.Store
	mu       sync.Mutex
	loadErrs map[string]error
	eraseErr error

	// eraseGate, when set, holds Erase until closed; eraseStarted is
	// signalled first.
	eraseGate    chan struct{}
	eraseStarted chan string
	// persistGates hold Persist for the given ids until closed.
	persistGates   map[string]chan struct{}
	persistStarted chan string
}

func (s *flakyStore) Persist(ctx context.Context, id string, creds authstore.Credentials) error {
	s.mu.Lock()
	gate := s.persistGates[id]
	started := s.persistStarted
	s.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- id
		}
		<-gate
	}
	return s.Store.Persist(ctx, id, creds)
}

func (s *flakyStore) Load(ctx context.Context, id string) (*authstore.State, error) {
	s.mu.Lock()
	err := s.loadErrs[id]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Load(ctx, id)
}

func (s *flakyStore) Erase(ctx context.Context, id string) error {
	s.mu.Lock()
	err := s.eraseErr
	gate, started := s.eraseGate, s.eraseStarted
	s.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- id
		}
		<-gate
	}
	if err != nil {
		return err
	}
	return s.Store.Erase(ctx, id)
}

type harness struct {
	m      *Manager
	dialer *mock.Dialer
	store  *flakyStore
	rec    *recorder
	relay  *recordingRelay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer: mock.NewDialer(),
		store:  &flakyStore{Store: authstore.NewStore(t.TempDir()), loadErrs: map[string]error{}},
		rec:    &recorder{},
		relay:  &recordingRelay{},
	}
	h.m = NewManager(h.store, h.dialer, Options{
		Publisher:             h.rec,
		Relay:                 h.relay,
		ReconnectInitialDelay: time.Millisecond,
		ReconnectMaxDelay:     5 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) nextConn(t *testing.T) *mock.Conn {
	t.Helper()
	select {
	case c := <-h.dialer.Dialed():
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := h.m.GetSession(id)
		return ok && info.Status == want
	}, waitFor, time.Millisecond, "session %s never reached %s", id, want)
}

func TestInitSession_IdempotentWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", info.ID)
	h.nextConn(t)

	again, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", again.ID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count(), "second init must not open another connection")
	assert.Equal(t, 1, h.m.Registry().Len())
	assert.Contains(t, h.rec.logs("A"), "Session already active. Returning existing session.")
}

func TestInitSession_RejectsInvalidID(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.InitSession(context.Background(), "../etc")
	assert.ErrorIs(t, err, authstore.ErrInvalidID)
	assert.Equal(t, 0, h.m.Registry().Len())
}

func TestInitSession_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.loadErrs["A"] = errors.New("disk on fire")

	_, err := h.m.InitSession(context.Background(), "A")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	assert.Equal(t, 0, h.m.Registry().Len())
	assert.Equal(t, 0, h.dialer.Count())
	statuses := h.rec.statuses("A")
	require.NotEmpty(t, statuses)
	assert.Equal(t, Disconnected, statuses[len(statuses)-1])
}

func TestLifecycle_QRThenOpenThenDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	conn := h.nextConn(t)

	require.True(t, conn.IssueQR("ABC"))
	h.waitStatus(t, "A", WaitingQR)
	info, _ := h.m.GetSession("A")
	assert.Equal(t, "ABC", info.QR)

	require.True(t, conn.Open())
	h.waitStatus(t, "A", Connected)
	info, _ = h.m.GetSession("A")
	assert.Empty(t, info.QR, "qr is cleared once connected")

	qrs := h.rec.kinds("A", EventQR)
	require.Len(t, qrs, 2)
	assert.Equal(t, "ABC", *qrs[0].Payload.(*string))
	assert.Nil(t, qrs[1].Payload.(*string), "open publishes a null qr")

	require.NoError(t, h.m.DeleteSession(ctx, "A"))
	assert.Empty(t, h.m.GetAllSessions())
	assert.True(t, conn.Terminated())
	_, statErr := os.Stat(h.store.Dir("A"))
	assert.True(t, os.IsNotExist(statErr), "credentials directory should be gone")

	statuses := h.rec.statuses("A")
	assert.Equal(t, []Status{Initializing, WaitingQR, Connected, Deleted}, statuses)
}

func TestClose_LoggedOutIsTerminal(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.InitSession(context.Background(), "A")
	require.NoError(t, err)
	conn := h.nextConn(t)
	conn.Open()
	h.waitStatus(t, "A", Connected)

	require.True(t, conn.Close(adapter.ReasonLoggedOut))

	require.Eventually(t, func() bool { return h.m.Registry().Len() == 0 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count(), "logged out sessions are not redialed")

	statuses := h.rec.statuses("A")
	assert.Equal(t, Disconnected, statuses[len(statuses)-1])
	assert.NotContains(t, statuses, Reconnecting)
	assert.Contains(t, h.rec.logs("A"), "Connection closed: 401. Reconnecting: false")
}

func TestClose_RecoverableReconnectsOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.InitSession(context.Background(), "A")
	require.NoError(t, err)
	first := h.nextConn(t)
	first.Open()
	h.waitStatus(t, "A", Connected)

	require.True(t, first.Close(adapter.ReasonConnectionLost))
	second := h.nextConn(t)
	assert.NotSame(t, first, second)
	assert.True(t, first.Terminated())

	second.Open()
	h.waitStatus(t, "A", Connected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.Count(), "exactly one new connection per close")

	assert.Contains(t, h.rec.statuses("A"), Reconnecting)
	assert.Contains(t, h.rec.logs("A"), "Connection closed: 408. Reconnecting: true")
}

func TestClose_ChannelClosedCountsAsConnectionLost(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.InitSession(context.Background(), "A")
	require.NoError(t, err)
	first := h.nextConn(t)

	first.Terminate()
	h.nextConn(t)
	assert.Equal(t, 2, h.dialer.Count())
}

func TestDelete_CloseAfterDeleteIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	conn := h.nextConn(t)
	conn.Open()
	h.waitStatus(t, "A", Connected)

	require.NoError(t, h.m.DeleteSession(ctx, "A"))
	assert.False(t, conn.Close(adapter.ReasonConnectionLost), "terminated connections emit nothing")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count())
	assert.Equal(t, 0, h.m.Registry().Len())

	statuses := h.rec.statuses("A")
	assert.Equal(t, Deleted, statuses[len(statuses)-1], "nothing is published after DELETED")
}

func TestDelete_CloseQueuedBeforeDeleteDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	conn := h.nextConn(t)
	conn.Open()
	h.waitStatus(t, "A", Connected)

	// Hold the worker inside a credential write so the close below is
	// still queued when the delete lands.
	gate := make(chan struct{})
	h.store.mu.Lock()
	h.store.persistGates = map[string]chan struct{}{"A": gate}
	h.store.persistStarted = make(chan string, 1)
	h.store.mu.Unlock()

	require.True(t, conn.UpdateCreds(authstore.Credentials{JID: "15550000001@s.whatsapp.net"}))
	<-h.store.persistStarted
	require.True(t, conn.Close(adapter.ReasonConnectionLost))

	deleted := make(chan error, 1)
	go func() { deleted <- h.m.DeleteSession(ctx, "A") }()
	require.Eventually(t, func() bool { return h.m.Registry().Len() == 0 }, waitFor, time.Millisecond)
	close(gate)

	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("delete did not finish")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count(), "a close queued before delete must not redial")
	statuses := h.rec.statuses("A")
	assert.Equal(t, Deleted, statuses[len(statuses)-1])
	assert.NotContains(t, statuses, Reconnecting)
	_, statErr := os.Stat(h.store.Dir("A"))
	assert.True(t, os.IsNotExist(statErr), "erase runs after the pending write")
}

func TestHandleClose_DeletedEntryIsIgnored(t *testing.T) {
	h := newHarness(t)
	e := newEntry("A")
	e.deleted.Store(true)
	conn := mock.NewConn(nil)

	again := h.m.handleClose(context.Background(), e, conn, adapter.Event{Kind: adapter.Closed, Reason: adapter.ReasonConnectionLost})

	assert.False(t, again)
	assert.Empty(t, h.rec.statuses("A"))
	assert.Equal(t, []string{"Connection closed. Session was explicitly deleted. Not reconnecting."}, h.rec.logs("A"))
	assert.False(t, conn.Terminated(), "the deleting side owns termination")
}

func TestDelete_InitDuringEraseWaitsForDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	h.nextConn(t)

	gate := make(chan struct{})
	h.store.mu.Lock()
	h.store.eraseGate = gate
	h.store.eraseStarted = make(chan string, 1)
	h.store.mu.Unlock()

	deleted := make(chan error, 1)
	go func() { deleted <- h.m.DeleteSession(ctx, "A") }()
	<-h.store.eraseStarted

	initialized := make(chan error, 1)
	go func() {
		_, err := h.m.InitSession(ctx, "A")
		initialized <- err
	}()

	select {
	case <-initialized:
		t.Fatal("init of A completed while its delete was still erasing")
	case <-time.After(20 * time.Millisecond):
	}

	h.store.mu.Lock()
	h.store.eraseGate = nil
	h.store.mu.Unlock()
	close(gate)

	require.NoError(t, <-deleted)
	require.NoError(t, <-initialized)
	h.nextConn(t)

	info, ok := h.m.GetSession("A")
	require.True(t, ok)
	assert.Equal(t, Initializing, info.Status)
	_, statErr := os.Stat(h.store.Dir("A"))
	assert.NoError(t, statErr, "the new lifecycle keeps its credential directory")

	statuses := h.rec.statuses("A")
	assert.Equal(t, Initializing, statuses[len(statuses)-1], "DELETED is published before the new lifecycle starts")
	assert.Equal(t, []Status{Initializing, Deleted, Initializing}, statuses)
}

func TestSessions_BlockedPersistDoesNotStallOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	gate := make(chan struct{})
	h.store.mu.Lock()
	h.store.persistGates = map[string]chan struct{}{"A": gate}
	h.store.persistStarted = make(chan string, 1)
	h.store.mu.Unlock()

	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	connA := h.nextConn(t)
	require.True(t, connA.UpdateCreds(authstore.Credentials{JID: "15550000001@s.whatsapp.net"}))
	<-h.store.persistStarted

	_, err = h.m.InitSession(ctx, "B")
	require.NoError(t, err)
	connB := h.nextConn(t)
	connB.Open()
	h.waitStatus(t, "B", Connected)

	require.True(t, connB.Close(adapter.ReasonConnectionLost))
	redialed := h.nextConn(t)
	redialed.Open()
	h.waitStatus(t, "B", Connected)

	info, _ := h.m.GetSession("A")
	assert.Equal(t, Initializing, info.Status, "A is still stuck in its write")

	close(gate)
	connA.Open()
	h.waitStatus(t, "A", Connected)
}

func TestInitSession_RefusedAfterShutdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Shutdown(context.Background()))

	_, err := h.m.InitSession(context.Background(), "A")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 0, h.m.Registry().Len())
	assert.Equal(t, 0, h.dialer.Count())
}

func TestDelete_UnknownSessionSucceeds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.DeleteSession(context.Background(), "ghost"))
	assert.Contains(t, h.rec.statuses("ghost"), Deleted)
}

func TestDelete_EraseFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.store.eraseErr = errors.New("read-only filesystem")

	require.NoError(t, h.m.DeleteSession(context.Background(), "A"))
	logs := h.rec.logs("A")
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1], "Failed to remove session files")
}

func TestDelete_ThenInitStartsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	h.nextConn(t)
	require.NoError(t, h.m.DeleteSession(ctx, "A"))

	_, err = h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	h.nextConn(t)
	assert.Equal(t, 2, h.dialer.Count())
	assert.Equal(t, 1, h.m.Registry().Len())
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.m.SendMessage(ctx, "missing", "15551234567", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	conn := h.nextConn(t)
	conn.IssueQR("ABC")
	h.waitStatus(t, "A", WaitingQR)

	err = h.m.SendMessage(ctx, "A", "15551234567", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound, "a session waiting for a scan cannot send")

	conn.Open()
	h.waitStatus(t, "A", Connected)

	require.NoError(t, h.m.SendMessage(ctx, "A", "15551234567", "hi"))
	require.NoError(t, h.m.SendMessage(ctx, "A", "120363025246125486@g.us", "hello group"))

	assert.Equal(t, []mock.Sent{
		{To: "15551234567@s.whatsapp.net", Text: "hi"},
		{To: "120363025246125486@g.us", Text: "hello group"},
	}, conn.Sent())
	assert.Contains(t, h.rec.logs("A"), "Message sent to 15551234567@s.whatsapp.net")

	conn.FailSends(errors.New("socket closed"))
	err = h.m.SendMessage(ctx, "A", "15551234567", "again")
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestCredentialsArePersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	conn := h.nextConn(t)

	conn.UpdateCreds(authstore.Credentials{JID: "15551234567@s.whatsapp.net", PushName: "Ada"})
	conn.Open()
	h.waitStatus(t, "A", Connected)

	state, err := h.store.Load(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, state.Creds)
	assert.Equal(t, "15551234567@s.whatsapp.net", state.Creds.JID)
	assert.Equal(t, "Ada", state.Creds.PushName)
}

func TestInboundMessagesReachRelay(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.InitSession(context.Background(), "A")
	require.NoError(t, err)
	conn := h.nextConn(t)
	conn.Open()

	conn.Receive(adapter.InboundMessage{ID: "1", Chat: "15551234567@s.whatsapp.net", Text: "mine", FromMe: true})
	conn.Receive(adapter.InboundMessage{ID: "2", Chat: "15557654321@s.whatsapp.net", Text: "hello"})

	require.Eventually(t, func() bool { return len(h.relay.all()) == 1 }, waitFor, time.Millisecond)
	got := h.relay.all()[0]
	assert.Equal(t, "A", got.sessionID)
	assert.Equal(t, "2", got.msg.ID)

	msgs := h.rec.kinds("A", EventMessage)
	require.Len(t, msgs, 1, "own messages are not published")
	assert.Contains(t, h.rec.logs("A"), "Message received from 15557654321@s.whatsapp.net")
}

func TestDialFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(errors.New("refused"), errors.New("refused again"))

	_, err := h.m.InitSession(context.Background(), "A")
	require.NoError(t, err, "dial failures are reported through events")

	conn := h.nextConn(t)
	conn.Open()
	h.waitStatus(t, "A", Connected)
	assert.Contains(t, h.rec.statuses("A"), Reconnecting)
}

func TestRestoreSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.store.Persist(ctx, id, authstore.Credentials{JID: id + "@s.whatsapp.net"}))
	}
	h.store.loadErrs["b"] = errors.New("corrupt")

	err := h.m.RestoreSessions(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	require.Eventually(t, func() bool { return h.dialer.Count() == 2 }, waitFor, time.Millisecond)
	_, okA := h.m.GetSession("a")
	_, okB := h.m.GetSession("b")
	_, okC := h.m.GetSession("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC, "one failure must not stop the rest")
	assert.Contains(t, h.rec.logs(SystemID), "Restoring session: c")
}

func TestShutdownKeepsCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.InitSession(ctx, "A")
	require.NoError(t, err)
	conn := h.nextConn(t)
	conn.Open()
	h.waitStatus(t, "A", Connected)

	sctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, h.m.Shutdown(sctx))

	assert.True(t, conn.Terminated())
	_, statErr := os.Stat(h.store.Dir("A"))
	assert.NoError(t, statErr)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count(), "shutdown must not reconnect")
}
