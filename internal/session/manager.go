package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// errSessionGone aborts a dial retry loop once the session left the registry.
var errSessionGone = errors.New("session gone")

// CredentialStore persists the auth state each connection resumes from.
type CredentialStore interface {
	Load(ctx context.Context, id string) (*authstore.State, error)
	Persist(ctx context.Context, id string, creds authstore.Credentials) error
	Erase(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// Relay forwards inbound messages to an external party. Notify must return
// immediately.
type Relay interface {
	Notify(sessionID string, msg *adapter.InboundMessage)
}

// Options tunes a Manager. The zero value is usable.
type Options struct {
	// Registry lets readers built before the manager share its session map.
	Registry  *Registry
	Publisher Publisher
	Relay     Relay
	Logger    *slog.Logger
	// Backoff between dial attempts that failed outright. Reconnects caused
	// by a close from the server are attempted immediately.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

// Manager owns every session's lifecycle: it opens connections, consumes
// their events one session at a time, reconnects on recoverable closes and
// tears sessions down on delete or logout.
type Manager struct {
	registry *Registry
	store    CredentialStore
	dialer   adapter.Dialer
	pub      Publisher
	relay    Relay
	logger   *slog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closeMu orders wg.Add in InitSession against Shutdown's wg.Wait.
	closeMu sync.RWMutex
	closed  bool
}

func NewManager(store CredentialStore, dialer adapter.Dialer, opts Options) *Manager {
	m := &Manager{
		registry:     opts.Registry,
		store:        store,
		dialer:       dialer,
		pub:          opts.Publisher,
		relay:        opts.Relay,
		logger:       opts.Logger,
		initialDelay: opts.ReconnectInitialDelay,
		maxDelay:     opts.ReconnectMaxDelay,
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.pub == nil {
		m.pub = nopPublisher{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.initialDelay <= 0 {
		m.initialDelay = defaultInitialDelay
	}
	if m.maxDelay < m.initialDelay {
		m.maxDelay = max(defaultMaxDelay, m.initialDelay)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Registry exposes the read side of the session map.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// InitSession starts a lifecycle for id, or returns the running one
// unchanged. The call returns once the connection has been asked to open;
// whether it succeeds is reported later through events. It fails on a
// credential store error, an unusable id or a manager that is shutting down.
// A delete of the same id still in progress is waited for.
func (m *Manager) InitSession(ctx context.Context, id string) (Info, error) {
	if err := authstore.ValidateID(id); err != nil {
		return Info{}, err
	}

	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return Info{}, ErrShuttingDown
	}
	m.wg.Add(1)
	m.closeMu.RUnlock()
	defer m.wg.Done()

	unlock := m.registry.lockLifecycle(id)
	defer unlock()

	e, inserted := m.registry.insert(newEntry(id))
	if !inserted {
		m.emitLog(id, "Session already active. Returning existing session.")
		return e.info(), nil
	}

	m.emitLog(id, "Initializing session...")
	if !m.transition(e, Initializing, "") {
		return e.info(), nil
	}

	state, err := m.store.Load(ctx, id)
	if err != nil {
		if m.registry.removeEntry(e) {
			e.deleted.Store(true)
			m.setStatus(e, Disconnected)
		}
		m.emitLog(id, fmt.Sprintf("Failed to open credential store: %v", err))
		return Info{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	wctx, cancel := context.WithCancel(m.ctx)
	e.mu.Lock()
	if e.deleted.Load() {
		e.mu.Unlock()
		cancel()
		return e.info(), nil
	}
	e.cancel = cancel
	e.mu.Unlock()

	conn, err := m.dialer.Dial(wctx, state)
	if err != nil {
		m.emitLog(id, fmt.Sprintf("Connection attempt failed: %v", err))
		m.transition(e, Reconnecting, "")
		conn = nil
	} else if !m.attach(e, conn) {
		conn.Terminate()
		cancel()
		return e.info(), nil
	} else if m.ctx.Err() != nil {
		m.detach(e, conn)
		cancel()
		return Info{}, ErrShuttingDown
	}

	m.wg.Add(1)
	go m.run(wctx, e, conn)

	return e.info(), nil
}

// DeleteSession ends id's lifecycle and erases its credentials. Deleting an
// unknown id succeeds.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := authstore.ValidateID(id); err != nil {
		return err
	}

	// Held until DELETED is published, so an init of the same id starts
	// only after the old credentials are gone.
	unlock := m.registry.lockLifecycle(id)
	defer unlock()

	m.emitLog(id, "Deleting session...")

	// The entry leaves the registry before its connection is terminated, so
	// the close that termination provokes finds nothing to reconnect.
	e := m.registry.remove(id)
	if e != nil {
		e.deleted.Store(true)
		e.mu.Lock()
		conn, cancel := e.conn, e.cancel
		e.conn, e.cancel = nil, nil
		e.status, e.qr, e.updatedAt = Deleted, "", time.Now().UTC()
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Terminate()
		}
		e.persistMu.Lock()
		defer e.persistMu.Unlock()
	}

	if err := m.store.Erase(ctx, id); err != nil {
		m.logger.Warn("erasing credentials failed", slog.String("session_id", id), slog.Any("error", err))
		m.emitLog(id, fmt.Sprintf("Failed to remove session files: %v", err))
	} else {
		m.emitLog(id, "Session deleted and files removed.")
	}

	m.publish(newEvent(id, EventStatus, Deleted))
	return nil
}

// SendMessage delivers text to a bare number or a full JID through a
// connected session.
func (m *Manager) SendMessage(ctx context.Context, id, to, text string) error {
	e := m.registry.lookup(id)
	if e == nil {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	conn, status := e.conn, e.status
	e.mu.Unlock()
	if status != Connected || conn == nil {
		return ErrSessionNotFound
	}

	jid := NormalizeJID(to)
	if err := conn.Send(ctx, jid, text); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	m.emitLog(id, "Message sent to "+jid)
	return nil
}

// GetAllSessions returns a snapshot of every registered session.
func (m *Manager) GetAllSessions() []Info {
	return m.registry.GetAll()
}

// GetSession returns one session's snapshot.
func (m *Manager) GetSession(id string) (Info, bool) {
	return m.registry.Get(id)
}

// RestoreSessions starts a lifecycle for every persisted credential set.
// One failure never stops the rest; all failures are returned joined.
func (m *Manager) RestoreSessions(ctx context.Context) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		m.emitLog(SystemID, "Restoring session: "+id)
		if _, err := m.InitSession(ctx, id); err != nil {
			m.emitLog(SystemID, fmt.Sprintf("Restoring session %s failed: %v", id, err))
			errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown terminates every connection and waits for the workers to exit.
// Credentials are kept so the sessions restore on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

	m.cancel()
	for _, e := range m.registry.snapshotEntries() {
		e.mu.Lock()
		conn := e.conn
		e.conn = nil
		e.mu.Unlock()
		if conn != nil {
			conn.Terminate()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is a session's worker. It owns the connection's event stream and
// loops through reconnects instead of recursing, so a session that
// reconnects forever still uses one goroutine and constant stack.
func (m *Manager) run(ctx context.Context, e *entry, conn adapter.Conn) {
	defer m.wg.Done()

	if conn == nil {
		// The first dial already failed; back off before trying again.
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.initialDelay):
		}
	}

	for {
		if conn == nil {
			var err error
			conn, err = m.redial(ctx, e)
			if err != nil {
				return
			}
		}
		if !m.consume(ctx, e, conn) {
			return
		}
		conn = nil
	}
}

// redial re-enters the init path until a connection is attached, the
// session is deleted or the manager shuts down.
func (m *Manager) redial(ctx context.Context, e *entry) (adapter.Conn, error) {
	policy := retrypolicy.NewBuilder[adapter.Conn]().
		WithMaxRetries(-1).
		WithBackoff(m.initialDelay, m.maxDelay).
		AbortOnErrors(errSessionGone, context.Canceled).
		Build()

	return failsafe.With[adapter.Conn](policy).
		WithContext(ctx).
		Get(func() (adapter.Conn, error) {
			return m.dialOnce(ctx, e)
		})
}

func (m *Manager) dialOnce(ctx context.Context, e *entry) (adapter.Conn, error) {
	if e.deleted.Load() || ctx.Err() != nil {
		return nil, errSessionGone
	}

	m.emitLog(e.id, "Initializing session...")
	if !m.transition(e, Initializing, "") {
		return nil, errSessionGone
	}

	state, err := m.store.Load(ctx, e.id)
	if err != nil {
		m.emitLog(e.id, fmt.Sprintf("Failed to open credential store: %v", err))
		m.transition(e, Reconnecting, "")
		return nil, err
	}

	conn, err := m.dialer.Dial(ctx, state)
	if err != nil {
		m.emitLog(e.id, fmt.Sprintf("Connection attempt failed: %v", err))
		m.transition(e, Reconnecting, "")
		return nil, err
	}
	if !m.attach(e, conn) {
		conn.Terminate()
		return nil, errSessionGone
	}
	if ctx.Err() != nil {
		m.detach(e, conn)
		return nil, errSessionGone
	}
	return conn, nil
}

// attach stores conn on e unless e was deleted meanwhile.
func (m *Manager) attach(e *entry, conn adapter.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted.Load() {
		return false
	}
	e.conn = conn
	return true
}

// detach terminates conn and clears it from e if it is still attached.
func (m *Manager) detach(e *entry, conn adapter.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
	conn.Terminate()
}

// consume handles conn's events in order until it closes. It reports whether
// the worker should dial again.
func (m *Manager) consume(ctx context.Context, e *entry, conn adapter.Conn) bool {
	events := conn.Events()
	for {
		var ev adapter.Event
		select {
		case <-ctx.Done():
			return false
		case got, ok := <-events:
			if !ok {
				got = adapter.Event{Kind: adapter.Closed, Reason: adapter.ReasonConnectionLost}
			}
			ev = got
		}

		switch ev.Kind {
		case adapter.QRIssued:
			m.handleQR(e, ev.QR)
		case adapter.Opened:
			m.handleOpen(e)
		case adapter.Closed:
			return m.handleClose(ctx, e, conn, ev)
		case adapter.CredentialsUpdated:
			m.handleCreds(ctx, e, ev.Creds)
		case adapter.MessageReceived:
			m.handleMessage(e, ev.Message)
		}
	}
}

func (m *Manager) handleQR(e *entry, qr string) {
	if !m.transition(e, WaitingQR, qr) {
		return
	}
	m.emitLog(e.id, "QR Code generated")
	m.publish(newEvent(e.id, EventQR, &qr))
}

func (m *Manager) handleOpen(e *entry) {
	if !m.transition(e, Connected, "") {
		return
	}
	m.emitLog(e.id, "Session connected successfully")
	m.publish(newEvent(e.id, EventQR, (*string)(nil)))
}

func (m *Manager) handleClose(ctx context.Context, e *entry, conn adapter.Conn, ev adapter.Event) bool {
	reconnect := !ev.Reason.Terminal()

	e.mu.Lock()
	if e.deleted.Load() || !m.registry.holds(e) {
		e.mu.Unlock()
		m.emitLog(e.id, "Connection closed. Session was explicitly deleted. Not reconnecting.")
		return false
	}
	if ctx.Err() != nil {
		// Shutting down: the close was ours.
		e.mu.Unlock()
		return false
	}
	e.conn = nil
	if !reconnect {
		m.registry.removeEntry(e)
		e.deleted.Store(true)
	}
	e.mu.Unlock()

	conn.Terminate()

	detail := fmt.Sprintf("Connection closed: %d. Reconnecting: %t", int(ev.Reason), reconnect)
	if ev.Err != nil {
		detail += fmt.Sprintf(" (%v)", ev.Err)
	}
	m.emitLog(e.id, detail)

	if reconnect {
		return m.transition(e, Reconnecting, "")
	}

	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		defer cancel()
	}
	m.setStatus(e, Disconnected)
	m.emitLog(e.id, "Session logged out or destroyed.")
	return false
}

// handleCreds persists synchronously: the worker does not look at the next
// event until the write is done.
func (m *Manager) handleCreds(ctx context.Context, e *entry, creds *authstore.Credentials) {
	if creds == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if e.deleted.Load() {
		return
	}
	if err := m.store.Persist(ctx, e.id, *creds); err != nil {
		m.logger.Error("persisting credentials failed", slog.String("session_id", e.id), slog.Any("error", err))
		m.emitLog(e.id, fmt.Sprintf("Failed to save credentials: %v", err))
	}
}

func (m *Manager) handleMessage(e *entry, msg *adapter.InboundMessage) {
	if msg == nil || msg.FromMe {
		return
	}
	m.emitLog(e.id, "Message received from "+msg.Chat)
	m.publish(newEvent(e.id, EventMessage, msg))
	if m.relay != nil {
		m.relay.Notify(e.id, msg)
	}
}

// transition moves a live entry to status and publishes the change. It
// refuses entries that already left the registry.
func (m *Manager) transition(e *entry, status Status, qr string) bool {
	e.mu.Lock()
	if e.deleted.Load() {
		e.mu.Unlock()
		return false
	}
	e.status, e.qr, e.updatedAt = status, qr, time.Now().UTC()
	e.mu.Unlock()

	m.publish(newEvent(e.id, EventStatus, status))
	return true
}

func (m *Manager) setStatus(e *entry, status Status) {
	e.mu.Lock()
	e.status, e.updatedAt = status, time.Now().UTC()
	if status != WaitingQR {
		e.qr = ""
	}
	e.mu.Unlock()

	m.publish(newEvent(e.id, EventStatus, status))
}

func (m *Manager) emitLog(id, message string) {
	m.logger.Info(message, slog.String("session_id", id))
	m.publish(newEvent(id, EventLog, message))
}

func (m *Manager) publish(ev Event) {
	m.pub.Publish(ev)
}
