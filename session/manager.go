package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/dispatch"
	"github.com/onnwee/chatbridge/history"
	"github.com/onnwee/chatbridge/notify"
	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/qr"
	"github.com/onnwee/chatbridge/telemetry"
)

// ReceiptSink consumes delivery receipts and tenant teardown. Satisfied by
// *dispatch.Dispatcher.
type ReceiptSink interface {
	MarkStatus(messageID string, status protocol.Status)
	DropTenant(tenantID string)
}

// CredentialStore is the persistence collaborator (see the credstore package).
type CredentialStore interface {
	Load(ctx context.Context, tenantID string) ([]byte, error)
	Persist(ctx context.Context, tenantID string, creds []byte) error
	Wipe(ctx context.Context, tenantID string) error
}

// Tunables bound the lifecycle timers. Zero values pick defaults.
type Tunables struct {
	InitMaxAttempts int           // protocol client start attempts (default 3)
	InitRetryDelay  time.Duration // delay between start attempts (default 3s)
	WatchdogTimeout time.Duration // hung-initialization guard (default 60s)

	ReconnectDropDelay  time.Duration // first retry after a connection drop (default 1s)
	ReconnectOtherDelay time.Duration // first retry after other recoverable closes (default 3s)
	ReconnectMaxDelay   time.Duration // backoff ceiling (default 60s)
	ReconnectMaxRetries int           // consecutive attempts before giving up (default 10)

	CacheCapacity int // per-tenant message cache size (default history.DefaultCapacity)
}

func (t *Tunables) withDefaults() {
	if t.InitMaxAttempts <= 0 {
		t.InitMaxAttempts = 3
	}
	if t.InitRetryDelay <= 0 {
		t.InitRetryDelay = 3 * time.Second
	}
	if t.WatchdogTimeout <= 0 {
		t.WatchdogTimeout = 60 * time.Second
	}
	if t.ReconnectDropDelay <= 0 {
		t.ReconnectDropDelay = time.Second
	}
	if t.ReconnectOtherDelay <= 0 {
		t.ReconnectOtherDelay = 3 * time.Second
	}
	if t.ReconnectMaxDelay <= 0 {
		t.ReconnectMaxDelay = 60 * time.Second
	}
	if t.ReconnectMaxRetries <= 0 {
		t.ReconnectMaxRetries = 10
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Dial     protocol.Dialer
	Notifier notify.Notifier
	Creds    CredentialStore
	Renderer qr.Renderer
	Receipts ReceiptSink
	Tunables Tunables
}

// Manager owns the tenant session registry: the only process-wide session
// state. Its lifecycle is tied to the root context passed at construction;
// async work (init retries, reconnects, watchdogs) stops when that context
// is canceled.
type Manager struct {
	rootCtx  context.Context
	dial     protocol.Dialer
	notifier notify.Notifier
	creds    CredentialStore
	renderer qr.Renderer
	receipts ReceiptSink
	tun      Tunables

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. All Deps fields except Tunables are required.
func NewManager(ctx context.Context, deps Deps) *Manager {
	deps.Tunables.withDefaults()
	return &Manager{
		rootCtx:  ctx,
		dial:     deps.Dial,
		notifier: deps.Notifier,
		creds:    deps.Creds,
		renderer: deps.Renderer,
		receipts: deps.Receipts,
		tun:      deps.Tunables,
		sessions: make(map[string]*Session),
	}
}

// StartSession creates (or recreates) the tenant's session and starts driving
// it asynchronously. A tenant already in the open state gets
// ErrAlreadyConnected and no teardown; any other existing session is torn
// down first so retries never leak a live protocol client.
func (m *Manager) StartSession(ctx context.Context, tenantID string) (Snapshot, error) {
	if tenantID == "" {
		return Snapshot{}, fmt.Errorf("empty tenant id")
	}
	m.mu.Lock()
	old := m.sessions[tenantID]
	if old != nil && old.State() == StateOpen {
		m.mu.Unlock()
		return old.Snapshot(), ErrAlreadyConnected
	}
	s := &Session{
		tenantID:  tenantID,
		state:     StateInitializing,
		gen:       1,
		cache:     history.New(m.tun.CacheCapacity),
		createdAt: time.Now().UTC(),
	}
	sctx, cancel := context.WithCancel(m.rootCtx)
	s.cancel = cancel
	m.sessions[tenantID] = s
	m.mu.Unlock()

	if telemetry.SessionsStarted != nil {
		telemetry.SessionsStarted.Inc()
	}
	if old != nil {
		m.teardownReplaced(old)
	}
	m.refreshGauges()

	logger := slog.With(slog.String("tenant", tenantID), slog.String("component", "session"))
	logger.Info("session start accepted")
	go m.initialize(s, 1, sctx)
	return s.Snapshot(), nil
}

// Disconnect terminates the tenant's session from any state. Logout is
// best-effort; local cleanup runs regardless of its outcome.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	s := m.sessions[tenantID]
	m.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	// A racing close event may have terminated the session already; either
	// way the tenant ends up torn down, which is what the caller asked for.
	m.terminate(s, gen, "disconnected", true)
	return nil
}

// Get returns the tenant's session if one is registered.
func (m *Manager) Get(tenantID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	return s, ok
}

// List returns status snapshots for all registered sessions, sorted by tenant.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TenantID < snaps[j].TenantID })
	return snaps
}

// Transport implements dispatch.Gateway: it resolves a tenant to its open
// session's send surface, failing fast for any other state.
func (m *Manager) Transport(tenantID string) (dispatch.Transport, error) {
	m.mu.Lock()
	s := m.sessions[tenantID]
	m.mu.Unlock()
	if s == nil {
		return nil, dispatch.ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.client == nil {
		return nil, dispatch.ErrNotConnected
	}
	return &transport{s: s, client: s.client, gen: s.gen}, nil
}

// transport pins one session generation's client for a send.
type transport struct {
	s      *Session
	client protocol.Client
	gen    uint64
}

func (t *transport) Send(ctx context.Context, recipient string, payload protocol.Payload) (string, error) {
	// Re-check right before dispatch: the rate-limit wait may outlive the
	// session that was open when the send was accepted.
	t.s.mu.Lock()
	if t.s.gen != t.gen || t.s.state != StateOpen {
		t.s.mu.Unlock()
		return "", dispatch.ErrNotConnected
	}
	sender := t.s.identity.PhoneNumber
	t.s.mu.Unlock()

	id, err := t.client.Send(ctx, recipient, payload)
	if err != nil {
		return "", err
	}
	// Outbound messages are cached too: the driver may re-request any
	// message it has seen, self-sent included.
	t.s.cache.Store(protocol.Envelope{
		MessageID:      id,
		ConversationID: recipient,
		Sender:         sender,
		Direction:      protocol.DirectionOut,
		Body:           payload.Body,
		Timestamp:      time.Now().Unix(),
		Status:         protocol.StatusSent,
		FromSelf:       true,
	})
	t.s.mu.Lock()
	t.s.touchLocked()
	t.s.mu.Unlock()
	return id, nil
}

// terminate moves the session to Terminated and runs the full cleanup:
// cancel timers via the generation bump, best-effort logout when asked,
// close the client, wipe credentials, drop dispatcher state, deregister,
// and emit the disconnected event. Cleanup is unconditional: a failing
// logout or wipe never skips the rest. Returns false when the generation
// no longer matches (a newer teardown already ran).
func (m *Manager) terminate(s *Session, gen uint64, reason string, logout bool) bool {
	s.mu.Lock()
	if s.gen != gen || s.state == StateTerminated {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.state = StateTerminated
	client := s.client
	s.client = nil
	s.qrPNG, s.rawCode = nil, ""
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	logger := slog.With(slog.String("tenant", s.tenantID), slog.String("component", "session"))
	if cancel != nil {
		cancel()
	}
	if logout && client != nil {
		lctx, lcancel := context.WithTimeout(context.WithoutCancel(m.rootCtx), 5*time.Second)
		if err := client.Logout(lctx); err != nil {
			logger.Warn("logout failed; continuing teardown", slog.Any("err", err))
		}
		lcancel()
	}
	if client != nil {
		_ = client.Close()
	}
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(m.rootCtx), 5*time.Second)
	if err := m.creds.Wipe(wctx, s.tenantID); err != nil {
		logger.Warn("credential wipe failed", slog.Any("err", err))
	}
	wcancel()
	m.receipts.DropTenant(s.tenantID)
	m.remove(s)
	m.notifier.Notify(m.rootCtx, notify.EventDisconnected, s.tenantID, map[string]any{"reason": reason})
	if telemetry.SessionsTerminated != nil {
		telemetry.SessionsTerminated.Inc()
	}
	m.refreshGauges()
	logger.Info("session terminated", slog.String("reason", reason))
	return true
}

// teardownReplaced closes a session being replaced by a new StartSession.
// Unlike terminate it keeps persisted credentials (the replacement may reuse
// them) and emits no disconnected event: from the outside the tenant's
// session continued, under a new generation.
func (m *Manager) teardownReplaced(old *Session) {
	old.mu.Lock()
	if old.state == StateTerminated {
		old.mu.Unlock()
		return
	}
	old.gen++
	old.state = StateTerminated
	client := old.client
	old.client = nil
	old.qrPNG, old.rawCode = nil, ""
	cancel := old.cancel
	old.cancel = nil
	old.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}
	m.receipts.DropTenant(old.tenantID)
	slog.Info("previous session torn down", slog.String("tenant", old.tenantID), slog.String("component", "session"))
}

// remove deregisters s if it is still the tenant's registered session.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.tenantID] == s {
		delete(m.sessions, s.tenantID)
	}
	m.mu.Unlock()
}

// refreshGauges recomputes the session gauges.
func (m *Manager) refreshGauges() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	open := 0
	for _, s := range sessions {
		if s.State() == StateOpen {
			open++
		}
	}
	telemetry.SetActiveSessions(len(sessions))
	telemetry.SetOpenSessions(open)
}
