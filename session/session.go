// Package session owns the per-tenant connection lifecycle: the tenant
// registry, the connection state machine, and the reconnection supervisor.
// One Session exists per tenant id at a time; all of its transitions are
// serialized by its mutex, and every timer it arms is gated by a generation
// counter so timers from a superseded session cannot resurrect stale state.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/history"
	"github.com/onnwee/chatbridge/protocol"
)

// State is a session's lifecycle position. Open is the only state from which
// sends succeed.
type State int

const (
	StateAbsent State = iota
	StateInitializing
	StateAwaitingScan
	StateAuthenticated
	StateOpen
	StateClosing
	StateReconnectPending
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInitializing:
		return "initializing"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// pastScan reports whether the state reached the scan prompt or beyond,
// meaning the watchdog has nothing left to guard.
func (s State) pastScan() bool {
	return s == StateAwaitingScan || s == StateAuthenticated || s == StateOpen ||
		s == StateClosing || s == StateReconnectPending
}

var (
	// ErrAlreadyConnected is the benign outcome of starting an open session.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrNoSession means no session exists for the tenant.
	ErrNoSession = errors.New("no session for tenant")
	// ErrInitializationFailed means the protocol driver could not be started
	// within the bounded retry budget.
	ErrInitializationFailed = errors.New("session initialization failed")
)

// Session is one tenant's live state. Fields behind mu; the protocol client
// handle is present only while connecting or open.
type Session struct {
	tenantID string

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped on every teardown; gates timers
	client   protocol.Client
	cache    *history.Cache
	qrPNG    []byte
	rawCode  string
	identity protocol.Identity

	createdAt    time.Time
	connectedAt  time.Time
	lastActivity time.Time

	reconnects  int // consecutive reconnect attempts in the current streak
	nextBackoff func() time.Duration

	cancel func() // cancels in-flight init/reconnect waits for this generation
}

// Snapshot is a read-only view of a session for status endpoints.
type Snapshot struct {
	TenantID     string    `json:"tenant_id"`
	State        string    `json:"state"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ConnectedAt  time.Time `json:"connected_at,omitzero"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	Reconnects   int       `json:"reconnects,omitempty"`
	HasAuthCode  bool      `json:"has_auth_code"`
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TenantID returns the owning tenant id.
func (s *Session) TenantID() string { return s.tenantID }

// Cache returns the session's message cache.
func (s *Session) Cache() *history.Cache { return s.cache }

// Snapshot returns the session's current status view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TenantID:     s.tenantID,
		State:        s.state.String(),
		PhoneNumber:  s.identity.PhoneNumber,
		DisplayName:  s.identity.DisplayName,
		CreatedAt:    s.createdAt,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
		Reconnects:   s.reconnects,
		HasAuthCode:  len(s.qrPNG) > 0 || s.rawCode != "",
	}
}

// AuthCode returns the pending scan code (rendered PNG when rendering
// succeeded, plus the raw code). ok is false once the session opened or when
// no code has been issued yet.
func (s *Session) AuthCode() (png []byte, raw string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.qrPNG) == 0 && s.rawCode == "" {
		return nil, "", false
	}
	return s.qrPNG, s.rawCode, true
}

// touch records activity. Caller holds s.mu.
func (s *Session) touchLocked() {
	s.lastActivity = time.Now().UTC()
}
