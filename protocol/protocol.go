// Package protocol defines the contract between the session core and the
// underlying chat-protocol driver. The driver owns the wire handshake,
// encryption, and socket I/O; the core only registers callbacks for its
// lifecycle events and issues send/auth commands against it.
package protocol

import "context"

// Direction indicates whether a message entered or left the session.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Status is the delivery status of a message as reported by receipts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses so updates never regress (read never downgrades to delivered).
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

// Supersedes reports whether s is a later delivery stage than prev.
// Failed always supersedes; unknown statuses never do.
func (s Status) Supersedes(prev Status) bool {
	if s == StatusFailed {
		return true
	}
	return s.rank() > prev.rank()
}

// Envelope is the portion of a protocol message the core needs to retain:
// enough to answer the driver's resend queries and to forward inbound
// messages to the webhook notifier.
type Envelope struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Direction      Direction `json:"direction"`
	Body           string    `json:"body"`
	Timestamp      int64     `json:"timestamp"` // protocol timestamp, unix seconds
	Status         Status    `json:"status"`
	FromSelf       bool      `json:"from_self"`
}

// Identity is reported by the driver once a session is authenticated.
type Identity struct {
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
}

// Payload is an outbound message body.
type Payload struct {
	Body string `json:"body"`
}

// CloseReason classifies why the driver closed a session.
type CloseReason string

const (
	// ReasonLoggedOut means the account was logged out remotely. Not recoverable.
	ReasonLoggedOut CloseReason = "logged_out"
	// ReasonConnectionDrop is an ordinary transport drop. Reconnect quickly.
	ReasonConnectionDrop CloseReason = "connection_drop"
	// ReasonStreamError covers protocol-level stream failures. Reconnect, but
	// less eagerly than a plain drop.
	ReasonStreamError CloseReason = "stream_error"
	// ReasonUnknown is any close the driver could not classify.
	ReasonUnknown CloseReason = "unknown"
)

// Recoverable reports whether a session closed for this reason may be
// re-established with the same credentials.
func (r CloseReason) Recoverable() bool {
	return r != ReasonLoggedOut
}

// ResendResolver supplies a previously observed message when the driver
// re-requests it (multi-device sync, retry handling). Returning ok=false
// lets the driver fall back to its own handling; the resolver is a
// best-effort accelerator, never a correctness requirement.
type ResendResolver func(messageID string) (Envelope, bool)

// Client is a single tenant's protocol driver handle. Callback registration
// must happen before Connect; the driver may invoke callbacks concurrently.
type Client interface {
	OnAuthCode(fn func(code string))
	OnConnected(fn func(id Identity))
	OnDisconnected(fn func(reason CloseReason))
	OnMessage(fn func(env Envelope))
	OnReceipt(fn func(messageID string, status Status))
	OnCredentials(fn func(creds []byte))
	SetResendResolver(fn ResendResolver)

	// Connect starts the handshake. It returns once the transport is up;
	// authentication progress is reported through callbacks.
	Connect(ctx context.Context) error
	// Send dispatches a payload and returns the protocol message id.
	Send(ctx context.Context, recipient string, payload Payload) (string, error)
	// Logout invalidates the session's credentials server-side.
	Logout(ctx context.Context) error
	// Close tears down the transport without logging out.
	Close() error
}

// Dialer constructs a driver handle for one tenant. creds is nil for a fresh
// session; otherwise it is the blob last emitted through OnCredentials.
type Dialer func(tenantID string, creds []byte) (Client, error)
