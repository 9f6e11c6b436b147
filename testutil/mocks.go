package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/chatbridge/protocol"
)

// MockWebhookServer captures event deliveries from the notifier.
type MockWebhookServer struct {
	*httptest.Server

	mu     sync.Mutex
	events []WebhookEvent
	status int
}

// WebhookEvent is a decoded notifier delivery.
type WebhookEvent struct {
	Event     string          `json:"event"`
	TenantID  string          `json:"tenantId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// NewMockWebhookServer creates a webhook endpoint that records every event
// it receives. Use SetStatus to simulate delivery failures.
func NewMockWebhookServer(t *testing.T) *MockWebhookServer {
	t.Helper()
	m := &MockWebhookServer{status: http.StatusOK}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.events = append(m.events, ev)
		status := m.status
		m.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(m.Close)
	return m
}

// SetStatus changes the HTTP status returned to subsequent deliveries.
func (m *MockWebhookServer) SetStatus(code int) {
	m.mu.Lock()
	m.status = code
	m.mu.Unlock()
}

// Events returns a copy of the recorded deliveries.
func (m *MockWebhookServer) Events() []WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebhookEvent, len(m.events))
	copy(out, m.events)
	return out
}

// EventsNamed returns recorded deliveries matching the given event name.
func (m *MockWebhookServer) EventsNamed(name string) []WebhookEvent {
	var out []WebhookEvent
	for _, ev := range m.Events() {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

// FakeClient is a scripted protocol driver for session tests. Tests fire
// driver events with the Emit helpers after Connect has been called.
type FakeClient struct {
	mu sync.Mutex

	onAuthCode     func(code string)
	onConnected    func(id protocol.Identity)
	onDisconnected func(reason protocol.CloseReason)
	onMessage      func(env protocol.Envelope)
	onReceipt      func(messageID string, status protocol.Status)
	onCredentials  func(creds []byte)
	resolver       protocol.ResendResolver

	connectErr error
	sendErr    error
	sent       []SentMessage
	nextID     int
	connected  bool
	closed     bool
	loggedOut  bool
}

// SentMessage records one Send call against a FakeClient.
type SentMessage struct {
	MessageID string
	Recipient string
	Body      string
}

// NewFakeClient returns a driver that accepts all commands.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// FailConnect makes subsequent Connect calls return err.
func (f *FakeClient) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// FailSend makes subsequent Send calls return err.
func (f *FakeClient) FailSend(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *FakeClient) OnAuthCode(fn func(code string)) {
	f.mu.Lock()
	f.onAuthCode = fn
	f.mu.Unlock()
}

func (f *FakeClient) OnConnected(fn func(id protocol.Identity)) {
	f.mu.Lock()
	f.onConnected = fn
	f.mu.Unlock()
}

func (f *FakeClient) OnDisconnected(fn func(reason protocol.CloseReason)) {
	f.mu.Lock()
	f.onDisconnected = fn
	f.mu.Unlock()
}

func (f *FakeClient) OnMessage(fn func(env protocol.Envelope)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *FakeClient) OnReceipt(fn func(messageID string, status protocol.Status)) {
	f.mu.Lock()
	f.onReceipt = fn
	f.mu.Unlock()
}

func (f *FakeClient) OnCredentials(fn func(creds []byte)) {
	f.mu.Lock()
	f.onCredentials = fn
	f.mu.Unlock()
}

func (f *FakeClient) SetResendResolver(fn protocol.ResendResolver) {
	f.mu.Lock()
	f.resolver = fn
	f.mu.Unlock()
}

func (f *FakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *FakeClient) Send(ctx context.Context, recipient string, payload protocol.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.sent = append(f.sent, SentMessage{MessageID: id, Recipient: recipient, Body: payload.Body})
	return id, nil
}

func (f *FakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Sent returns a copy of every message sent through the client.
func (f *FakeClient) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// LoggedOut reports whether Logout was called.
func (f *FakeClient) LoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// EmitAuthCode fires the driver auth-code callback.
func (f *FakeClient) EmitAuthCode(code string) {
	f.mu.Lock()
	fn := f.onAuthCode
	f.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}

// EmitConnected fires the driver connected callback.
func (f *FakeClient) EmitConnected(id protocol.Identity) {
	f.mu.Lock()
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// EmitDisconnected fires the driver disconnected callback.
func (f *FakeClient) EmitDisconnected(reason protocol.CloseReason) {
	f.mu.Lock()
	fn := f.onDisconnected
	f.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// EmitMessage fires the driver message callback.
func (f *FakeClient) EmitMessage(env protocol.Envelope) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// EmitReceipt fires the driver receipt callback.
func (f *FakeClient) EmitReceipt(messageID string, status protocol.Status) {
	f.mu.Lock()
	fn := f.onReceipt
	f.mu.Unlock()
	if fn != nil {
		fn(messageID, status)
	}
}

// EmitCredentials fires the driver credentials callback.
func (f *FakeClient) EmitCredentials(creds []byte) {
	f.mu.Lock()
	fn := f.onCredentials
	f.mu.Unlock()
	if fn != nil {
		fn(creds)
	}
}

// Resolve invokes the registered resend resolver, as the driver would when
// re-requesting a message.
func (f *FakeClient) Resolve(messageID string) (protocol.Envelope, bool) {
	f.mu.Lock()
	fn := f.resolver
	f.mu.Unlock()
	if fn == nil {
		return protocol.Envelope{}, false
	}
	return fn(messageID)
}

// FakeDialer hands out scripted clients and records every dial.
type FakeDialer struct {
	mu      sync.Mutex
	clients []*FakeClient
	creds   [][]byte
	dialErr error
	next    *FakeClient
}

// NewFakeDialer creates a dialer that returns a fresh FakeClient per dial
// unless QueueClient has staged one.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// QueueClient stages the client returned by the next dial.
func (d *FakeDialer) QueueClient(c *FakeClient) {
	d.mu.Lock()
	d.next = c
	d.mu.Unlock()
}

// FailDial makes subsequent dials return err.
func (d *FakeDialer) FailDial(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

// Dial implements protocol.Dialer.
func (d *FakeDialer) Dial(tenantID string, creds []byte) (protocol.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := d.next
	d.next = nil
	if c == nil {
		c = NewFakeClient()
	}
	d.clients = append(d.clients, c)
	d.creds = append(d.creds, creds)
	return c, nil
}

// Dials returns how many times Dial succeeded.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Client returns the i-th client handed out, or nil.
func (d *FakeDialer) Client(i int) *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

// DialCreds returns the credentials blob passed to the i-th dial.
func (d *FakeDialer) DialCreds(i int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.creds) {
		return nil
	}
	return d.creds[i]
}
