package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatbridge/credstore"
	"github.com/onnwee/chatbridge/dispatch"
	"github.com/onnwee/chatbridge/notify"
	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/qr"
	"github.com/onnwee/chatbridge/server"
	"github.com/onnwee/chatbridge/session"
	"github.com/onnwee/chatbridge/testutil"
)

// lateReceipts defers the dispatcher reference so the manager can be built
// first, mirroring the wiring in main.
type lateReceipts struct {
	d **dispatch.Dispatcher
}

func (l lateReceipts) MarkStatus(messageID string, status protocol.Status) {
	if *l.d != nil {
		(*l.d).MarkStatus(messageID, status)
	}
}

func (l lateReceipts) DropTenant(tenantID string) {
	if *l.d != nil {
		(*l.d).DropTenant(tenantID)
	}
}

type testServer struct {
	handlers *server.Handlers
	mux      http.Handler
	dialer   *testutil.FakeDialer
	manager  *session.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := credstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("cred store: %v", err)
	}
	dialer := testutil.NewFakeDialer()
	var dispatcher *dispatch.Dispatcher
	manager := session.NewManager(ctx, session.Deps{
		Dial:     dialer.Dial,
		Notifier: notify.Noop{},
		Creds:    store,
		Renderer: qr.PNGRenderer{},
		Receipts: lateReceipts{d: &dispatcher},
		Tunables: session.Tunables{
			InitMaxAttempts: 2,
			InitRetryDelay:  5 * time.Millisecond,
		},
	})
	dispatcher = dispatch.New(manager, dispatch.Options{
		MinDelay:    time.Millisecond,
		WaitTimeout: 50 * time.Millisecond,
	})
	h := server.NewHandlers(manager, dispatcher)
	return &testServer{handlers: h, mux: server.NewMux(h), dialer: dialer, manager: manager}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

// openSession starts a tenant session over the API and drives the fake
// driver to the open state.
func (ts *testServer) openSession(t *testing.T, tenant string) *testutil.FakeClient {
	t.Helper()
	if rec := ts.do(t, http.MethodPost, "/sessions/"+tenant, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("start session: status %d body %s", rec.Code, rec.Body)
	}
	dials := ts.dialer.Dials()
	waitFor(t, "dial", func() bool { return ts.dialer.Dials() > dials })
	client := ts.dialer.Client(ts.dialer.Dials() - 1)
	client.EmitConnected(protocol.Identity{PhoneNumber: "+15550001", DisplayName: "Tester"})
	waitFor(t, "open", func() bool {
		s, ok := ts.manager.Get(tenant)
		return ok && s.State() == session.StateOpen
	})
	return client
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz: status %d body %q", rec.Code, rec.Body)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	ts.handlers.AddReadinessCheck("credstore", pingFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))
	rec = ts.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["failed_check"] != "credstore" {
		t.Errorf("expected failed_check credstore, got %v", body)
	}
}

func TestSessionsListEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["sessions"]; !ok {
		t.Error("expected sessions key")
	}
}

func TestSessionLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sessions/t1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var started map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(started["result"]) != `"starting"` {
		t.Errorf("expected starting, got %s", started["result"])
	}

	waitFor(t, "dial", func() bool { return ts.dialer.Dials() == 1 })
	ts.dialer.Client(0).EmitConnected(protocol.Identity{PhoneNumber: "+1555"})
	waitFor(t, "open", func() bool {
		s, ok := ts.manager.Get("t1")
		return ok && s.State() == session.StateOpen
	})

	rec = ts.do(t, http.MethodPost, "/sessions/t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 already_connected, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/sessions/t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected snapshot, got %d", rec.Code)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != "open" || snap.PhoneNumber != "+1555" {
		t.Errorf("snapshot wrong: %+v", snap)
	}

	rec = ts.do(t, http.MethodDelete, "/sessions/t1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/sessions/t1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after disconnect, got %d", rec.Code)
	}
}

func TestSessionGetUnknown(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/sessions/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/sessions/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSessionQR(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/sessions/t1/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without session, got %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/sessions/t1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("start: %d", rec.Code)
	}
	waitFor(t, "dial", func() bool { return ts.dialer.Dials() == 1 })

	if rec := ts.do(t, http.MethodGet, "/sessions/t1/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before code issued, got %d", rec.Code)
	}

	ts.dialer.Client(0).EmitAuthCode("SCAN-ME")
	waitFor(t, "auth code", func() bool {
		s, ok := ts.manager.Get("t1")
		if !ok {
			return false
		}
		_, _, ok = s.AuthCode()
		return ok
	})
	rec := ts.do(t, http.MethodGet, "/sessions/t1/qr", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected PNG bytes")
	}
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.openSession(t, "t1")

	rec := ts.do(t, http.MethodPost, "/sessions/t1/messages", `{"to":"+15559999","body":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message_id"] == "" {
		t.Error("expected message_id")
	}
	if body["confirmed"] != false {
		t.Errorf("expected unconfirmed without wait, got %v", body["confirmed"])
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/sessions/t1/messages", `{"to":"+1","body":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "not_connected" {
		t.Errorf("expected not_connected, got %v", body)
	}
}

func TestSendMessageBadRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.openSession(t, "t1")

	if rec := ts.do(t, http.MethodPost, "/sessions/t1/messages", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/sessions/t1/messages", `{"to":"","body":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing to: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/sessions/t1/messages", `{"to":"+1","body":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing body: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/sessions/t1/messages", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", rec.Code)
	}
}

func TestUnknownSubroute(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/sessions/t1/bogus", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected generated correlation id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("expected caller correlation id echoed, got %q", got)
	}
}

func TestAPITokenGuardsMutations(t *testing.T) {
	t.Setenv("API_TOKEN", "sekret")
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodPost, "/sessions/t1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	// Reads stay open.
	if rec := ts.do(t, http.MethodGet, "/sessions", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected GET to pass without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/t1", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", rec.Code)
	}
}
