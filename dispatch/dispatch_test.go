package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatbridge/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	sendErr error
	nextID  int
	sent    []string // recipients in send order
}

func (f *fakeTransport) Send(ctx context.Context, recipient string, payload protocol.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, recipient)
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

type fakeGateway struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
}

func newFakeGateway(tenants ...string) *fakeGateway {
	g := &fakeGateway{transports: make(map[string]*fakeTransport)}
	for _, id := range tenants {
		g.transports[id] = &fakeTransport{}
	}
	return g
}

func (g *fakeGateway) Transport(tenantID string) (Transport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tr, ok := g.transports[tenantID]
	if !ok {
		return nil, ErrNotConnected
	}
	return tr, nil
}

// fakeClock drives the dispatcher's time without real sleeping. Sleeps
// advance the clock immediately and record the requested duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(gw Gateway, opts Options) (*Dispatcher, *fakeClock) {
	d := New(gw, opts)
	clock := newFakeClock()
	d.now = clock.Now
	d.sleep = clock.Sleep
	return d, clock
}

func TestSendNotConnected(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGateway(), Options{})
	_, err := d.Send(context.Background(), Request{TenantID: "t1", Recipient: "r1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendRecordsDelivery(t *testing.T) {
	gw := newFakeGateway("t1")
	d, _ := newTestDispatcher(gw, Options{})

	res, err := d.Send(context.Background(), Request{TenantID: "t1", Recipient: "r1", Payload: protocol.Payload{Body: "hi"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "msg-1" {
		t.Errorf("expected msg-1, got %s", res.MessageID)
	}
	if res.Confirmed {
		t.Error("expected unconfirmed without WaitForDelivery")
	}
	rec, ok := d.Lookup("msg-1")
	if !ok {
		t.Fatal("expected delivery record")
	}
	if rec.Status != protocol.StatusSent {
		t.Errorf("expected status sent, got %s", rec.Status)
	}
	if rec.TenantID != "t1" || rec.Recipient != "r1" {
		t.Errorf("record fields wrong: %+v", &rec)
	}
}

func TestRateLimitSpacesSends(t *testing.T) {
	gw := newFakeGateway("t1")
	d, clock := newTestDispatcher(gw, Options{MinDelay: 1500 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 rate-limit waits, got %d", len(sleeps))
	}
	for i, s := range sleeps {
		if s != 1500*time.Millisecond {
			t.Errorf("wait %d: expected 1.5s, got %v", i, s)
		}
	}
}

func TestRateLimitPerRecipient(t *testing.T) {
	gw := newFakeGateway("t1")
	d, clock := newTestDispatcher(gw, Options{MinDelay: 1500 * time.Millisecond})
	ctx := context.Background()

	if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r2"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(clock.Sleeps()); n != 0 {
		t.Errorf("different recipients should not wait, got %d sleeps", n)
	}
}

func TestRateLimitExpiresAfterDelay(t *testing.T) {
	gw := newFakeGateway("t1")
	d, clock := newTestDispatcher(gw, Options{MinDelay: 1500 * time.Millisecond})
	ctx := context.Background()

	if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(clock.Sleeps()); n != 0 {
		t.Errorf("expected no wait after delay elapsed, got %d sleeps", n)
	}
}

func TestSendFailureCountsAndHoldsSlot(t *testing.T) {
	gw := newFakeGateway("t1")
	gw.transports["t1"].sendErr = errors.New("boom")
	d, clock := newTestDispatcher(gw, Options{MinDelay: 1500 * time.Millisecond})
	ctx := context.Background()

	_, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if got := d.Failures("t1", "r1"); got != 1 {
		t.Errorf("expected 1 failure, got %d", got)
	}

	// Retry still waits out the reserved slot.
	gw.transports["t1"].sendErr = nil
	if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(clock.Sleeps()); n != 1 {
		t.Errorf("expected retry to wait, got %d sleeps", n)
	}
	if got := d.Failures("t1", "r1"); got != 0 {
		t.Errorf("expected failure count reset, got %d", got)
	}
}

func TestWaitForDeliveryConfirmed(t *testing.T) {
	gw := newFakeGateway("t1")
	d, _ := newTestDispatcher(gw, Options{WaitTimeout: 2 * time.Second})
	ctx := context.Background()

	go func() {
		// Receipt arrives while the caller waits.
		for d.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		d.MarkStatus("msg-1", protocol.StatusDelivered)
	}()

	res, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1", WaitForDelivery: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Confirmed {
		t.Error("expected confirmed delivery")
	}
}

func TestWaitForDeliveryTimeout(t *testing.T) {
	gw := newFakeGateway("t1")
	d, _ := newTestDispatcher(gw, Options{WaitTimeout: 20 * time.Millisecond})

	res, err := d.Send(context.Background(), Request{TenantID: "t1", Recipient: "r1", WaitForDelivery: true})
	if err != nil {
		t.Fatalf("expected no error on timeout, got %v", err)
	}
	if res.Confirmed {
		t.Error("expected unconfirmed on timeout")
	}
	if res.MessageID == "" {
		t.Error("expected message id even when unconfirmed")
	}
}

func TestMarkStatusMonotonic(t *testing.T) {
	gw := newFakeGateway("t1")
	d, _ := newTestDispatcher(gw, Options{})
	res, err := d.Send(context.Background(), Request{TenantID: "t1", Recipient: "r1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	d.MarkStatus(res.MessageID, protocol.StatusRead)
	d.MarkStatus(res.MessageID, protocol.StatusDelivered)
	rec, _ := d.Lookup(res.MessageID)
	if rec.Status != protocol.StatusRead {
		t.Errorf("status regressed to %s", rec.Status)
	}
}

func TestMarkStatusUnknownID(t *testing.T) {
	d, _ := newTestDispatcher(newFakeGateway("t1"), Options{})
	d.MarkStatus("nope", protocol.StatusDelivered) // must not panic
}

func TestSweepRemovesReadAndAged(t *testing.T) {
	gw := newFakeGateway("t1")
	d, clock := newTestDispatcher(gw, Options{MaxAge: 30 * time.Minute, MinDelay: time.Millisecond})
	ctx := context.Background()

	res1, _ := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"})
	res2, _ := d.Send(ctx, Request{TenantID: "t1", Recipient: "r2"})
	res3, _ := d.Send(ctx, Request{TenantID: "t1", Recipient: "r3"})

	d.MarkStatus(res1.MessageID, protocol.StatusRead)
	if removed := d.SweepOnce(); removed != 1 {
		t.Fatalf("expected 1 removed (read), got %d", removed)
	}
	if _, ok := d.Lookup(res1.MessageID); ok {
		t.Error("read record should be swept")
	}

	clock.Advance(31 * time.Minute)
	if removed := d.SweepOnce(); removed != 2 {
		t.Fatalf("expected 2 removed (aged), got %d", removed)
	}
	if _, ok := d.Lookup(res2.MessageID); ok {
		t.Error("aged record should be swept")
	}
	if _, ok := d.Lookup(res3.MessageID); ok {
		t.Error("aged record should be swept")
	}
}

func TestRecordCap(t *testing.T) {
	gw := newFakeGateway("t1")
	d, _ := newTestDispatcher(gw, Options{MaxRecords: 3, MinDelay: time.Millisecond})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := d.Send(ctx, Request{TenantID: "t1", Recipient: fmt.Sprintf("r%d", i)})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, res.MessageID)
	}
	if d.Len() != 3 {
		t.Fatalf("expected table capped at 3, got %d", d.Len())
	}
	if _, ok := d.Lookup(ids[0]); ok {
		t.Error("oldest record should be evicted")
	}
	if _, ok := d.Lookup(ids[4]); !ok {
		t.Error("newest record should survive")
	}
}

func TestDropTenant(t *testing.T) {
	gw := newFakeGateway("t1", "t2")
	d, _ := newTestDispatcher(gw, Options{MinDelay: time.Millisecond})
	ctx := context.Background()

	res1, _ := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"})
	res2, _ := d.Send(ctx, Request{TenantID: "t2", Recipient: "r1"})

	d.DropTenant("t1")
	if _, ok := d.Lookup(res1.MessageID); ok {
		t.Error("t1 record should be dropped")
	}
	if _, ok := d.Lookup(res2.MessageID); !ok {
		t.Error("t2 record should survive")
	}
	if got := d.Failures("t1", "r1"); got != 0 {
		t.Errorf("t1 ledger should be cleared, got %d", got)
	}
}

func TestConcurrentBurstSerializes(t *testing.T) {
	gw := newFakeGateway("t1")
	d, _ := newTestDispatcher(gw, Options{MinDelay: 1500 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Send(ctx, Request{TenantID: "t1", Recipient: "r1"}); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	// Each concurrent send reserved a slot at least 1.5s after the previous,
	// so the final reservation sits 6s or more past the first.
	d.mu.Lock()
	slot := d.ledger[ledgerKey{"t1", "r1"}]
	d.mu.Unlock()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := slot.Sub(base); got < 4*1500*time.Millisecond {
		t.Errorf("expected final slot at +6s or later, got +%v", got)
	}
}
