// Package dispatch sends outbound messages through open tenant sessions.
// It enforces a minimum inter-send delay per (tenant, recipient), records a
// delivery record per dispatched message, and lets callers optionally wait
// (bounded) for the delivered receipt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/telemetry"
)

var (
	// ErrNotConnected means the tenant session is not in the open state.
	ErrNotConnected = errors.New("session not connected")
	// ErrSendFailed wraps a protocol-level send rejection.
	ErrSendFailed = errors.New("send failed")
)

// Transport is the live send surface of one open session.
type Transport interface {
	Send(ctx context.Context, recipient string, payload protocol.Payload) (string, error)
}

// Gateway resolves a tenant id to its open session's transport. It returns
// ErrNotConnected for tenants that are absent or in any non-open state.
type Gateway interface {
	Transport(tenantID string) (Transport, error)
}

// Record tracks one dispatched message until its receipt arrives or it ages out.
type Record struct {
	MessageID string
	TenantID  string
	Recipient string
	SentAt    time.Time
	Status    protocol.Status

	done     chan struct{} // closed on delivered-or-later
	doneOnce sync.Once
}

// Request is one outbound send.
type Request struct {
	TenantID  string
	Recipient string
	Payload   protocol.Payload
	// WaitForDelivery blocks (bounded by the dispatcher's wait timeout) until
	// the delivered receipt arrives. Timing out is not an error.
	WaitForDelivery bool
}

// Result reports the outcome of a send.
type Result struct {
	MessageID string
	// Confirmed is true only when the delivered receipt arrived within the
	// wait window. False means "sent, unconfirmed", not failure.
	Confirmed bool
}

type ledgerKey struct{ tenant, recipient string }

// Options tune a Dispatcher. Zero values pick defaults.
type Options struct {
	MinDelay    time.Duration // per-recipient inter-send delay (default 1.5s)
	WaitTimeout time.Duration // delivery-confirmation wait (default 5s)
	MaxRecords  int           // delivery table cap (default 10000)
	MaxAge      time.Duration // sweeper age-out (default 30m)
}

func (o *Options) withDefaults() {
	if o.MinDelay <= 0 {
		o.MinDelay = 1500 * time.Millisecond
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = 10000
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * time.Minute
	}
}

// Dispatcher owns the process-wide delivery-record table and rate-limit
// ledger, partitioned by tenant id in the keys. Receipt callbacks race with
// in-flight sends, so all table access is mutex-protected.
type Dispatcher struct {
	gw   Gateway
	opts Options

	mu       sync.Mutex
	records  map[string]*Record
	order    []string // record insertion order, oldest first
	ledger   map[ledgerKey]time.Time
	failures map[ledgerKey]uint64

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher sending through gw.
func New(gw Gateway, opts Options) *Dispatcher {
	opts.withDefaults()
	return &Dispatcher{
		gw:       gw,
		opts:     opts,
		records:  make(map[string]*Record),
		ledger:   make(map[ledgerKey]time.Time),
		failures: make(map[ledgerKey]uint64),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send dispatches one message. It fails fast with ErrNotConnected when the
// tenant session is not open, otherwise waits out the per-recipient rate
// limit, hands the payload to the protocol driver, and records the delivery.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	start := d.now()
	tr, err := d.gw.Transport(req.TenantID)
	if err != nil {
		return Result{}, err
	}

	key := ledgerKey{req.TenantID, req.Recipient}

	// Reserve the next send slot for this recipient under the lock, then wait
	// until it. Concurrent bursts to the same recipient each reserve a later
	// slot, which serializes them without dropping any. A failed dispatch
	// still holds its slot so retries cannot hammer the recipient.
	d.mu.Lock()
	slot := start
	if last, ok := d.ledger[key]; ok {
		if earliest := last.Add(d.opts.MinDelay); earliest.After(slot) {
			slot = earliest
		}
	}
	d.ledger[key] = slot
	d.mu.Unlock()

	if wait := slot.Sub(start); wait > 0 {
		if err := d.sleep(ctx, wait); err != nil {
			return Result{}, err
		}
	}

	id, err := tr.Send(ctx, req.Recipient, req.Payload)
	if err != nil {
		d.mu.Lock()
		d.failures[key]++
		n := d.failures[key]
		d.mu.Unlock()
		if telemetry.MessagesFailed != nil {
			telemetry.MessagesFailed.Inc()
		}
		slog.Warn("send rejected by protocol driver",
			slog.String("tenant", req.TenantID),
			slog.String("recipient", req.Recipient),
			slog.Uint64("consecutive_failures", n),
			slog.Any("err", err))
		return Result{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	rec := &Record{
		MessageID: id,
		TenantID:  req.TenantID,
		Recipient: req.Recipient,
		SentAt:    d.now(),
		Status:    protocol.StatusSent,
		done:      make(chan struct{}),
	}
	d.mu.Lock()
	d.failures[key] = 0
	d.records[id] = rec
	d.order = append(d.order, id)
	d.capLocked()
	n := len(d.records)
	d.mu.Unlock()
	telemetry.SetDeliveryRecords(n)
	if telemetry.MessagesSent != nil {
		telemetry.MessagesSent.Inc()
	}
	if telemetry.SendDuration != nil {
		telemetry.SendDuration.Observe(d.now().Sub(start).Seconds())
	}

	res := Result{MessageID: id}
	if !req.WaitForDelivery {
		return res, nil
	}

	t := time.NewTimer(d.opts.WaitTimeout)
	defer t.Stop()
	select {
	case <-rec.done:
		res.Confirmed = true
	case <-t.C:
		// degrade to sent-unconfirmed
	case <-ctx.Done():
		return res, ctx.Err()
	}
	return res, nil
}

// MarkStatus applies a receipt event to the matching delivery record.
// Unknown ids are ignored (the record may have been swept, or the receipt may
// belong to an inbound message). Statuses never regress.
func (d *Dispatcher) MarkStatus(messageID string, status protocol.Status) {
	d.mu.Lock()
	rec, ok := d.records[messageID]
	if ok && status.Supersedes(rec.Status) {
		rec.Status = status
	} else {
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if status == protocol.StatusDelivered || status == protocol.StatusRead {
		rec.doneOnce.Do(func() { close(rec.done) })
	}
}

// Lookup returns a snapshot of the delivery record for a message id.
func (d *Dispatcher) Lookup(messageID string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[messageID]
	if !ok {
		return Record{}, false
	}
	return Record{MessageID: rec.MessageID, TenantID: rec.TenantID, Recipient: rec.Recipient, SentAt: rec.SentAt, Status: rec.Status}, true
}

// Failures returns the consecutive send-failure count for a (tenant, recipient).
func (d *Dispatcher) Failures(tenantID, recipient string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[ledgerKey{tenantID, recipient}]
}

// DropTenant removes all delivery records and ledger entries belonging to a
// tenant. Called on session termination so tenant state never outlives the
// session.
func (d *Dispatcher) DropTenant(tenantID string) {
	d.mu.Lock()
	for id, rec := range d.records {
		if rec.TenantID == tenantID {
			delete(d.records, id)
		}
	}
	d.compactOrderLocked()
	for key := range d.ledger {
		if key.tenant == tenantID {
			delete(d.ledger, key)
		}
	}
	for key := range d.failures {
		if key.tenant == tenantID {
			delete(d.failures, key)
		}
	}
	n := len(d.records)
	d.mu.Unlock()
	telemetry.SetDeliveryRecords(n)
}

// StartSweeper periodically garbage-collects records that were read or that
// exceeded the max age, keeping the table bounded even when receipts never
// arrive. Blocks until ctx is done; run it in a goroutine.
func (d *Dispatcher) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("delivery sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery sweeper stopped")
			return
		case <-ticker.C:
			removed := d.SweepOnce()
			if removed > 0 {
				slog.Debug("delivery sweep", slog.Int("removed", removed))
			}
		}
	}
}

// SweepOnce removes read and aged-out records, returning how many went.
func (d *Dispatcher) SweepOnce() int {
	cutoff := d.now().Add(-d.opts.MaxAge)
	d.mu.Lock()
	removed := 0
	for id, rec := range d.records {
		if rec.Status == protocol.StatusRead || rec.SentAt.Before(cutoff) {
			delete(d.records, id)
			removed++
		}
	}
	if removed > 0 {
		d.compactOrderLocked()
	}
	n := len(d.records)
	d.mu.Unlock()
	telemetry.SetDeliveryRecords(n)
	return removed
}

// Len returns the current delivery-record count.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// capLocked evicts the oldest records when the table exceeds MaxRecords.
func (d *Dispatcher) capLocked() {
	for len(d.records) > d.opts.MaxRecords && len(d.order) > 0 {
		id := d.order[0]
		d.order = d.order[1:]
		delete(d.records, id)
	}
}

// compactOrderLocked drops order entries whose records are gone.
func (d *Dispatcher) compactOrderLocked() {
	kept := d.order[:0]
	for _, id := range d.order {
		if _, ok := d.records[id]; ok {
			kept = append(kept, id)
		}
	}
	d.order = kept
}
