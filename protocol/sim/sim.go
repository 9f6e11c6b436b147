// Package sim provides an in-memory protocol driver for local development and
// demos. It speaks no wire protocol: it fabricates the collaborator's event
// sequence (auth code, open, receipts) so the rest of the service can be
// exercised without a real account.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatbridge/protocol"
)

// Client is a simulated protocol driver for one tenant.
type Client struct {
	tenantID string
	creds    []byte

	mu       sync.Mutex
	closed   bool
	resolver protocol.ResendResolver

	onAuthCode     func(string)
	onConnected    func(protocol.Identity)
	onDisconnected func(protocol.CloseReason)
	onMessage      func(protocol.Envelope)
	onReceipt      func(string, protocol.Status)
	onCredentials  func([]byte)

	// scanDelay is how long after Connect the simulated scan happens when
	// auto-scan is on; receiptDelay is how long after Send the delivered
	// receipt arrives.
	autoScan     bool
	scanDelay    time.Duration
	receiptDelay time.Duration
}

type simCreds struct {
	TenantID string `json:"tenant_id"`
	Phone    string `json:"phone"`
	IssuedAt int64  `json:"issued_at"`
}

// Dialer returns a protocol.Dialer producing simulated clients. Env knobs:
//
//	SIM_AUTO_SCAN (default 1) — emit the connected event without a real scan
//	SIM_SCAN_DELAY (default 250ms)
//	SIM_RECEIPT_DELAY (default 100ms)
func Dialer() protocol.Dialer {
	autoScan := os.Getenv("SIM_AUTO_SCAN") != "0"
	scanDelay := durEnv("SIM_SCAN_DELAY", 250*time.Millisecond)
	receiptDelay := durEnv("SIM_RECEIPT_DELAY", 100*time.Millisecond)
	return func(tenantID string, creds []byte) (protocol.Client, error) {
		return &Client{
			tenantID:     tenantID,
			creds:        creds,
			autoScan:     autoScan,
			scanDelay:    scanDelay,
			receiptDelay: receiptDelay,
		}, nil
	}
}

func durEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func (c *Client) OnAuthCode(fn func(string)) { c.onAuthCode = fn }
func (c *Client) OnConnected(fn func(protocol.Identity)) { c.onConnected = fn }
func (c *Client) OnDisconnected(fn func(protocol.CloseReason)) { c.onDisconnected = fn }
func (c *Client) OnMessage(fn func(protocol.Envelope)) { c.onMessage = fn }
func (c *Client) OnReceipt(fn func(string, protocol.Status)) { c.onReceipt = fn }
func (c *Client) OnCredentials(fn func([]byte)) { c.onCredentials = fn }
func (c *Client) SetResendResolver(fn protocol.ResendResolver) {
	c.mu.Lock()
	c.resolver = fn
	c.mu.Unlock()
}

// Connect fabricates the session bring-up: with stored credentials the session
// opens directly; without them an auth code is issued first and, when
// auto-scan is on, a scan is simulated after scanDelay.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var stored simCreds
	restored := c.creds != nil && json.Unmarshal(c.creds, &stored) == nil && stored.TenantID == c.tenantID
	if restored {
		go c.open(stored.Phone)
		return nil
	}
	code := fmt.Sprintf("SIM-%s-%s", c.tenantID, uuid.New().String()[:8])
	go func() {
		if fn := c.onAuthCode; fn != nil {
			fn(code)
		}
		if !c.autoScan {
			return
		}
		time.Sleep(c.scanDelay)
		c.open("5215550" + fmt.Sprintf("%03d", len(c.tenantID)%1000))
	}()
	return nil
}

func (c *Client) open(phone string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	creds, _ := json.Marshal(simCreds{TenantID: c.tenantID, Phone: phone, IssuedAt: time.Now().Unix()})
	if fn := c.onCredentials; fn != nil {
		fn(creds)
	}
	if fn := c.onConnected; fn != nil {
		fn(protocol.Identity{PhoneNumber: phone, DisplayName: "sim:" + c.tenantID})
	}
}

// Send assigns a message id and schedules delivered/read receipts.
func (c *Client) Send(ctx context.Context, recipient string, payload protocol.Payload) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", fmt.Errorf("sim client closed")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	go func() {
		time.Sleep(c.receiptDelay)
		c.mu.Lock()
		closed := c.closed
		fn := c.onReceipt
		c.mu.Unlock()
		if closed || fn == nil {
			return
		}
		fn(id, protocol.StatusDelivered)
	}()
	slog.Debug("sim send", slog.String("tenant", c.tenantID), slog.String("to", recipient), slog.String("id", id))
	return id, nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.deliverClose(protocol.ReasonLoggedOut)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Drop simulates a transport failure, useful from tests and demos.
func (c *Client) Drop() {
	c.deliverClose(protocol.ReasonConnectionDrop)
}

func (c *Client) deliverClose(reason protocol.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onDisconnected
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}
