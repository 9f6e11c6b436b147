package session

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/onnwee/chatbridge/notify"
	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/telemetry"
)

// initialize dials the protocol driver and starts it, retrying within the
// bounded attempt budget with a credential wipe between failed attempts.
// Exhausting the budget deregisters the tenant (back to absent) and surfaces
// a terminal failure through the notifier. sctx is the session generation's
// context; a disconnect or replacement cancels it mid-retry.
func (m *Manager) initialize(s *Session, gen uint64, sctx context.Context) {
	logger := slog.With(slog.String("tenant", s.tenantID), slog.String("component", "session"))
	for attempt := 1; attempt <= m.tun.InitMaxAttempts; attempt++ {
		if sctx.Err() != nil {
			return
		}
		creds, err := m.creds.Load(sctx, s.tenantID)
		if err != nil {
			logger.Warn("credential load failed; starting unauthenticated", slog.Any("err", err))
			creds = nil
		}
		client, err := m.dial(s.tenantID, creds)
		if err == nil {
			m.wire(s, gen, client)
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				_ = client.Close()
				return
			}
			s.client = client
			s.mu.Unlock()
			err = client.Connect(sctx)
		}
		if err == nil {
			logger.Info("protocol client started", slog.Int("attempt", attempt), slog.Bool("restored", creds != nil))
			// Watchdog: if the driver hangs silently before reaching the
			// scan or open states, force a teardown-and-retry.
			time.AfterFunc(m.tun.WatchdogTimeout, func() { m.watchdogFire(s, gen) })
			return
		}

		logger.Warn("protocol client start failed", slog.Int("attempt", attempt), slog.Int("max_attempts", m.tun.InitMaxAttempts), slog.Any("err", err))
		if client != nil {
			_ = client.Close()
		}
		s.mu.Lock()
		stale := s.gen != gen
		s.client = nil
		s.mu.Unlock()
		if stale {
			return
		}
		// Wipe between attempts so a poisoned credential blob from the
		// failed start cannot poison the next one.
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(m.rootCtx), 5*time.Second)
		if werr := m.creds.Wipe(wctx, s.tenantID); werr != nil {
			logger.Warn("credential wipe failed", slog.Any("err", werr))
		}
		wcancel()
		if attempt < m.tun.InitMaxAttempts {
			t := time.NewTimer(m.tun.InitRetryDelay)
			select {
			case <-sctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}

	logger.Error("initialization failed; giving up", slog.Int("attempts", m.tun.InitMaxAttempts))
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = StateTerminated
	s.mu.Unlock()
	m.receipts.DropTenant(s.tenantID)
	m.remove(s)
	m.notifier.Notify(m.rootCtx, notify.EventDisconnected, s.tenantID, map[string]any{"reason": "init_failed"})
	m.refreshGauges()
}

// wire registers the event callbacks and the resend resolver on a freshly
// dialed client. Every callback is gated on the generation it was wired for.
func (m *Manager) wire(s *Session, gen uint64, client protocol.Client) {
	client.OnAuthCode(func(code string) { m.handleAuthCode(s, gen, code) })
	client.OnConnected(func(id protocol.Identity) { m.handleConnected(s, gen, id) })
	client.OnDisconnected(func(reason protocol.CloseReason) { m.handleClose(s, gen, reason) })
	client.OnMessage(func(env protocol.Envelope) { m.handleMessage(s, gen, env) })
	client.OnReceipt(func(id string, st protocol.Status) { m.handleReceipt(s, gen, id, st) })
	client.OnCredentials(func(creds []byte) { m.handleCredentials(s, gen, creds) })
	client.SetResendResolver(func(messageID string) (protocol.Envelope, bool) {
		if env, ok := s.cache.Lookup(messageID); ok {
			return env, true
		}
		// Some drivers re-request under a truncated id; best-effort only.
		return s.cache.LookupPrefix(messageID)
	})
}

// handleAuthCode moves the session to awaiting_scan, renders the code, and
// notifies. A render failure falls back to forwarding the raw code.
func (m *Manager) handleAuthCode(s *Session, gen uint64, code string) {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateInitializing && s.state != StateAwaitingScan) {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingScan
	s.rawCode = code
	s.qrPNG = nil
	s.touchLocked()
	s.mu.Unlock()

	data := map[string]any{"code": code}
	png, err := m.renderer.Render(code)
	if err != nil {
		slog.Warn("auth code render failed; forwarding raw code", slog.String("tenant", s.tenantID), slog.Any("err", err))
	} else {
		// The connected event may land while rendering; a session past the
		// scan must not get its cleared code reinstated.
		s.mu.Lock()
		if s.gen == gen && s.state == StateAwaitingScan {
			s.qrPNG = png
		}
		s.mu.Unlock()
		data["image_base64"] = base64.StdEncoding.EncodeToString(png)
	}
	if telemetry.AuthCodesIssued != nil {
		telemetry.AuthCodesIssued.Inc()
	}
	m.notifier.Notify(m.rootCtx, notify.EventQRGenerated, s.tenantID, data)
	slog.Info("auth code issued", slog.String("tenant", s.tenantID), slog.String("component", "session"))
}

// handleConnected moves awaiting_scan through authenticated to open, captures
// the identity, clears the pending code, and resets the reconnect streak.
// Only a session still coming up may open: a late connected event arriving
// while closing or reconnect-pending would otherwise flip the session to open
// with no client attached, wedging the tenant (the pending reconnect timer
// stands down on the state check and nothing else can ever arrive).
func (m *Manager) handleConnected(s *Session, gen uint64, id protocol.Identity) {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateInitializing && s.state != StateAwaitingScan) {
		s.mu.Unlock()
		return
	}
	s.state = StateAuthenticated
	s.identity = id
	s.state = StateOpen
	s.connectedAt = time.Now().UTC()
	s.qrPNG, s.rawCode = nil, ""
	s.reconnects = 0
	s.nextBackoff = nil
	s.touchLocked()
	s.mu.Unlock()

	m.refreshGauges()
	m.notifier.Notify(m.rootCtx, notify.EventConnected, s.tenantID, map[string]any{
		"phone_number": id.PhoneNumber,
		"display_name": id.DisplayName,
	})
	slog.Info("session open", slog.String("tenant", s.tenantID), slog.String("phone", id.PhoneNumber), slog.String("component", "session"))
}

// handleMessage caches every observed message unconditionally (the driver
// may re-request self-sent ones too) and forwards non-self messages to the
// notifier.
func (m *Manager) handleMessage(s *Session, gen uint64, env protocol.Envelope) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	s.mu.Unlock()

	s.cache.Store(env)
	if env.Direction == protocol.DirectionIn && telemetry.MessagesReceived != nil {
		telemetry.MessagesReceived.Inc()
	}
	if !env.FromSelf {
		m.notifier.Notify(m.rootCtx, notify.EventMessageReceived, s.tenantID, env)
	}
}

// handleReceipt feeds delivery receipts to the dispatcher and keeps the
// cached envelope's status current.
func (m *Manager) handleReceipt(s *Session, gen uint64, messageID string, status protocol.Status) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	s.mu.Unlock()

	m.receipts.MarkStatus(messageID, status)
	if env, ok := s.cache.Lookup(messageID); ok && status.Supersedes(env.Status) {
		env.Status = status
		s.cache.Store(env)
	}
}

// handleCredentials persists every credential update the driver emits.
func (m *Manager) handleCredentials(s *Session, gen uint64, creds []byte) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(m.rootCtx), 5*time.Second)
	defer cancel()
	if err := m.creds.Persist(pctx, s.tenantID, creds); err != nil {
		slog.Warn("credential persist failed", slog.String("tenant", s.tenantID), slog.Any("err", err))
	}
}

// handleClose classifies the close reason: logged-out terminates, anything
// else schedules a reconnect.
func (m *Manager) handleClose(s *Session, gen uint64, reason protocol.CloseReason) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	client := s.client
	s.client = nil
	s.touchLocked()
	s.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	slog.Info("session closed by driver", slog.String("tenant", s.tenantID), slog.String("reason", string(reason)), slog.String("component", "session"))
	m.refreshGauges()
	if !reason.Recoverable() {
		m.terminate(s, gen, string(reason), false)
		return
	}
	m.scheduleReconnect(s, gen, reason)
}
