package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/telemetry"
)

// scheduleReconnect arranges a retry after a recoverable close. The first
// delay depends on the close reason (an ordinary drop retries quickly);
// subsequent delays within the same streak grow exponentially up to the
// ceiling. A streak longer than the retry budget terminates the session
// instead of reconnecting forever.
func (m *Manager) scheduleReconnect(s *Session, gen uint64, reason protocol.CloseReason) {
	logger := slog.With(slog.String("tenant", s.tenantID), slog.String("component", "session"))

	s.mu.Lock()
	if s.gen != gen || s.state != StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnectPending
	s.reconnects++
	attempts := s.reconnects
	if attempts > m.tun.ReconnectMaxRetries {
		s.mu.Unlock()
		logger.Error("reconnect budget exhausted; terminating", slog.Int("attempts", attempts-1))
		m.terminate(s, gen, "reconnect_exhausted", false)
		return
	}
	if s.nextBackoff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = m.reconnectBase(reason)
		eb.RandomizationFactor = 0.1
		eb.Multiplier = 2
		eb.MaxInterval = m.tun.ReconnectMaxDelay
		s.nextBackoff = eb.NextBackOff
	}
	delay := s.nextBackoff()
	if delay <= 0 || delay > m.tun.ReconnectMaxDelay {
		delay = m.tun.ReconnectMaxDelay
	}
	s.mu.Unlock()

	if telemetry.ReconnectAttempts != nil {
		telemetry.ReconnectAttempts.Inc()
	}
	logger.Info("reconnect scheduled", slog.Duration("delay", delay), slog.Int("attempt", attempts), slog.String("reason", string(reason)))
	time.AfterFunc(delay, func() { m.reconnectFire(s, gen) })
}

// reconnectBase picks the first-retry delay for a close reason.
func (m *Manager) reconnectBase(reason protocol.CloseReason) time.Duration {
	if reason == protocol.ReasonConnectionDrop {
		return m.tun.ReconnectDropDelay
	}
	return m.tun.ReconnectOtherDelay
}

// reconnectFire re-enters initialization under a fresh generation, reusing
// persisted credentials so an authenticated session needs no re-scan. A
// stale generation (the session was disconnected or replaced while pending)
// is a no-op.
func (m *Manager) reconnectFire(s *Session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnectPending {
		s.mu.Unlock()
		return
	}
	s.gen++
	next := s.gen
	s.state = StateInitializing
	s.qrPNG, s.rawCode = nil, ""
	if s.cancel != nil {
		s.cancel()
	}
	sctx, cancel := context.WithCancel(m.rootCtx)
	s.cancel = cancel
	s.mu.Unlock()

	slog.Info("reconnecting", slog.String("tenant", s.tenantID), slog.String("component", "session"))
	go m.initialize(s, next, sctx)
}

// watchdogFire forces a teardown-and-retry when a session is still stuck
// before awaiting_scan after the watchdog timeout: a driver that hangs
// silently would otherwise wedge the tenant forever. Sessions that reached
// the scan or open states (or a newer generation) are left alone.
func (m *Manager) watchdogFire(s *Session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state.pastScan() || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.gen++
	next := s.gen
	client := s.client
	s.client = nil
	s.state = StateInitializing
	s.qrPNG, s.rawCode = nil, ""
	if s.cancel != nil {
		s.cancel()
	}
	sctx, cancel := context.WithCancel(m.rootCtx)
	s.cancel = cancel
	s.mu.Unlock()

	slog.Warn("session watchdog fired; restarting initialization", slog.String("tenant", s.tenantID), slog.String("component", "session"))
	if client != nil {
		_ = client.Close()
	}
	go m.initialize(s, next, sctx)
}
