// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatbridge/dispatch"
	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/session"
	"github.com/onnwee/chatbridge/telemetry"
)

// Pinger reports a dependency's health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	readiness  []struct {
		name string
		p    Pinger
	}
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(manager *session.Manager, dispatcher *dispatch.Dispatcher) *Handlers {
	return &Handlers{manager: manager, dispatcher: dispatcher}
}

// AddReadinessCheck registers a named dependency probe for /readyz.
func (h *Handlers) AddReadinessCheck(name string, p Pinger) {
	h.readiness = append(h.readiness, struct {
		name string
		p    Pinger
	}{name, p})
}

// HandleSessionsList responds with status snapshots for all sessions.
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.manager.List()})
}

// HandleSessionsDispatcher routes /sessions/{tenant}[/qr|/messages].
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing tenant id", http.StatusBadRequest)
		return
	}
	tenant := parts[0]
	switch {
	case len(parts) == 1:
		h.handleSession(w, r, tenant)
	case len(parts) == 2 && parts[1] == "qr":
		h.handleSessionQR(w, r, tenant)
	case len(parts) == 2 && parts[1] == "messages":
		h.handleSessionSend(w, r, tenant)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSession(w http.ResponseWriter, r *http.Request, tenant string) {
	switch r.Method {
	case http.MethodPost:
		snap, err := h.manager.StartSession(r.Context(), tenant)
		switch {
		case errors.Is(err, session.ErrAlreadyConnected):
			writeJSON(w, http.StatusOK, map[string]any{"result": "already_connected", "session": snap})
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			writeJSON(w, http.StatusAccepted, map[string]any{"result": "starting", "session": snap})
		}
	case http.MethodGet:
		s, ok := h.manager.Get(tenant)
		if !ok {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	case http.MethodDelete:
		if err := h.manager.Disconnect(r.Context(), tenant); err != nil {
			if errors.Is(err, session.ErrNoSession) {
				http.Error(w, "no session", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleSessionQR(w http.ResponseWriter, r *http.Request, tenant string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.manager.Get(tenant)
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	png, raw, ok := s.AuthCode()
	if !ok {
		http.Error(w, "no auth code pending", http.StatusNotFound)
		return
	}
	if len(png) == 0 {
		// Rendering failed at issue time; serve the raw code instead.
		writeJSON(w, http.StatusOK, map[string]string{"code": raw})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type sendRequest struct {
	To              string `json:"to"`
	Body            string `json:"body"`
	WaitForDelivery bool   `json:"wait_for_delivery"`
}

func (h *Handlers) handleSessionSend(w http.ResponseWriter, r *http.Request, tenant string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Body == "" {
		http.Error(w, "to and body are required", http.StatusBadRequest)
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "dispatch", "send", telemetry.TenantAttr(tenant))
	defer span.End()
	res, err := h.dispatcher.Send(ctx, dispatch.Request{
		TenantID:        tenant,
		Recipient:       req.To,
		Payload:         protocol.Payload{Body: req.Body},
		WaitForDelivery: req.WaitForDelivery,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		switch {
		case errors.Is(err, dispatch.ErrNotConnected):
			// Client error, not a retry trigger: the session is simply not open.
			writeJSON(w, http.StatusConflict, map[string]string{"error": "not_connected"})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "request canceled", http.StatusRequestTimeout)
		default:
			slog.Error("send failed", slog.String("tenant", tenant), slog.Any("err", err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "send_failed"})
		}
		return
	}
	telemetry.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, map[string]any{"message_id": res.MessageID, "confirmed": res.Confirmed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
