// Package telemetry implements C9: read-only, paginated projections over
// the session store (C5), plus pass-through access to the decision
// service's own session telemetry (C8). No business logic beyond filter
// composition and JSON shaping.
package telemetry

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/decisionclient"
	"github.com/fencio-dev/driftguard/internal/session"
)

// Handler serves the /telemetry/* HTTP surface.
type Handler struct {
	sessions *session.Manager
	decision *decisionclient.Client
	logger   *zap.Logger
}

// New composes a telemetry handler from the session store and remote
// client it projects over.
func New(sessions *session.Manager, decision *decisionclient.Client, logger *zap.Logger) *Handler {
	return &Handler{sessions: sessions, decision: decision, logger: logger}
}

// RegisterRoutes registers the telemetry endpoints with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/telemetry/sessions", h.listSessions)
	mux.HandleFunc("/telemetry/sessions/", h.getSession)
	mux.HandleFunc("/telemetry/calls", h.calls)
	mux.HandleFunc("/telemetry/calls/", h.getCall)
	mux.HandleFunc("/telemetry/remote-sessions", h.queryRemoteSessions)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := pageParams(r)
	sessions := h.sessions.ListSessions(r.Context(), limit, offset)
	h.sendJSON(w, map[string]interface{}{"sessions": sessions})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agentID := strings.TrimPrefix(r.URL.Path, "/telemetry/sessions/")
	if agentID == "" {
		h.sendError(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	s := h.sessions.GetSession(r.Context(), agentID)
	if s == nil {
		h.sendError(w, "session not found", http.StatusNotFound)
		return
	}
	h.sendJSON(w, s)
}

// calls serves GET /telemetry/calls (list, optionally filtered by
// ?agent_id=) and DELETE /telemetry/calls (bulk delete, optionally
// scoped by ?agent_id=).
func (h *Handler) calls(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	switch r.Method {
	case http.MethodGet:
		limit, offset := pageParams(r)
		calls := h.sessions.ListCalls(r.Context(), agentID, limit, offset)
		h.sendJSON(w, map[string]interface{}{"calls": calls})
	case http.MethodDelete:
		n := h.sessions.DeleteCalls(r.Context(), agentID)
		h.sendJSON(w, map[string]interface{}{"deleted": n})
	default:
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) getCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callID := strings.TrimPrefix(r.URL.Path, "/telemetry/calls/")
	if callID == "" {
		h.sendError(w, "call_id is required", http.StatusBadRequest)
		return
	}
	c := h.sessions.GetCall(r.Context(), callID)
	if c == nil {
		h.sendError(w, "call not found", http.StatusNotFound)
		return
	}
	h.sendJSON(w, c)
}

// queryRemoteSessions passes through to the decision service's own
// session telemetry (it may hold session state driftguard never sees,
// e.g. slices evaluated but not persisted locally).
func (h *Handler) queryRemoteSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		h.sendError(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	limit, offset := pageParams(r)
	resp, err := h.decision.QuerySessions(r.Context(), decisionclient.QuerySessionsRequest{
		TenantID: tenantID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}
	h.sendJSON(w, resp)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = session.ListPageMax
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *Handler) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
