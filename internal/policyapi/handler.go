// Package policyapi exposes C6's policy store over HTTP: the
// POST/GET/GET-by-id/PUT/DELETE/DELETE-all routes of §6.
package policyapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/apperr"
	"github.com/fencio-dev/driftguard/internal/policy"
	"github.com/fencio-dev/driftguard/internal/session"
)

// Handler serves the /policies HTTP surface.
type Handler struct {
	store  *policy.Store
	logger *zap.Logger
}

// New composes a policy HTTP handler over a policy store.
func New(store *policy.Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes registers the policy endpoints with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/policies", h.collection)
	mux.HandleFunc("/policies/", h.item)
}

// collection serves POST /policies (create), GET /policies (list,
// ?tenant_id= required), and DELETE /policies (clear-all, ?tenant_id=
// required).
func (h *Handler) collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var b policy.Boundary
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			h.sendError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.store.Create(r.Context(), &b); err != nil {
			h.sendStoreError(w, err)
			return
		}
		h.sendJSON(w, &b, http.StatusCreated)
	case http.MethodGet:
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			h.sendError(w, "tenant_id is required", http.StatusBadRequest)
			return
		}
		limit, offset := pageParams(r)
		boundaries, err := h.store.List(r.Context(), tenantID, limit, offset)
		if err != nil {
			h.sendStoreError(w, err)
			return
		}
		h.sendJSON(w, map[string]interface{}{"policies": boundaries}, http.StatusOK)
	case http.MethodDelete:
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			h.sendError(w, "tenant_id is required", http.StatusBadRequest)
			return
		}
		if err := h.store.ClearAll(r.Context(), tenantID); err != nil {
			h.sendStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// item serves GET/PUT/DELETE /policies/{id} (?tenant_id= required on all three).
func (h *Handler) item(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/policies/")
	if id == "" {
		h.sendError(w, "policy id is required", http.StatusBadRequest)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		h.sendError(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, err := h.store.Get(r.Context(), tenantID, id)
		if err != nil {
			h.sendStoreError(w, err)
			return
		}
		h.sendJSON(w, b, http.StatusOK)
	case http.MethodPut:
		var b policy.Boundary
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			h.sendError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		b.ID = id
		b.TenantID = tenantID
		if err := h.store.Update(r.Context(), &b); err != nil {
			h.sendStoreError(w, err)
			return
		}
		h.sendJSON(w, &b, http.StatusOK)
	case http.MethodDelete:
		if err := h.store.Delete(r.Context(), tenantID, id); err != nil {
			h.sendStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
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

func (h *Handler) sendStoreError(w http.ResponseWriter, err error) {
	var ce *apperr.CoreError
	if errors.As(err, &ce) {
		h.sendError(w, ce.Error(), ce.Kind.HTTPStatus())
		return
	}
	h.sendError(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) sendJSON(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
