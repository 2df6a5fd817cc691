package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/halo/internal/cache"
	"github.com/oriys/halo/internal/connectivity"
	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/lifecycle"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/metrics"
	"github.com/oriys/halo/internal/storage"
)

// Handler handles control API requests
type Handler struct {
	Binder      *lifecycle.Binder
	Conn        *connectivity.Reconciler
	Store       storage.Store
	Invalidator *cache.Invalidator
}

// RegisterRoutes registers all control API routes on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Platform signals
	mux.HandleFunc("POST /v1/signals/{signal}", h.Signal)
	mux.HandleFunc("POST /v1/probe", h.Probe)
	mux.HandleFunc("GET /v1/connectivity", h.Connectivity)

	// Application lifecycle
	mux.HandleFunc("POST /v1/lifecycle/{event}", h.Lifecycle)
	mux.HandleFunc("PUT /v1/identity", h.SetIdentity)
	mux.HandleFunc("DELETE /v1/identity", h.SignOut)

	// Cache
	mux.HandleFunc("GET /v1/queries", h.Query)
	mux.HandleFunc("GET /v1/entries", h.Entries)
	mux.HandleFunc("POST /v1/invalidate", h.Invalidate)

	// Health and metrics
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Signal handles POST /v1/signals/{signal} (lost or confirmed)
func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("signal") {
	case "lost":
		h.Conn.Lost()
	case "confirmed":
		h.Conn.Confirmed()
	default:
		http.Error(w, "unknown signal: want lost or confirmed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.Conn.Snapshot())
}

// Probe handles POST /v1/probe
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	ran := h.Conn.Probe(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"probed":       ran,
		"connectivity": h.Conn.Snapshot(),
	})
}

// Connectivity handles GET /v1/connectivity
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Conn.Snapshot())
}

// Lifecycle handles POST /v1/lifecycle/{event}
func (h *Handler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	var (
		report lifecycle.RefreshReport
		err    error
	)
	switch r.PathValue("event") {
	case "foreground":
		report, err = h.Binder.Foreground(r.Context())
	case "focus":
		report, err = h.Binder.Focus(r.Context())
	case "background":
		err = h.Binder.Background(r.Context())
		report.Trigger = "background"
	default:
		http.Error(w, "unknown event: want foreground, background or focus", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type identityRequest struct {
	Identity string `json:"identity"`
}

type sessionResponse struct {
	Session      string    `json:"session"`
	IdentityHash string    `json:"identity_hash"`
	StartedAt    time.Time `json:"started_at"`
	Entries      int       `json:"entries"`
}

func sessionInfo(s *lifecycle.Session) sessionResponse {
	return sessionResponse{
		Session:      s.ID,
		IdentityHash: s.IdentityHash(),
		StartedAt:    s.StartedAt,
		Entries:      s.Cache.Len(),
	}
}

// SetIdentity handles PUT /v1/identity
func (h *Handler) SetIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	s, err := h.Binder.SetIdentity(r.Context(), req.Identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(s))
}

// SignOut handles DELETE /v1/identity[?purge=true]
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if err := h.Binder.SignOut(r.Context(), purge); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s := h.Binder.Session()
	if s == nil {
		http.Error(w, lifecycle.ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(s))
}

// Query handles GET /v1/queries?key=<json array>. The body is the cached
// payload as fetched. Stale data served after a failed refetch carries the
// error in X-Halo-Error.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	key, err := domain.ParseQueryKey(r.URL.Query().Get("key"))
	if err != nil || len(key) == 0 {
		http.Error(w, "key must be a non-empty JSON array", http.StatusBadRequest)
		return
	}

	data, err := h.Binder.Query(r.Context(), key)
	if err != nil && data == nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, lifecycle.ErrOffline):
			status = http.StatusServiceUnavailable
		case errors.Is(err, lifecycle.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.Canceled):
			return
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Halo-Online", strconv.FormatBool(h.Binder.Online()))
	if err != nil {
		w.Header().Set("X-Halo-Error", err.Error())
		w.Header().Set("X-Halo-Error-Kind", domain.Classify(err).String())
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type entryInfo struct {
	Key          json.RawMessage `json:"key"`
	Status       string          `json:"status"`
	FetchedAt    *time.Time      `json:"fetched_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Stale        bool            `json:"stale"`
	Invalidated  bool            `json:"invalidated,omitempty"`
	FailureCount int             `json:"failure_count,omitempty"`
	Error        string          `json:"error,omitempty"`
	Bytes        int             `json:"bytes"`
}

// Entries handles GET /v1/entries[?prefix=<json array>]
func (h *Handler) Entries(w http.ResponseWriter, r *http.Request) {
	var prefix domain.QueryKey
	if raw := r.URL.Query().Get("prefix"); raw != "" {
		p, err := domain.ParseQueryKey(raw)
		if err != nil {
			http.Error(w, "prefix must be a JSON array", http.StatusBadRequest)
			return
		}
		prefix = p
	}

	s := h.Binder.Session()
	if s == nil {
		http.Error(w, lifecycle.ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	c := s.Cache
	entries := c.Entries(func(k domain.QueryKey) bool { return k.HasPrefix(prefix) })
	out := make([]entryInfo, 0, len(entries))
	for _, e := range entries {
		info := entryInfo{
			Key:          json.RawMessage(e.Key.String()),
			Status:       e.Status.String(),
			UpdatedAt:    e.UpdatedAt,
			Stale:        c.Stale(e.Key),
			Invalidated:  e.Invalidated,
			FailureCount: e.FailureCount,
			Bytes:        len(e.Data),
		}
		if !e.FetchedAt.IsZero() {
			t := e.FetchedAt
			info.FetchedAt = &t
		}
		if e.Err != nil {
			info.Error = e.Err.Error()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": out,
		"total":   len(out),
	})
}

type invalidateRequest struct {
	Prefix    []any `json:"prefix"`
	Broadcast bool  `json:"broadcast"`
}

// Invalidate handles POST /v1/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	prefix := domain.QueryKey(req.Prefix)
	if len(prefix) == 0 {
		prefix = nil
	} else if err := prefix.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n := h.Binder.Invalidate(prefix)
	if req.Broadcast && h.Invalidator != nil {
		if err := h.Invalidator.PublishInvalidation(r.Context(), prefix); err != nil {
			logging.Op().Warn("broadcasting invalidation failed", "prefix", prefix.String(), "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prefix":      json.RawMessage(prefix.String()),
		"invalidated": n,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := h.Store == nil || h.Store.Ping(ctx) == nil
	status := "ok"
	code := http.StatusOK
	if !storeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"components": map[string]interface{}{
			"storage":      storeOK,
			"connectivity": h.Conn.Snapshot().StateName,
		},
	})
}
