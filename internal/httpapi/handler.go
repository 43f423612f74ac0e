package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ble_presence/internal/metrics"
	"ble_presence/internal/registry"
	"ble_presence/internal/sightings"
)

// Handler serves the read-only ops surface: health, metrics and the
// current sighting log.
type Handler struct {
	log      zerolog.Logger
	store    sightings.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
}

func NewHandler(log zerolog.Logger, store sightings.Store, reg *registry.Registry, m *metrics.Metrics) *Handler {
	return &Handler{log: log, store: store, registry: reg, metrics: m}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Handle("/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Get("/devices", h.handleListDevices)
			r.Get("/sightings", h.handleListSightings)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "sighting store not configured", nil)
		return
	}

	if err := h.store.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "sighting store not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Key     string `json:"key"`
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Entries()
	resp := make([]device, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, device{Name: e.Name, Address: e.Address, Key: e.Key()})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListSightings(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "sighting store not configured", nil)
		return
	}

	records, err := h.store.Snapshot(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("snapshot sightings failed")
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to read sighting store", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, records)
}
