// Package handler provides the operations HTTP surface for Alexander Drive.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/prn-tf/alexander-drive/internal/service"
)

// HealthChecker reports whether the index database is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StorageReporter exposes storage ledgers.
type StorageReporter interface {
	GetStorageSummary(ctx context.Context, ownerID uuid.UUID) (*service.StorageSummary, error)
	GetSystemStats(ctx context.Context) (*service.SystemStats, error)
}

// Collector exposes the pending-removal collector.
type Collector interface {
	GetStats(ctx context.Context) (*service.GCStats, error)
	RunOnce(ctx context.Context) service.GCResult
	RunDry(ctx context.Context) service.GCResult
}

// OpsHandler serves health, metrics and admin endpoints.
type OpsHandler struct {
	health   HealthChecker
	storage  StorageReporter
	gc       Collector
	gatherer prometheus.Gatherer
	metrics  string
	logger   zerolog.Logger
}

// OpsConfig contains configuration for the ops handler.
type OpsConfig struct {
	Health  HealthChecker
	Storage StorageReporter
	GC      Collector

	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	Logger zerolog.Logger
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{
		health:   cfg.Health,
		storage:  cfg.Storage,
		gc:       cfg.GC,
		gatherer: cfg.Gatherer,
		metrics:  cfg.MetricsPath,
		logger:   cfg.Logger.With().Str("handler", "ops").Logger(),
	}
}

// Router returns the ops router.
func (h *OpsHandler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	if h.gatherer != nil {
		path := h.metrics
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", h.handleStats)
		r.Get("/gc", h.handleGCStats)
		r.Post("/gc/run", h.handleGCRun)
		r.Get("/accounts/{ownerID}/storage", h.handleAccountStorage)
	})

	return r
}

// =============================================================================
// Handlers
// =============================================================================

func (h *OpsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Health(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *OpsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.storage.GetSystemStats(r.Context())
	if err != nil {
		h.internalError(w, r, err, "failed to get system stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *OpsHandler) handleGCStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gc.GetStats(r.Context())
	if err != nil {
		h.internalError(w, r, err, "failed to get gc stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *OpsHandler) handleGCRun(w http.ResponseWriter, r *http.Request) {
	var result service.GCResult
	if r.URL.Query().Get("dry_run") == "true" {
		result = h.gc.RunDry(r.Context())
	} else {
		result = h.gc.RunOnce(r.Context())
	}

	status := http.StatusOK
	if result.Skipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (h *OpsHandler) handleAccountStorage(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "ownerID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid owner id"})
		return
	}

	summary, err := h.storage.GetStorageSummary(r.Context(), ownerID)
	if err != nil {
		h.internalError(w, r, err, "failed to get storage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// Helpers
// =============================================================================

type errorBody struct {
	Error string `json:"error"`
}

func (h *OpsHandler) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	hlog.FromRequest(r).Error().Err(err).Msg(msg)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
