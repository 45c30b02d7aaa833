package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"coursemedia/internal/catalog"
	"coursemedia/internal/observability/logging"
	"coursemedia/internal/observability/metrics"
	"coursemedia/internal/streaming"
)

// HealthCheck is an extra dependency check reported by /healthz.
type HealthCheck struct {
	Component string
	Check     func(context.Context) error
}

type Handler struct {
	Catalog      catalog.Catalog
	Streamer     *streaming.Streamer
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	HealthChecks []HealthCheck

	streamerOnce sync.Once
}

func NewHandler(media catalog.Catalog, streamer *streaming.Streamer) *Handler {
	return &Handler{Catalog: media, Streamer: streamer}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) streamer() *streaming.Streamer {
	h.streamerOnce.Do(func() {
		if h.Streamer == nil {
			h.Streamer = streaming.NewStreamer(streaming.StreamerConfig{Logger: h.Logger, Metrics: h.Metrics})
		}
	})
	return h.Streamer
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), h.logger())
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	for _, component := range components {
		h.recorder().SetDependencyHealth(component.Component, component.Status)
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": components,
	})
}

// writeCatalogError maps catalog failures onto HTTP status codes.
func (h *Handler) writeCatalogError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("media file %s not found", id))
	case errors.Is(err, catalog.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.requestLogger(r).Warn("media catalog unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("media catalog unavailable"))
	case errors.Is(err, context.Canceled):
		h.requestLogger(r).Debug("media lookup cancelled", "error", err)
	default:
		h.requestLogger(r).Error("media lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("media lookup failed"))
	}
}
