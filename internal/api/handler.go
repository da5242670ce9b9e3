package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
	"github.com/gyaneshwarpardhi/ngsisink/internal/engine"
	"github.com/gyaneshwarpardhi/ngsisink/internal/metrics"
	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
)

// readyThreshold is the queue utilization above which /readyz reports 503.
const readyThreshold = 0.8

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng     *engine.Engine
	loader  *config.Loader
	maxBody int64
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, loader *config.Loader, conf config.ServerConf, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		eng:     eng,
		loader:  loader,
		maxBody: conf.MaxBodyBytes,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	notifyPath := conf.NotifyPath
	if notifyPath == "" {
		notifyPath = "/notify"
	}
	h.mux.HandleFunc("POST "+notifyPath, h.notify)
	h.mux.HandleFunc("GET /v1/stats", h.stats)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// POST <notify_path>: NGSI-LD notification webhook.
func (h *Handler) notify(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now()

	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.NotificationsReceived.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		metrics.NotificationsReceived.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, skipped, err := notification.Parse(raw, receivedAt)
	if err != nil {
		metrics.NotificationsReceived.WithLabelValues("malformed").Inc()
		h.logger.Warn("malformed notification rejected", "err", err, "bytes", len(raw))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.ID == "" {
		env.ID = "urn:ngsi-ld:Notification:" + uuid.New().String()
	}
	for _, e := range skipped {
		metrics.Updates.WithLabelValues("invalid").Inc()
		h.logger.Warn("entity skipped", "notification_id", env.ID, "err", e)
	}

	ack, err := h.eng.Dispatch(r.Context(), env)
	if err != nil {
		outcome := "backpressure"
		switch {
		case errors.Is(err, engine.ErrQueueClosed):
			outcome = "closed"
		case errors.Is(err, engine.ErrNoWorkers):
			outcome = "no_workers"
		}
		metrics.NotificationsReceived.WithLabelValues(outcome).Inc()
		h.logger.Warn("notification not fully accepted", "notification_id", env.ID,
			"accepted", ack.Accepted, "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	ack.NotificationID = env.ID
	ack.Invalid = len(skipped)
	metrics.NotificationsReceived.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, ack)
}

// GET /v1/stats: queue, limiter and provisioning snapshot.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Stats())
}

// POST /v1/config/reload: re-read the config file and apply hot-reloadable settings.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":        true,
		"min_interval_ms": cfg.Pipeline.MinIntervalMs,
		"log_level":       cfg.Log.Level,
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 while draining, when no worker is left, or when the queue
// is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	switch {
	case h.eng.Draining():
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "draining",
			"queue_utilization": util,
		})
	case h.eng.LiveWorkers() == 0:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "no_workers",
			"queue_utilization": util,
		})
	case util > readyThreshold:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "ready",
			"queue_utilization": util,
		})
	}
}
