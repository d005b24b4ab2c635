// Package handlers serves trigger invocations over HTTP for local runs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/connect-trigger/observability/metrics"
	"github.com/GoCodeAlone/connect-trigger/trigger"
)

// MaxEventBytes bounds a request body. Step Functions rejects execution
// input above 256 KiB, so a larger event could never be started anyway.
const MaxEventBytes = 256 * 1024

// Invoker answers one trigger invocation. *trigger.Adapter satisfies it.
type Invoker interface {
	Handle(ctx context.Context, ev trigger.Event) (trigger.Response, error)
}

// InvokeHandler serves POST /invoke, GET /healthz and, when a metrics
// handler is set, the metrics endpoint.
type InvokeHandler struct {
	invoker     Invoker
	logger      *slog.Logger
	metrics     http.Handler
	metricsPath string
}

// NewInvokeHandler creates an InvokeHandler. A nil logger uses slog.Default.
func NewInvokeHandler(invoker Invoker, logger *slog.Logger) *InvokeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvokeHandler{invoker: invoker, logger: logger}
}

// WithMetrics serves the collector's registry at its configured path.
func (h *InvokeHandler) WithMetrics(c *metrics.Collector) *InvokeHandler {
	h.metrics = c.Handler()
	h.metricsPath = c.MetricsPath()
	return h
}

// RegisterRoutes registers the handler's routes on mux.
func (h *InvokeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /invoke", h.handleInvoke)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("GET "+h.metricsPath, h.metrics)
	}
}

func (h *InvokeHandler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event exceeds 256 KiB")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ev, err := trigger.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.invoker.Handle(r.Context(), ev)
	if err != nil {
		h.logger.Error("workflow engine call failed", "error", err, "outcome", metrics.Outcome(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InvokeHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
