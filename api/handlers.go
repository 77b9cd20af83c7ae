/*
handlers.go - Operational HTTP handlers

PURPOSE:
  Exposes health, readiness and the operator actions of the mirror engine.
  There is no product-facing API here; active products are served in-process.

ENDPOINTS:
  GET    /healthz                 Process is up
  GET    /readyz                  Durable store reachable (mirror reported, not required)
  POST   /admin/reconcile         Run a Reconcile pass now
  GET    /admin/reconcile/runs    Recent passes (?limit=N, default 20)
  GET    /admin/consistency       Run the consistency checker
  POST   /admin/cache/invalidate  Drop the cached active-product answer

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 409: a Reconcile pass is already running
  - 503: durable store or mirror unavailable
  - 500: everything else

SEE ALSO:
  - server.go: router and middleware
  - mirror/scheduler.go: periodic passes
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/warp/productview/catalog"
	"github.com/warp/productview/mirror"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Reconciler interface {
	ReconcileDetailed(ctx context.Context) (mirror.Report, error)
}

type Verifier interface {
	Verify(ctx context.Context) (bool, *mirror.CheckReport, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthProber interface {
	Healthy(ctx context.Context) bool
}

// Handler holds the dependencies of the ops endpoints. Nil fields disable the
// corresponding endpoint with 503.
type Handler struct {
	Durable    Pinger
	Mirror     HealthProber
	Reconciler Reconciler
	Verifier   Verifier
	Cache      Invalidator
	Runs       catalog.RunRecorder
	Logger     *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz fails only when the durable store is unreachable; a down mirror
// degrades reads but does not stop them.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{Status: "ready", Durable: "ok", Mirror: "ok"}
	status := http.StatusOK

	if h.Durable != nil {
		if err := h.Durable.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Durable = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.Mirror == nil || !h.Mirror.Healthy(r.Context()) {
		resp.Mirror = "unavailable"
		if status == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// RECONCILE
// =============================================================================

func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconcile not configured", nil)
		return
	}

	report, err := h.Reconciler.ReconcileDetailed(r.Context())
	switch {
	case errors.Is(err, catalog.ErrReconcileInProgress):
		writeError(w, http.StatusConflict, "reconcile already running", err)
	case errors.Is(err, catalog.ErrMirrorUnavailable):
		writeError(w, http.StatusServiceUnavailable, "mirror unavailable", err)
	case err != nil && !report.Cancelled:
		h.logger().Error("manual reconcile failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "reconcile failed", err)
	default:
		writeJSON(w, http.StatusOK, toReconcileResponse(report))
	}
}

func (h *Handler) ListReconcileRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []RunDTO{})
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListReconcileRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// =============================================================================
// CONSISTENCY
// =============================================================================

func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "consistency checker not configured", nil)
		return
	}

	_, report, err := h.Verifier.Verify(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		var mErr *catalog.MirrorStoreError
		if errors.As(err, &mErr) || errors.Is(err, catalog.ErrMirrorUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "consistency check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// CACHE
// =============================================================================

func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.Cache.Invalidate(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to invalidate cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
