package api

import (
	"time"

	"github.com/warp/productview/catalog"
	"github.com/warp/productview/mirror"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadinessResponse struct {
	Status  string `json:"status"`
	Durable string `json:"durable"`
	Mirror  string `json:"mirror"`
}

type ReconcileResponse struct {
	RunID      string `json:"runId"`
	Strategy   string `json:"strategy"`
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`
	Pruned     int    `json:"pruned"`
	Cancelled  bool   `json:"cancelled"`
	DurationMS int64  `json:"durationMs"`
	Errors     string `json:"errors,omitempty"`
}

type RunDTO struct {
	ID          string     `json:"id"`
	Strategy    string     `json:"strategy"`
	Status      string     `json:"status"`
	Synced      int        `json:"synced"`
	Failed      int        `json:"failed"`
	Pruned      int        `json:"pruned"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toReconcileResponse(r mirror.Report) ReconcileResponse {
	resp := ReconcileResponse{
		RunID:      r.RunID,
		Strategy:   string(r.Strategy),
		Synced:     r.Synced,
		Failed:     r.Failed,
		Pruned:     r.Pruned,
		Cancelled:  r.Cancelled,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.RecordErrors != nil {
		resp.Errors = r.RecordErrors.Error()
	}
	return resp
}

func toRunDTOs(runs []catalog.ReconcileRun) []RunDTO {
	out := make([]RunDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunDTO{
			ID:          r.ID,
			Strategy:    r.Strategy,
			Status:      string(r.Status),
			Synced:      r.Synced,
			Failed:      r.Failed,
			Pruned:      r.Pruned,
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return out
}
