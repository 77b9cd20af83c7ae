package catalog

import (
	"context"
	"time"
)

// =============================================================================
// RECONCILE RUNS - Bookkeeping for mirror resynchronization passes
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"   // finished with per-record failures or was cancelled
	RunFailed    RunStatus = "failed"
)

// ReconcileRun records one Reconcile pass.
type ReconcileRun struct {
	ID          string     `json:"id"`
	Strategy    string     `json:"strategy"`
	Status      RunStatus  `json:"status"`
	Synced      int        `json:"synced"`
	Failed      int        `json:"failed"`
	Pruned      int        `json:"pruned"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// RunRecorder persists reconcile runs. Saving an existing ID updates it.
type RunRecorder interface {
	SaveReconcileRun(ctx context.Context, run ReconcileRun) error
	ListReconcileRuns(ctx context.Context, limit int) ([]ReconcileRun, error)
}
