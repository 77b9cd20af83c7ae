/*
scheduler.go - Periodic reconcile and verify

PURPOSE:
  Runs Reconcile on a fixed interval and, when enabled, Verify on its own
  slower interval. Both run in background goroutines.

DESIGN:
  - Reconcile runs immediately on start, then on every tick
  - A tick that finds a pass still running (e.g. a manual trigger) is skipped
    and logged, never queued
  - Stop cancels any in-flight pass and waits for the loops to exit

CONFIGURATION:
  - ReconcileInterval: default 1 hour
  - VerifyInterval:    0 disables periodic Verify

USAGE:
  scheduler := NewScheduler(sync, checker, SchedulerOptions{...})
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - api/handlers.go: manual reconcile trigger
*/
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/productview/catalog"
)

const DefaultReconcileInterval = time.Hour

type SchedulerOptions struct {
	ReconcileInterval time.Duration
	VerifyInterval    time.Duration
	Enabled           bool
	Logger            *slog.Logger
}

// Scheduler drives periodic Reconcile and Verify passes.
type Scheduler struct {
	Sync    *Synchronizer
	Checker *Checker

	ReconcileInterval time.Duration
	VerifyInterval    time.Duration
	Enabled           bool

	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(synchronizer *Synchronizer, checker *Checker, opts SchedulerOptions) *Scheduler {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		Sync:              synchronizer,
		Checker:           checker,
		ReconcileInterval: opts.ReconcileInterval,
		VerifyInterval:    opts.VerifyInterval,
		Enabled:           opts.Enabled,
		logger:            opts.Logger.With(slog.String("component", "scheduler")),
	}
}

// Start launches the loops. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx, s.ReconcileInterval, true, s.reconcileTick)

	if s.VerifyInterval > 0 && s.Checker != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.VerifyInterval, false, s.verifyTick)
	}

	s.logger.Info("scheduler started",
		slog.Duration("reconcile_interval", s.ReconcileInterval),
		slog.Duration("verify_interval", s.VerifyInterval))
}

// Stop cancels in-flight passes and waits for the loops to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, immediate bool, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if immediate {
		tick(ctx)
	}
	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) reconcileTick(ctx context.Context) {
	_, err := s.Sync.ReconcileDetailed(ctx)
	if errors.Is(err, catalog.ErrReconcileInProgress) {
		s.logger.Warn("reconcile tick skipped, previous pass still running")
	}
	// Other outcomes are logged by the synchronizer.
}

func (s *Scheduler) verifyTick(ctx context.Context) {
	consistent, report, err := s.Checker.Verify(ctx)
	if err != nil {
		s.logger.Error("consistency check failed", slog.Any("error", err))
		return
	}
	if !consistent {
		s.logger.Warn("mirror drift detected",
			slog.Int("durable", report.DurableCount),
			slog.Int("mirror", report.MirrorCount),
			slog.Int("mismatches", report.MismatchCount))
	}
}

// RunNow triggers an immediate Reconcile outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (Report, error) {
	return s.Sync.ReconcileDetailed(ctx)
}
