/*
Package mirror keeps the read-optimized mirror in step with the durable store.

DUAL WRITE:
  Create, Update and Delete commit to the durable store first. Only after
  that succeeds is the mirror touched, and a mirror failure is logged, never
  returned. The next Reconcile pass repairs it.

RECONCILE:
  A full resynchronization from the durable snapshot. Two strategies:
    swap   stage every record into a fresh mirror generation, then switch
           readers over in one step (default)
    prune  upsert every record into the live mirror, then delete mirror
           entries the durable store no longer has
  Only one pass runs at a time; a second caller gets ErrReconcileInProgress.
  Per-record mirror failures are counted and the pass continues.

  Writes that land while a pass runs are remembered by id. Before the pass
  finishes it blocks writers, rereads those ids from the durable store and
  applies the current state, so a delete or update made mid-pass is never
  overwritten by the older snapshot.

SEE ALSO:
  - mirror/checker.go:   drift detection
  - mirror/scheduler.go: periodic passes
*/
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/warp/productview/catalog"
)

// Strategy selects how Reconcile rewrites the mirror.
type Strategy string

const (
	StrategySwap  Strategy = "swap"
	StrategyPrune Strategy = "prune"
)

// ParseStrategy accepts "" as swap.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySwap:
		return StrategySwap, nil
	case StrategyPrune:
		return StrategyPrune, nil
	}
	return "", fmt.Errorf("unknown reconcile strategy %q", s)
}

type Options struct {
	Strategy Strategy
	Recorder catalog.RunRecorder // optional
	Clock    catalog.Clock
	Logger   *slog.Logger
}

type Synchronizer struct {
	durable  catalog.DurableStore
	mirror   catalog.MirrorStore
	strategy Strategy
	recorder catalog.RunRecorder
	clock    catalog.Clock
	logger   *slog.Logger

	running atomic.Bool
	// gate is held shared by dual-writes and exclusively while a pass
	// settles dirty ids and commits.
	gate  sync.RWMutex
	dirty mapset.Set[catalog.ConfigID]
}

func NewSynchronizer(durable catalog.DurableStore, mirror catalog.MirrorStore, opts Options) *Synchronizer {
	if opts.Strategy == "" {
		opts.Strategy = StrategySwap
	}
	if opts.Clock == nil {
		opts.Clock = catalog.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Synchronizer{
		durable:  durable,
		mirror:   mirror,
		strategy: opts.Strategy,
		recorder: opts.Recorder,
		clock:    opts.Clock,
		logger:   opts.Logger.With(slog.String("component", "synchronizer")),
		dirty:    mapset.NewSet[catalog.ConfigID](),
	}
}

// =============================================================================
// DUAL WRITE
// =============================================================================

// Create stores a new configuration. An empty ID is assigned a UUID.
func (s *Synchronizer) Create(ctx context.Context, cfg catalog.Configuration) (catalog.Configuration, error) {
	if cfg.ID == "" {
		cfg.ID = catalog.ConfigID(uuid.NewString())
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return catalog.Configuration{}, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if err := s.durable.PutConfig(ctx, cfg); err != nil {
		return catalog.Configuration{}, &catalog.DurableStoreError{Op: "create", Err: err}
	}
	s.touch(cfg.ID)
	s.mirrorPut(ctx, cfg)
	return cfg, nil
}

// Update replaces configuration id. Returns ErrConfigNotFound if the durable
// store does not have it.
func (s *Synchronizer) Update(ctx context.Context, id catalog.ConfigID, cfg catalog.Configuration) (catalog.Configuration, error) {
	cfg.ID = id
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return catalog.Configuration{}, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if _, err := s.durable.GetConfig(ctx, id); err != nil {
		if errors.Is(err, catalog.ErrConfigNotFound) {
			return catalog.Configuration{}, err
		}
		return catalog.Configuration{}, &catalog.DurableStoreError{Op: "update", Err: err}
	}
	if err := s.durable.PutConfig(ctx, cfg); err != nil {
		return catalog.Configuration{}, &catalog.DurableStoreError{Op: "update", Err: err}
	}
	s.touch(id)
	s.mirrorPut(ctx, cfg)
	return cfg, nil
}

// Delete removes configuration id. A durable miss still clears any stray
// mirror entry before ErrConfigNotFound is returned.
func (s *Synchronizer) Delete(ctx context.Context, id catalog.ConfigID) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	err := s.durable.DeleteConfig(ctx, id)
	if err != nil && !errors.Is(err, catalog.ErrConfigNotFound) {
		return &catalog.DurableStoreError{Op: "delete", Err: err}
	}
	s.touch(id)
	s.mirrorDelete(ctx, id)
	return err
}

// Get reads from the durable store.
func (s *Synchronizer) Get(ctx context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	cfg, err := s.durable.GetConfig(ctx, id)
	if err != nil && !errors.Is(err, catalog.ErrConfigNotFound) {
		return catalog.Configuration{}, &catalog.DurableStoreError{Op: "get", Err: err}
	}
	return cfg, err
}

// ListOptions narrow List. The zero value lists everything.
type ListOptions struct {
	ProductID catalog.ProductID
	// ActiveOnly keeps configurations eligible at the current instant.
	ActiveOnly bool
}

// List returns durable configurations ordered by id.
func (s *Synchronizer) List(ctx context.Context, opts ListOptions) ([]catalog.Configuration, error) {
	var filter catalog.ConfigFilter
	if opts.ProductID != "" {
		filter.ProductIDs = []catalog.ProductID{opts.ProductID}
	}
	if opts.ActiveOnly {
		now := s.clock.Now()
		filter.EligibleAt = &now
	}
	out := []catalog.Configuration{}
	err := s.durable.ScanConfigs(ctx, filter, func(cfg catalog.Configuration) error {
		out = append(out, cfg)
		return nil
	})
	if err != nil {
		return nil, &catalog.DurableStoreError{Op: "list", Err: err}
	}
	return out, nil
}

// touch remembers id for the running pass. It is called after the durable
// write, so a pass that starts later reads the new state in its own scan.
func (s *Synchronizer) touch(id catalog.ConfigID) {
	if s.running.Load() {
		s.dirty.Add(id)
	}
}

func (s *Synchronizer) mirrorPut(ctx context.Context, cfg catalog.Configuration) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.PutConfig(ctx, cfg); err != nil {
		s.logger.Warn("mirror write failed, reconcile will repair",
			slog.String("config_id", string(cfg.ID)),
			slog.Any("error", &catalog.MirrorStoreError{Op: "put", Err: err}))
	}
}

func (s *Synchronizer) mirrorDelete(ctx context.Context, id catalog.ConfigID) {
	if s.mirror == nil {
		return
	}
	err := s.mirror.DeleteConfig(ctx, id)
	if err != nil && !errors.Is(err, catalog.ErrConfigNotFound) {
		s.logger.Warn("mirror delete failed, reconcile will repair",
			slog.String("config_id", string(id)),
			slog.Any("error", &catalog.MirrorStoreError{Op: "delete", Err: err}))
	}
}

// =============================================================================
// RECONCILE
// =============================================================================

// Report summarizes one Reconcile pass.
type Report struct {
	RunID     string
	Strategy  Strategy
	Synced    int
	Failed    int
	Pruned    int
	Cancelled bool
	StartedAt time.Time
	Duration  time.Duration

	// RecordErrors aggregates per-record mirror failures. Nil when none.
	RecordErrors error
}

// Reconcile runs one pass and returns how many records reached the mirror.
func (s *Synchronizer) Reconcile(ctx context.Context) (int, error) {
	report, err := s.ReconcileDetailed(ctx)
	return report.Synced, err
}

// ReconcileDetailed runs one pass with the configured strategy. Partial
// progress is reported even when the pass is cancelled.
func (s *Synchronizer) ReconcileDetailed(ctx context.Context) (Report, error) {
	if s.mirror == nil {
		return Report{}, catalog.ErrMirrorUnavailable
	}
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, catalog.ErrReconcileInProgress
	}
	defer s.running.Store(false)
	s.dirty.Clear()

	report := Report{
		RunID:     uuid.NewString(),
		Strategy:  s.strategy,
		StartedAt: s.clock.Now(),
	}
	s.record(ctx, report, nil, false)
	s.logger.Info("reconcile started",
		slog.String("run_id", report.RunID), slog.String("strategy", string(s.strategy)))

	var errs *multierror.Error
	var err error
	switch s.strategy {
	case StrategyPrune:
		err = s.reconcilePrune(ctx, &report, &errs)
	default:
		err = s.reconcileSwap(ctx, &report, &errs)
	}

	report.RecordErrors = errs.ErrorOrNil()
	report.Duration = s.clock.Now().Sub(report.StartedAt)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		report.Cancelled = true
	}
	s.record(ctx, report, err, true)

	attrs := []any{
		slog.String("run_id", report.RunID),
		slog.Int("synced", report.Synced),
		slog.Int("failed", report.Failed),
		slog.Int("pruned", report.Pruned),
		slog.Duration("duration", report.Duration),
	}
	switch {
	case report.Cancelled:
		s.logger.Warn("reconcile cancelled", attrs...)
	case err != nil:
		s.logger.Error("reconcile failed", append(attrs, slog.Any("error", err))...)
	case report.Failed > 0:
		s.logger.Warn("reconcile finished with record failures", append(attrs, slog.Any("error", report.RecordErrors))...)
	default:
		s.logger.Info("reconcile finished", attrs...)
	}
	return report, err
}

// Running reports whether a pass is in progress.
func (s *Synchronizer) Running() bool { return s.running.Load() }

func (s *Synchronizer) Strategy() Strategy { return s.strategy }

func (s *Synchronizer) reconcileSwap(ctx context.Context, report *Report, errs **multierror.Error) error {
	staging, err := s.mirror.BeginReplace(ctx)
	if err != nil {
		return &catalog.MirrorStoreError{Op: "begin replace", Err: err}
	}
	cleanup := context.WithoutCancel(ctx)

	seen := 0
	err = s.durable.ScanConfigs(ctx, catalog.ConfigFilter{}, func(cfg catalog.Configuration) error {
		seen++
		if err := staging.Put(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			*errs = multierror.Append(*errs, fmt.Errorf("%s: %w", cfg.ID, err))
			return nil
		}
		report.Synced++
		return nil
	})
	if err != nil {
		s.abort(cleanup, staging)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &catalog.DurableStoreError{Op: "scan configs", Err: err}
	}

	// Switching to an empty generation because every write failed would wipe
	// a mirror that is merely unreachable.
	if seen > 0 && report.Synced == 0 {
		s.abort(cleanup, staging)
		return &catalog.MirrorStoreError{Op: "replace", Err: (*errs).ErrorOrNil()}
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	// A staged copy that missed a mid-pass write must not go live.
	failures, err := s.settle(ctx, staging.Put, staging.Delete)
	if err == nil && failures != nil {
		err = &catalog.MirrorStoreError{Op: "settle", Err: failures.ErrorOrNil()}
	}
	if err != nil {
		s.abort(cleanup, staging)
		return err
	}
	if err := staging.Commit(ctx); err != nil {
		s.abort(cleanup, staging)
		return &catalog.MirrorStoreError{Op: "commit", Err: err}
	}
	return nil
}

// settle applies the current durable state of every id written since the
// pass started. The caller holds the gate exclusively. Mirror failures are
// returned as the first value; a durable read failure stops settling.
func (s *Synchronizer) settle(ctx context.Context,
	put func(context.Context, catalog.Configuration) error,
	del func(context.Context, catalog.ConfigID) error,
) (*multierror.Error, error) {
	ids := s.dirty.ToSlice()
	s.dirty.Clear()

	var failures *multierror.Error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		cfg, err := s.durable.GetConfig(ctx, id)
		switch {
		case errors.Is(err, catalog.ErrConfigNotFound):
			err = del(ctx, id)
			if errors.Is(err, catalog.ErrConfigNotFound) {
				err = nil
			}
		case err != nil:
			return failures, &catalog.DurableStoreError{Op: "get config", Err: err}
		default:
			err = put(ctx, cfg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return failures, ctx.Err()
			}
			failures = multierror.Append(failures, fmt.Errorf("settle %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		s.logger.Debug("applied writes made during reconcile", slog.Int("count", len(ids)))
	}
	return failures, nil
}

func (s *Synchronizer) abort(ctx context.Context, staging catalog.MirrorReplacement) {
	if err := staging.Abort(ctx); err != nil {
		s.logger.Warn("failed to discard staged mirror", slog.Any("error", err))
	}
}

// reconcilePrune settles mid-pass writes on every exit, including
// cancellation, because its upserts already went to the live mirror.
func (s *Synchronizer) reconcilePrune(ctx context.Context, report *Report, errs **multierror.Error) error {
	err := s.upsertAndPrune(ctx, report, errs)

	s.gate.Lock()
	defer s.gate.Unlock()
	failures, settleErr := s.settle(context.WithoutCancel(ctx), s.mirror.PutConfig, s.mirror.DeleteConfig)
	if failures != nil {
		report.Failed += len(failures.Errors)
		*errs = multierror.Append(*errs, failures.Errors...)
	}
	if err != nil {
		return err
	}
	return settleErr
}

func (s *Synchronizer) upsertAndPrune(ctx context.Context, report *Report, errs **multierror.Error) error {
	snapshot := mapset.NewThreadUnsafeSet[catalog.ConfigID]()
	err := s.durable.ScanConfigs(ctx, catalog.ConfigFilter{}, func(cfg catalog.Configuration) error {
		snapshot.Add(cfg.ID)
		if err := s.mirror.PutConfig(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			*errs = multierror.Append(*errs, fmt.Errorf("%s: %w", cfg.ID, err))
			return nil
		}
		report.Synced++
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &catalog.DurableStoreError{Op: "scan configs", Err: err}
	}

	var stale []catalog.ConfigID
	err = s.mirror.ScanConfigs(ctx, catalog.ConfigFilter{}, func(cfg catalog.Configuration) error {
		if !snapshot.Contains(cfg.ID) {
			stale = append(stale, cfg.ID)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &catalog.MirrorStoreError{Op: "scan configs", Err: err}
	}

	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Created after the snapshot was taken; dual-write already mirrored it.
		_, err := s.durable.GetConfig(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrConfigNotFound) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			*errs = multierror.Append(*errs, fmt.Errorf("prune %s: recheck: %w", id, err))
			continue
		}
		err = s.mirror.DeleteConfig(ctx, id)
		if err != nil && !errors.Is(err, catalog.ErrConfigNotFound) {
			report.Failed++
			*errs = multierror.Append(*errs, fmt.Errorf("prune %s: %w", id, err))
			continue
		}
		report.Pruned++
	}
	return nil
}

// record persists the run. Failures to record never fail the pass.
func (s *Synchronizer) record(ctx context.Context, report Report, passErr error, finished bool) {
	if s.recorder == nil {
		return
	}
	run := catalog.ReconcileRun{
		ID:        report.RunID,
		Strategy:  string(report.Strategy),
		Status:    catalog.RunRunning,
		Synced:    report.Synced,
		Failed:    report.Failed,
		Pruned:    report.Pruned,
		StartedAt: report.StartedAt,
	}
	if finished {
		done := report.StartedAt.Add(report.Duration)
		run.CompletedAt = &done
		switch {
		case report.Cancelled:
			run.Status = catalog.RunPartial
			run.Error = passErr.Error()
		case passErr != nil:
			run.Status = catalog.RunFailed
			run.Error = passErr.Error()
		case report.Failed > 0:
			run.Status = catalog.RunPartial
			run.Error = report.RecordErrors.Error()
		default:
			run.Status = catalog.RunCompleted
		}
	}
	if err := s.recorder.SaveReconcileRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record reconcile run",
			slog.String("run_id", report.RunID), slog.Any("error", err))
	}
}
