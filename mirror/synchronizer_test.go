package mirror_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/catalog/store"
	"github.com/warp/productview/mirror"
	"github.com/warp/productview/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	durable *store.Durable
	live    *store.Mirror
	mirror  *store.Faulty
	sync    *mirror.Synchronizer
}

func newFixture(t *testing.T, strategy mirror.Strategy) *fixture {
	t.Helper()
	f := &fixture{durable: store.NewDurable(), live: store.NewMirror()}
	f.mirror = store.NewFaulty(f.live)
	f.sync = mirror.NewSynchronizer(f.durable, f.mirror, mirror.Options{
		Strategy: strategy,
		Clock:    catalog.NewManualClock(now),
	})
	return f
}

func window(product string, enabled bool) catalog.Configuration {
	return catalog.Configuration{
		ProductID: catalog.ProductID(product),
		Enabled:   enabled,
		ValidFrom: now.Add(-time.Hour),
		ValidTo:   now.Add(time.Hour),
	}
}

func mirrorIDs(t *testing.T, m catalog.ConfigStore) []catalog.ConfigID {
	t.Helper()
	ids := []catalog.ConfigID{}
	require.NoError(t, m.ScanConfigs(context.Background(), catalog.ConfigFilter{}, func(c catalog.Configuration) error {
		ids = append(ids, c.ID)
		return nil
	}))
	return ids
}

// =============================================================================
// DUAL WRITE TESTS
// =============================================================================

func TestSynchronizer_CreateWritesBothStores(t *testing.T) {
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()

	created, err := f.sync.Create(ctx, window("P1", true))

	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	fromDurable, err := f.durable.GetConfig(ctx, created.ID)
	require.NoError(t, err)
	fromMirror, err := f.live.GetConfig(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, fromDurable.Equal(fromMirror))
}

func TestSynchronizer_ValidationRejectedBeforeWrite(t *testing.T) {
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()

	bad := window("P1", true)
	bad.ValidFrom, bad.ValidTo = bad.ValidTo, bad.ValidFrom
	_, err := f.sync.Create(ctx, bad)

	var vErr *catalog.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.True(t, catalog.IsClientError(err))
	n, _ := f.durable.CountConfigs(ctx, catalog.ConfigFilter{})
	assert.Zero(t, n)
	assert.Zero(t, f.mirror.Writes.Load())
}

func TestSynchronizer_UpdateSurvivesMirrorFailureAndReconcileRepairs(t *testing.T) {
	// GIVEN: A configuration in both stores
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	created, err := f.sync.Create(ctx, window("P1", true))
	require.NoError(t, err)

	// WHEN: The mirror fails during an update
	f.mirror.FailWrites.Store(true)
	updated, err := f.sync.Update(ctx, created.ID, window("P1", false))

	// THEN: The update still succeeds against the durable store
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	stale, err := f.live.GetConfig(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, stale.Enabled, "mirror is stale until reconcile")

	// WHEN: The mirror recovers and Reconcile runs
	f.mirror.FailWrites.Store(false)
	count, err := f.sync.Reconcile(ctx)

	// THEN: The mirror matches the durable store
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	repaired, err := f.live.GetConfig(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, repaired.Equal(updated))
}

func TestSynchronizer_UpdateMissing(t *testing.T) {
	f := newFixture(t, mirror.StrategySwap)

	_, err := f.sync.Update(context.Background(), "missing", window("P1", true))

	assert.ErrorIs(t, err, catalog.ErrConfigNotFound)
	assert.Zero(t, f.mirror.Writes.Load())
}

func TestSynchronizer_DeleteMissingClearsStrayMirrorEntry(t *testing.T) {
	// GIVEN: A mirror entry with no durable counterpart
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	stray := window("P1", true)
	stray.ID = "stray"
	require.NoError(t, f.live.PutConfig(ctx, stray))

	// WHEN: Deleting it
	err := f.sync.Delete(ctx, "stray")

	// THEN: Not found is reported and the mirror is cleaned anyway
	assert.ErrorIs(t, err, catalog.ErrConfigNotFound)
	_, err = f.live.GetConfig(ctx, "stray")
	assert.ErrorIs(t, err, catalog.ErrConfigNotFound)
}

func TestSynchronizer_DeleteSurvivesMirrorFailure(t *testing.T) {
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	created, err := f.sync.Create(ctx, window("P1", true))
	require.NoError(t, err)

	f.mirror.FailWrites.Store(true)
	require.NoError(t, f.sync.Delete(ctx, created.ID))

	_, err = f.durable.GetConfig(ctx, created.ID)
	assert.ErrorIs(t, err, catalog.ErrConfigNotFound)
}

func TestSynchronizer_ListByProduct(t *testing.T) {
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	for _, p := range []string{"P1", "P2", "P1"} {
		_, err := f.sync.Create(ctx, window(p, true))
		require.NoError(t, err)
	}

	all, err := f.sync.List(ctx, mirror.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	p1, err := f.sync.List(ctx, mirror.ListOptions{ProductID: "P1"})
	require.NoError(t, err)
	assert.Len(t, p1, 2)

	none, err := f.sync.List(ctx, mirror.ListOptions{ProductID: "P9"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSynchronizer_ListActiveOnly(t *testing.T) {
	// GIVEN: One eligible, one disabled and one expired configuration
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	expired := window("P2", true)
	expired.ValidFrom = now.Add(-2 * time.Hour)
	expired.ValidTo = now.Add(-time.Hour)
	for _, c := range []catalog.Configuration{window("P1", true), window("P1", false), expired} {
		_, err := f.sync.Create(ctx, c)
		require.NoError(t, err)
	}

	// WHEN: Listing only what is active now
	active, err := f.sync.List(ctx, mirror.ListOptions{ActiveOnly: true})

	// THEN: Only the eligible P1 configuration is returned
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, catalog.ProductID("P1"), active[0].ProductID)
	assert.True(t, active[0].Enabled)

	p2, err := f.sync.List(ctx, mirror.ListOptions{ProductID: "P2", ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, p2)
}

// =============================================================================
// RECONCILE TESTS
// =============================================================================

func seed(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		cfg := window(fmt.Sprintf("P%d", i%3), i%2 == 0)
		cfg.ID = catalog.ConfigID(fmt.Sprintf("c%03d", i))
		require.NoError(t, f.durable.PutConfig(context.Background(), cfg))
	}
}

func TestSynchronizer_ReconcileIsIdempotent(t *testing.T) {
	for _, strategy := range []mirror.Strategy{mirror.StrategySwap, mirror.StrategyPrune} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t, strategy)
			ctx := context.Background()
			seed(t, f, 10)

			first, err := f.sync.Reconcile(ctx)
			require.NoError(t, err)
			snapshot := mirrorIDs(t, f.live)

			second, err := f.sync.Reconcile(ctx)
			require.NoError(t, err)

			assert.Equal(t, 10, first)
			assert.Equal(t, first, second)
			assert.Equal(t, snapshot, mirrorIDs(t, f.live))
		})
	}
}

func TestSynchronizer_ReconcileRemovesStaleEntries(t *testing.T) {
	for _, strategy := range []mirror.Strategy{mirror.StrategySwap, mirror.StrategyPrune} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t, strategy)
			ctx := context.Background()
			seed(t, f, 3)
			orphan := window("P9", true)
			orphan.ID = "orphan"
			require.NoError(t, f.live.PutConfig(ctx, orphan))

			report, err := f.sync.ReconcileDetailed(ctx)

			require.NoError(t, err)
			assert.Equal(t, 3, report.Synced)
			assert.Equal(t, []catalog.ConfigID{"c000", "c001", "c002"}, mirrorIDs(t, f.live))
			if strategy == mirror.StrategyPrune {
				assert.Equal(t, 1, report.Pruned)
			}
		})
	}
}

func TestSynchronizer_ReconcileCountsRecordFailures(t *testing.T) {
	// GIVEN: One record the mirror refuses
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	seed(t, f, 4)
	f.mirror.FailID("c002", true)

	// WHEN: Reconciling
	report, err := f.sync.ReconcileDetailed(ctx)

	// THEN: The pass completes and reports the failure
	require.NoError(t, err)
	assert.Equal(t, 3, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.RecordErrors, store.ErrInjected)
	assert.Equal(t, []catalog.ConfigID{"c000", "c001", "c003"}, mirrorIDs(t, f.live))
}

func TestSynchronizer_SwapKeepsLiveMirrorWhenEveryWriteFails(t *testing.T) {
	f := newFixture(t, mirror.StrategySwap)
	ctx := context.Background()
	seed(t, f, 2)
	_, err := f.sync.Reconcile(ctx)
	require.NoError(t, err)

	f.mirror.FailWrites.Store(true)
	report, err := f.sync.ReconcileDetailed(ctx)

	var mErr *catalog.MirrorStoreError
	assert.ErrorAs(t, err, &mErr)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []catalog.ConfigID{"c000", "c001"}, mirrorIDs(t, f.live))
}

// gatedMirror blocks staged writes until released so a pass stays open.
type gatedMirror struct {
	*store.Mirror
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedMirror) BeginReplace(ctx context.Context) (catalog.MirrorReplacement, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Mirror.BeginReplace(ctx)
}

func TestSynchronizer_OverlappingReconcileRejected(t *testing.T) {
	// GIVEN: A pass that is held open
	durable := store.NewDurable()
	gated := &gatedMirror{Mirror: store.NewMirror(), entered: make(chan struct{}), release: make(chan struct{})}
	s := mirror.NewSynchronizer(durable, gated, mirror.Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Reconcile(context.Background())
		done <- err
	}()
	<-gated.entered

	// WHEN: A second pass starts
	_, err := s.Reconcile(context.Background())

	// THEN: It is rejected rather than run concurrently
	assert.ErrorIs(t, err, catalog.ErrReconcileInProgress)
	assert.True(t, s.Running())

	close(gated.release)
	require.NoError(t, <-done)
	assert.False(t, s.Running())
}

// cancellingDurable cancels the pass after a number of records.
type cancellingDurable struct {
	*store.Durable
	after  int
	cancel context.CancelFunc
}

func (c *cancellingDurable) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	seen := 0
	return c.Durable.ScanConfigs(ctx, filter, func(cfg catalog.Configuration) error {
		seen++
		if seen == c.after {
			c.cancel()
		}
		return fn(cfg)
	})
}

func TestSynchronizer_ReconcileCancellation(t *testing.T) {
	for _, strategy := range []mirror.Strategy{mirror.StrategySwap, mirror.StrategyPrune} {
		t.Run(string(strategy), func(t *testing.T) {
			// GIVEN: A durable store that cancels after three records
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			durable := store.NewDurable()
			for i := 0; i < 10; i++ {
				cfg := window("P1", true)
				cfg.ID = catalog.ConfigID(fmt.Sprintf("c%02d", i))
				require.NoError(t, durable.PutConfig(ctx, cfg))
			}
			live := store.NewMirror()
			recorder, err := sqlite.New(":memory:")
			require.NoError(t, err)
			defer recorder.Close()
			s := mirror.NewSynchronizer(&cancellingDurable{Durable: durable, after: 3, cancel: cancel}, live,
				mirror.Options{Strategy: strategy, Recorder: recorder})

			// WHEN: Reconciling
			report, err := s.ReconcileDetailed(ctx)

			// THEN: The pass stops, reports partial progress and records it
			assert.ErrorIs(t, err, context.Canceled)
			assert.True(t, report.Cancelled)
			assert.Equal(t, 3, report.Synced)

			runs, err := recorder.ListReconcileRuns(context.Background(), 5)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, catalog.RunPartial, runs[0].Status)
			assert.Equal(t, 3, runs[0].Synced)

			if strategy == mirror.StrategySwap {
				assert.Empty(t, mirrorIDs(t, live), "staged generation discarded")
			} else {
				assert.Len(t, mirrorIDs(t, live), 3, "upserts made so far are kept")
			}
		})
	}
}

func TestSynchronizer_RecordsCompletedRun(t *testing.T) {
	recorder, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer recorder.Close()

	durable := store.NewDurable()
	s := mirror.NewSynchronizer(durable, store.NewMirror(), mirror.Options{
		Strategy: mirror.StrategyPrune,
		Recorder: recorder,
		Clock:    catalog.NewManualClock(now),
	})
	cfg := window("P1", true)
	cfg.ID = "c1"
	require.NoError(t, durable.PutConfig(context.Background(), cfg))

	report, err := s.ReconcileDetailed(context.Background())
	require.NoError(t, err)

	runs, err := recorder.ListReconcileRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, "prune", runs[0].Strategy)
	assert.Equal(t, catalog.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].Synced)
	require.NotNil(t, runs[0].CompletedAt)
}

func TestParseStrategy(t *testing.T) {
	s, err := mirror.ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, mirror.StrategySwap, s)

	s, err = mirror.ParseStrategy("prune")
	require.NoError(t, err)
	assert.Equal(t, mirror.StrategyPrune, s)

	_, err = mirror.ParseStrategy("truncate")
	assert.Error(t, err)
}

// midPassDurable runs hook once, when the scan reaches its first record and
// before that record is handed to the pass.
type midPassDurable struct {
	*store.Durable
	hook func()
	once sync.Once
}

func (m *midPassDurable) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	return m.Durable.ScanConfigs(ctx, filter, func(cfg catalog.Configuration) error {
		m.once.Do(m.hook)
		return fn(cfg)
	})
}

func TestSynchronizer_WritesDuringReconcileSurvive(t *testing.T) {
	for _, strategy := range []mirror.Strategy{mirror.StrategySwap, mirror.StrategyPrune} {
		t.Run(string(strategy), func(t *testing.T) {
			// GIVEN: Three mirrored configurations
			ctx := context.Background()
			durable := &midPassDurable{Durable: store.NewDurable()}
			live := store.NewMirror()
			s := mirror.NewSynchronizer(durable, live, mirror.Options{Strategy: strategy})
			for _, id := range []catalog.ConfigID{"a", "b", "c"} {
				c := window("P1", true)
				c.ID = id
				_, err := s.Create(ctx, c)
				require.NoError(t, err)
			}

			// AND: A delete of a and a disable of c land after the pass has
			// read its snapshot
			durable.hook = func() {
				require.NoError(t, s.Delete(ctx, "a"))
				_, err := s.Update(ctx, "c", window("P1", false))
				require.NoError(t, err)
			}

			// WHEN: Reconciling
			report, err := s.ReconcileDetailed(ctx)

			// THEN: The pass succeeds without undoing either write
			require.NoError(t, err)
			assert.Zero(t, report.Failed)

			_, err = live.GetConfig(ctx, "a")
			assert.ErrorIs(t, err, catalog.ErrConfigNotFound, "deleted configuration came back")
			c, err := live.GetConfig(ctx, "c")
			require.NoError(t, err)
			assert.False(t, c.Enabled, "update was reverted")
			assert.Equal(t, []catalog.ConfigID{"b", "c"}, mirrorIDs(t, live))

			consistent, _, err := mirror.NewChecker(durable, live, mirror.CheckerOptions{}).Verify(ctx)
			require.NoError(t, err)
			assert.True(t, consistent)
		})
	}
}

// flakyGetDurable fails point reads of one id with a non-NotFound error.
type flakyGetDurable struct {
	*store.Durable
	id catalog.ConfigID
}

func (f *flakyGetDurable) GetConfig(ctx context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	if id == f.id {
		return catalog.Configuration{}, store.ErrInjected
	}
	return f.Durable.GetConfig(ctx, id)
}

func TestSynchronizer_PruneKeepsEntryWhenRecheckFails(t *testing.T) {
	// GIVEN: A mirror entry the durable scan does not return, and a durable
	// point read for it that fails
	ctx := context.Background()
	inner := store.NewDurable()
	live := store.NewMirror()
	kept := window("P1", true)
	kept.ID = "a"
	require.NoError(t, inner.PutConfig(ctx, kept))
	stray := window("P1", true)
	stray.ID = "x"
	require.NoError(t, live.PutConfig(ctx, stray))

	s := mirror.NewSynchronizer(&flakyGetDurable{Durable: inner, id: "x"}, live,
		mirror.Options{Strategy: mirror.StrategyPrune})

	// WHEN: Reconciling
	report, err := s.ReconcileDetailed(ctx)

	// THEN: The entry is not pruned on an unknown answer and the failure is counted
	require.NoError(t, err)
	assert.Zero(t, report.Pruned)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.RecordErrors, store.ErrInjected)
	assert.Equal(t, []catalog.ConfigID{"a", "x"}, mirrorIDs(t, live))
}
