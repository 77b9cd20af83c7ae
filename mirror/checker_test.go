package mirror_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/catalog/store"
	"github.com/warp/productview/mirror"
)

func seedBoth(t *testing.T, durable, live catalog.ConfigStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		cfg := window(fmt.Sprintf("P%d", i), true)
		cfg.ID = catalog.ConfigID(fmt.Sprintf("c%03d", i))
		require.NoError(t, durable.PutConfig(ctx, cfg))
		require.NoError(t, live.PutConfig(ctx, cfg))
	}
}

func TestChecker_ConsistentStores(t *testing.T) {
	durable, live := store.NewDurable(), store.NewMirror()
	seedBoth(t, durable, live, 5)
	checker := mirror.NewChecker(durable, live, mirror.CheckerOptions{})

	ok, report, err := checker.Verify(context.Background())

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, report.Compared)
	assert.Empty(t, report.Mismatches)
	assert.False(t, report.Sampled)
}

func TestChecker_CountMismatchStopsEarly(t *testing.T) {
	// GIVEN: The mirror is missing a record
	durable := store.NewDurable()
	live := store.NewFaulty(store.NewMirror())
	seedBoth(t, durable, live.MirrorStore, 3)
	require.NoError(t, live.MirrorStore.DeleteConfig(context.Background(), "c001"))

	// WHEN: Verifying
	ok, report, err := mirror.NewChecker(durable, live, mirror.CheckerOptions{}).Verify(context.Background())

	// THEN: Counts alone decide and no record is compared
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, report.CountMismatch)
	assert.Equal(t, 3, report.DurableCount)
	assert.Equal(t, 2, report.MirrorCount)
	assert.Zero(t, report.Compared)
	assert.Zero(t, live.Scans.Load())
}

func TestChecker_FieldMismatchReported(t *testing.T) {
	// GIVEN: Same ids, one drifted window and one drifted id
	durable, live := store.NewDurable(), store.NewMirror()
	ctx := context.Background()
	seedBoth(t, durable, live, 4)

	drifted := window("P2", false)
	drifted.ID = "c002"
	drifted.ValidTo = drifted.ValidTo.Add(time.Minute)
	require.NoError(t, live.PutConfig(ctx, drifted))

	require.NoError(t, live.DeleteConfig(ctx, "c003"))
	renamed := window("P3", true)
	renamed.ID = "zzz"
	require.NoError(t, live.PutConfig(ctx, renamed))

	// WHEN: Verifying every record
	ok, report, err := mirror.NewChecker(durable, live, mirror.CheckerOptions{}).Verify(ctx)

	// THEN: Both differences are listed
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, report.MismatchCount)
	require.Len(t, report.Mismatches, 2)
	assert.Equal(t, catalog.ConfigID("c002"), report.Mismatches[0].ID)
	assert.Equal(t, []string{"enabled", "validTo"}, report.Mismatches[0].Fields)
	assert.Equal(t, catalog.ConfigID("c003"), report.Mismatches[1].ID)
	assert.True(t, report.Mismatches[1].MissingInMirror)
}

func TestChecker_SampledComparison(t *testing.T) {
	durable, live := store.NewDurable(), store.NewMirror()
	seedBoth(t, durable, live, 50)
	checker := mirror.NewChecker(durable, live, mirror.CheckerOptions{SampleSize: 10, Seed: 42})

	ok, report, err := checker.Verify(context.Background())

	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, report.Sampled)
	assert.Equal(t, 10, report.Compared)
}

func TestChecker_SampleFindsDriftWhenSampleCoversAll(t *testing.T) {
	durable, live := store.NewDurable(), store.NewMirror()
	ctx := context.Background()
	seedBoth(t, durable, live, 5)
	drifted := window("P0", false)
	drifted.ID = "c000"
	require.NoError(t, live.PutConfig(ctx, drifted))

	ok, report, err := mirror.NewChecker(durable, live, mirror.CheckerOptions{SampleSize: 5, Seed: 7}).Verify(ctx)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, report.MismatchCount)
}

func TestChecker_NeverMutates(t *testing.T) {
	durable := store.NewDurable()
	live := store.NewFaulty(store.NewMirror())
	seedBoth(t, durable, live.MirrorStore, 5)
	drifted := window("P4", false)
	drifted.ID = "c004"
	require.NoError(t, live.MirrorStore.PutConfig(context.Background(), drifted))
	live.Writes.Store(0)

	before, err := durable.CountConfigs(context.Background(), catalog.ConfigFilter{})
	require.NoError(t, err)

	for _, size := range []int{0, 2} {
		_, _, err := mirror.NewChecker(durable, live, mirror.CheckerOptions{SampleSize: size}).Verify(context.Background())
		require.NoError(t, err)
	}

	after, err := durable.CountConfigs(context.Background(), catalog.ConfigFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, live.Writes.Load())
	assert.Len(t, mirrorIDs(t, live), 5)
	stillDrifted, err := live.GetConfig(context.Background(), "c004")
	require.NoError(t, err)
	assert.False(t, stillDrifted.Enabled)
}

func TestChecker_MirrorErrorSurfaces(t *testing.T) {
	durable := store.NewDurable()
	live := store.NewFaulty(store.NewMirror())
	live.FailReads.Store(true)

	_, _, err := mirror.NewChecker(durable, live, mirror.CheckerOptions{}).Verify(context.Background())

	var mErr *catalog.MirrorStoreError
	assert.ErrorAs(t, err, &mErr)
}
