package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/catalog/store"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func cfg(id, product string, enabled bool) catalog.Configuration {
	return catalog.Configuration{
		ID:        catalog.ConfigID(id),
		ProductID: catalog.ProductID(product),
		Enabled:   enabled,
		ValidFrom: now.Add(-time.Hour),
		ValidTo:   now.Add(time.Hour),
	}
}

func collect(t *testing.T, s catalog.ConfigStore, f catalog.ConfigFilter) []catalog.ConfigID {
	t.Helper()
	var ids []catalog.ConfigID
	err := s.ScanConfigs(context.Background(), f, func(c catalog.Configuration) error {
		ids = append(ids, c.ID)
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestDurable_ConfigCRUD(t *testing.T) {
	ctx := context.Background()
	d := store.NewDurable()

	require.NoError(t, d.PutConfig(ctx, cfg("c1", "P1", true)))

	got, err := d.GetConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, catalog.ProductID("P1"), got.ProductID)

	require.NoError(t, d.DeleteConfig(ctx, "c1"))
	_, err = d.GetConfig(ctx, "c1")
	assert.ErrorIs(t, err, catalog.ErrConfigNotFound)
	assert.ErrorIs(t, d.DeleteConfig(ctx, "c1"), catalog.ErrConfigNotFound)
}

func TestDurable_ScanTransactionsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	d := store.NewDurable()
	require.NoError(t, d.PutTransaction(ctx, catalog.Transaction{ID: "t1", ProductID: "P1", Status: catalog.StatusCompleted}))
	require.NoError(t, d.PutTransaction(ctx, catalog.Transaction{ID: "t2", ProductID: "P2", Status: catalog.StatusPending}))

	var products []catalog.ProductID
	err := d.ScanTransactions(ctx, catalog.QualifyingFilter(catalog.DefaultQualifyingStatuses()), func(tx catalog.Transaction) error {
		products = append(products, tx.ProductID)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []catalog.ProductID{"P1"}, products)
}

func TestDurable_ScanHonoursCancellation(t *testing.T) {
	d := store.NewDurable()
	require.NoError(t, d.PutConfig(context.Background(), cfg("c1", "P1", true)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.ScanConfigs(ctx, catalog.ConfigFilter{}, func(catalog.Configuration) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMirror_ProductIndexFollowsUpdates(t *testing.T) {
	ctx := context.Background()
	m := store.NewMirror()
	require.NoError(t, m.PutConfig(ctx, cfg("c1", "P1", true)))
	require.NoError(t, m.PutConfig(ctx, cfg("c2", "P2", true)))

	// WHEN: c1 moves from P1 to P3
	require.NoError(t, m.PutConfig(ctx, cfg("c1", "P3", true)))

	// THEN: The P1 index no longer returns it
	assert.Empty(t, collect(t, m, catalog.ConfigFilter{ProductIDs: []catalog.ProductID{"P1"}}))
	assert.Equal(t, []catalog.ConfigID{"c1"}, collect(t, m, catalog.ConfigFilter{ProductIDs: []catalog.ProductID{"P3"}}))
	assert.Equal(t, []catalog.ConfigID{"c1", "c2"}, collect(t, m, catalog.ConfigFilter{}))
}

func TestMirror_ReplaceIsInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	m := store.NewMirror()
	require.NoError(t, m.PutConfig(ctx, cfg("old", "P1", true)))

	rep, err := m.BeginReplace(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Put(ctx, cfg("new", "P2", true)))

	// Before commit readers still see the old contents
	assert.Equal(t, []catalog.ConfigID{"old"}, collect(t, m, catalog.ConfigFilter{}))

	require.NoError(t, rep.Commit(ctx))
	assert.Equal(t, []catalog.ConfigID{"new"}, collect(t, m, catalog.ConfigFilter{}))

	n, err := m.CountConfigs(ctx, catalog.ConfigFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMirror_StagedDelete(t *testing.T) {
	ctx := context.Background()
	m := store.NewMirror()

	rep, err := m.BeginReplace(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Put(ctx, cfg("a", "P1", true)))
	require.NoError(t, rep.Put(ctx, cfg("b", "P1", true)))
	require.NoError(t, rep.Delete(ctx, "a"))
	require.NoError(t, rep.Delete(ctx, "missing"))
	require.NoError(t, rep.Commit(ctx))

	assert.Equal(t, []catalog.ConfigID{"b"}, collect(t, m, catalog.ConfigFilter{ProductIDs: []catalog.ProductID{"P1"}}))
}

func TestMirror_AbortKeepsLiveSet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMirror()
	require.NoError(t, m.PutConfig(ctx, cfg("old", "P1", true)))

	rep, err := m.BeginReplace(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Put(ctx, cfg("new", "P2", true)))
	require.NoError(t, rep.Abort(ctx))

	assert.Equal(t, []catalog.ConfigID{"old"}, collect(t, m, catalog.ConfigFilter{}))
}
