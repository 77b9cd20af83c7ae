package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, "productview.db", cfg.Durable.Path)
	assert.Equal(t, 60*time.Second, cfg.Resolver.CacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Resolver.HealthTimeout)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)
	assert.Equal(t, "swap", cfg.Reconcile.Strategy)
	assert.Equal(t, []string{"COMPLETED"}, cfg.Resolver.QualifyingStatuses)
	assert.False(t, cfg.UseRedisCache())
	assert.True(t, cfg.StatusSet().Contains(catalog.StatusCompleted))
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A config file and an overriding environment variable
	path := writeFile(t, "productview.yaml", `
durable:
  path: /var/lib/pv.db
redis:
  addr: localhost:6379
resolver:
  cache_ttl: 5m
  qualifying_statuses: [COMPLETED, PROCESSING]
reconcile:
  strategy: prune
  interval: 15m
verify:
  interval: 6h
  sample_size: 200
`)
	t.Setenv("PRODUCTVIEW_RECONCILE_INTERVAL", "30m")
	t.Setenv("PRODUCTVIEW_VERIFY_SEED", "99")

	// WHEN: Loading
	cfg, err := config.Load(path)

	// THEN: The environment wins over the file, the file over defaults
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pv.db", cfg.Durable.Path)
	assert.Equal(t, 5*time.Minute, cfg.Resolver.CacheTTL)
	assert.Equal(t, "prune", cfg.Reconcile.Strategy)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 6*time.Hour, cfg.Verify.Interval)
	assert.Equal(t, 200, cfg.Verify.SampleSize)
	assert.Equal(t, uint64(99), cfg.Verify.Seed)
	assert.Equal(t, []string{"COMPLETED", "PROCESSING"}, cfg.Resolver.QualifyingStatuses)
	assert.True(t, cfg.UseRedisCache())
	assert.Equal(t, "active-products", cfg.Resolver.CacheKey)
}

func TestLoad_StatusesFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PRODUCTVIEW_RESOLVER_QUALIFYING_STATUSES", "COMPLETED, PROCESSING")

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, []string{"COMPLETED", "PROCESSING"}, cfg.Resolver.QualifyingStatuses)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Reconcile.Strategy = "truncate"
	cfg.Resolver.QualifyingStatuses = []string{"SHIPPED"}
	cfg.Resolver.CacheBackend = "redis"
	cfg.Log.Format = "xml"

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.strategy")
	assert.Contains(t, err.Error(), "SHIPPED")
	assert.Contains(t, err.Error(), "requires redis.addr")
	assert.Contains(t, err.Error(), "log.format")
}

func TestStatusSet_EmptyListQualifiesNothing(t *testing.T) {
	cfg := config.Default()
	cfg.Resolver.QualifyingStatuses = []string{}

	set := cfg.StatusSet()

	assert.False(t, set.IsZero())
	assert.Zero(t, set.Len())
}
