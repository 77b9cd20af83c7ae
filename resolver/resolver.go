/*
Package resolver computes the active-product set.

ALGORITHM (two-stage, no join):
  Stage A  scan qualifying transactions in the durable store and reduce to a
           distinct product set. Empty means the answer is [] and Stage B
           never runs.
  Stage B  scan eligible configurations restricted to the Stage A products,
           from the mirror when it answers a health probe, otherwise from the
           durable store. The distinct product ids are the answer.

  The answer is cached under one key. Concurrent misses are coalesced so a
  cache expiry costs one computation, not one per caller.

ERRORS:
  Durable failures in either stage return *catalog.ResolutionError.
  Mirror failures are logged and Stage B is rerun against the durable store.

SEE ALSO:
  - resultcache/cache.go: caching and coalescing
  - catalog/types.go:     eligibility rule
*/
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/resultcache"
)

const (
	StageQualifying = "qualifying"
	StageEligible   = "eligible"

	DefaultCacheKey      = "active-products"
	DefaultCacheTTL      = 60 * time.Second
	DefaultHealthTimeout = 250 * time.Millisecond
)

type Config struct {
	QualifyingStatuses catalog.StatusSet
	CacheKey           string
	HealthTimeout      time.Duration
}

type Resolver struct {
	durable catalog.DurableStore
	mirror  catalog.MirrorStore
	cache   *resultcache.Cache
	clock   catalog.Clock
	cfg     Config
	logger  *slog.Logger
}

// New builds a Resolver. mirror may be nil, in which case every read goes to
// the durable store.
func New(durable catalog.DurableStore, mirror catalog.MirrorStore, cache *resultcache.Cache, clock catalog.Clock, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.QualifyingStatuses.IsZero() {
		cfg.QualifyingStatuses = catalog.DefaultQualifyingStatuses()
	}
	if cfg.CacheKey == "" {
		cfg.CacheKey = DefaultCacheKey
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		durable: durable,
		mirror:  mirror,
		cache:   cache,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "resolver")),
	}
}

// =============================================================================
// ACTIVE PRODUCTS
// =============================================================================

// ActiveProductIDs returns the sorted active product ids. Never nil.
func (r *Resolver) ActiveProductIDs(ctx context.Context) ([]catalog.ProductID, error) {
	if r.cache == nil {
		return r.compute(ctx)
	}
	return r.cache.Do(ctx, r.cfg.CacheKey, r.compute)
}

// Invalidate drops the cached answer so the next call recomputes.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, r.cfg.CacheKey)
}

func (r *Resolver) compute(ctx context.Context) ([]catalog.ProductID, error) {
	start := time.Now()

	qualifying, err := r.qualifyingProducts(ctx)
	if err != nil {
		return nil, &catalog.ResolutionError{Stage: StageQualifying, Err: err}
	}
	if qualifying.Cardinality() == 0 {
		r.logger.Debug("no qualifying transactions, skipping configuration scan")
		return []catalog.ProductID{}, nil
	}

	products := qualifying.ToSlice()
	sortProducts(products)
	now := r.clock.Now()

	eligible, source, err := r.eligibleProducts(ctx, now, products)
	if err != nil {
		return nil, &catalog.ResolutionError{Stage: StageEligible, Err: err}
	}

	out := eligible.ToSlice()
	sortProducts(out)
	r.logger.Debug("computed active products",
		slog.Int("qualifying", len(products)),
		slog.Int("active", len(out)),
		slog.String("source", source),
		slog.Duration("elapsed", time.Since(start)))
	return out, nil
}

// qualifyingProducts is Stage A.
func (r *Resolver) qualifyingProducts(ctx context.Context) (mapset.Set[catalog.ProductID], error) {
	set := mapset.NewThreadUnsafeSet[catalog.ProductID]()
	filter := catalog.QualifyingFilter(r.cfg.QualifyingStatuses)
	err := r.durable.ScanTransactions(ctx, filter, func(tx catalog.Transaction) error {
		set.Add(tx.ProductID)
		return nil
	})
	if err != nil {
		return nil, &catalog.DurableStoreError{Op: "scan transactions", Err: err}
	}
	return set, nil
}

// eligibleProducts is Stage B. It reports which store answered.
func (r *Resolver) eligibleProducts(ctx context.Context, now time.Time, products []catalog.ProductID) (mapset.Set[catalog.ProductID], string, error) {
	filter := catalog.EligibleFor(now, products)

	if r.mirrorHealthy(ctx) {
		set, err := collectProducts(ctx, r.mirror, filter)
		if err == nil {
			return set, "mirror", nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		r.logger.Warn("mirror scan failed, falling back to durable store",
			slog.Any("error", &catalog.MirrorStoreError{Op: "scan configs", Err: err}))
	}

	set, err := collectProducts(ctx, r.durable, filter)
	if err != nil {
		return nil, "", &catalog.DurableStoreError{Op: "scan configs", Err: err}
	}
	return set, "durable", nil
}

func (r *Resolver) mirrorHealthy(ctx context.Context) bool {
	if r.mirror == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()
	healthy := r.mirror.Healthy(probeCtx)
	if !healthy {
		r.logger.Warn("mirror unhealthy, reading from durable store")
	}
	return healthy
}

// =============================================================================
// POINT READ
// =============================================================================

// Configuration reads one configuration from the mirror, falling back to the
// durable store when the mirror errors or does not have it.
func (r *Resolver) Configuration(ctx context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	if r.mirror != nil {
		cfg, err := r.mirror.GetConfig(ctx, id)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, catalog.ErrConfigNotFound) {
			r.logger.Warn("mirror read failed, falling back to durable store",
				slog.String("config_id", string(id)),
				slog.Any("error", &catalog.MirrorStoreError{Op: "get config", Err: err}))
		}
	}

	cfg, err := r.durable.GetConfig(ctx, id)
	if errors.Is(err, catalog.ErrConfigNotFound) {
		return catalog.Configuration{}, err
	}
	if err != nil {
		return catalog.Configuration{}, &catalog.DurableStoreError{Op: "get config", Err: err}
	}
	return cfg, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func collectProducts(ctx context.Context, store catalog.ConfigStore, filter catalog.ConfigFilter) (mapset.Set[catalog.ProductID], error) {
	set := mapset.NewThreadUnsafeSet[catalog.ProductID]()
	err := store.ScanConfigs(ctx, filter, func(cfg catalog.Configuration) error {
		set.Add(cfg.ProductID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func sortProducts(ids []catalog.ProductID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
