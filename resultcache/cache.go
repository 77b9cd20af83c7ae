/*
Package resultcache caches the computed active-product answer.

PURPOSE:
  Wraps a catalog.ResultCache backend (Redis or process-local) with a CBOR
  codec, clock-based expiry and single-flight coalescing so that N callers
  missing the cache at the same moment trigger one computation.

FAILURE POLICY:
  Backend errors and undecodable payloads are logged and treated as a miss.
  They are never returned to the caller.

SEE ALSO:
  - resolver/resolver.go: the only user of Do
  - store/redis/cache.go, resultcache/local.go: backends
*/
package resultcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/warp/productview/catalog"
	"golang.org/x/sync/singleflight"
)

// Result is the cached answer. Field tags keep the payload compact.
type Result struct {
	ProductIDs []catalog.ProductID `cbor:"1,keyasint"`
	ComputedAt time.Time           `cbor:"2,keyasint"`
}

// ComputeFunc produces a fresh answer on a miss.
type ComputeFunc func(ctx context.Context) ([]catalog.ProductID, error)

type Cache struct {
	backend catalog.ResultCache
	clock   catalog.Clock
	ttl     time.Duration
	enc     cbor.EncMode
	dec     cbor.DecMode
	group   singleflight.Group
	logger  *slog.Logger
}

func New(backend catalog.ResultCache, clock catalog.Clock, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		clock:   clock,
		ttl:     ttl,
		enc:     enc,
		dec:     dec,
		logger:  logger.With(slog.String("component", "result-cache")),
	}, nil
}

// =============================================================================
// GET / SET / INVALIDATE
// =============================================================================

// Get returns found=false on a miss, an expired entry, a backend error or a
// payload that does not decode.
func (c *Cache) Get(ctx context.Context, key string) (Result, bool) {
	raw, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss",
			slog.String("key", key), slog.Any("error", &catalog.CacheError{Op: "get", Err: err}))
		return Result{}, false
	}
	if !found {
		return Result{}, false
	}

	var r Result
	if err := c.dec.Unmarshal(raw, &r); err != nil {
		c.logger.Warn("cache payload undecodable, treating as miss",
			slog.String("key", key), slog.Any("error", &catalog.CacheError{Op: "decode", Err: err}))
		return Result{}, false
	}
	if c.expired(r) {
		return Result{}, false
	}
	if r.ProductIDs == nil {
		r.ProductIDs = []catalog.ProductID{}
	}
	return r, true
}

// SetWithTTL stores ids computed now. Failures are logged only.
func (c *Cache) SetWithTTL(ctx context.Context, key string, ids []catalog.ProductID, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := c.enc.Marshal(Result{ProductIDs: ids, ComputedAt: c.clock.Now()})
	if err != nil {
		c.logger.Warn("cache encode failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache write failed",
			slog.String("key", key), slog.Any("error", &catalog.CacheError{Op: "set", Err: err}))
	}
}

// Invalidate drops key. Unlike reads, the error is returned because this is an
// explicit operator action.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.backend.Delete(ctx, key); err != nil {
		return &catalog.CacheError{Op: "delete", Err: err}
	}
	return nil
}

func (c *Cache) expired(r Result) bool {
	if c.ttl <= 0 {
		return true
	}
	return c.clock.Now().Sub(r.ComputedAt) >= c.ttl
}

// =============================================================================
// COALESCING
// =============================================================================

// Do returns the cached answer for key or computes it once for all
// concurrent callers. The computation runs on the first caller's context with
// cancellation stripped; each caller stops waiting when its own ctx ends.
func (c *Cache) Do(ctx context.Context, key string, compute ComputeFunc) ([]catalog.ProductID, error) {
	if r, ok := c.Get(ctx, key); ok {
		return r.ProductIDs, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Another flight may have filled the cache between our miss and now.
		if r, ok := c.Get(detached, key); ok {
			return r.ProductIDs, nil
		}
		ids, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.SetWithTTL(detached, key, ids, c.ttl)
		return ids, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		ids := res.Val.([]catalog.ProductID)
		out := make([]catalog.ProductID, len(ids))
		copy(out, ids)
		return out, nil
	}
}

// TTL is the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }
