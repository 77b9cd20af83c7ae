/*
Package redis provides Redis-backed implementations of catalog.MirrorStore
and catalog.ResultCache.

KEY LAYOUT (prefix defaults to "productview"):
  {prefix}:mirror:gen                    current generation id
  {prefix}:mirror:{gen}:cfg:{id}         hash: productId, enabled, validFrom, validTo
  {prefix}:mirror:{gen}:ids              set of all config ids
  {prefix}:mirror:{gen}:product:{pid}    set of config ids for a product

GENERATIONS:
  A full rebuild writes into a fresh generation and flips the gen pointer
  with a single SET, so readers see either the old set or the new one,
  never a half-built mirror. Keys of the replaced generation get a TTL
  (RetireAfter) instead of an immediate delete so in-flight reads finish.

SEE ALSO:
  - catalog/store.go: MirrorStore contract
  - mirror/synchronizer.go: the only writer
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/productview/catalog"
)

const (
	initialGeneration = "0"
	batchSize         = 500
	defaultRetire     = 30 * time.Second
)

// MirrorOptions configure a Mirror.
type MirrorOptions struct {
	KeyPrefix   string
	RetireAfter time.Duration
	Logger      *slog.Logger
}

// Mirror implements catalog.MirrorStore on Redis.
type Mirror struct {
	client redis.UniversalClient
	prefix string
	retire time.Duration
	logger *slog.Logger
}

// NewClient builds a go-redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewMirror(client redis.UniversalClient, opts MirrorOptions) *Mirror {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "productview"
	}
	if opts.RetireAfter <= 0 {
		opts.RetireAfter = defaultRetire
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mirror{
		client: client,
		prefix: opts.KeyPrefix,
		retire: opts.RetireAfter,
		logger: opts.Logger.With(slog.String("component", "redis-mirror")),
	}
}

// =============================================================================
// KEYS
// =============================================================================

func (m *Mirror) genKey() string { return m.prefix + ":mirror:gen" }

func (m *Mirror) genPrefix(gen string) string { return m.prefix + ":mirror:" + gen + ":" }

func (m *Mirror) cfgKey(gen string, id catalog.ConfigID) string {
	return m.genPrefix(gen) + "cfg:" + string(id)
}

func (m *Mirror) idsKey(gen string) string { return m.genPrefix(gen) + "ids" }

func (m *Mirror) productKey(gen string, p catalog.ProductID) string {
	return m.genPrefix(gen) + "product:" + string(p)
}

func (m *Mirror) currentGeneration(ctx context.Context) (string, error) {
	gen, err := m.client.Get(ctx, m.genKey()).Result()
	if errors.Is(err, redis.Nil) {
		return initialGeneration, nil
	}
	if err != nil {
		return "", fmt.Errorf("read generation: %w", err)
	}
	return gen, nil
}

// =============================================================================
// CONFIG STORE (catalog.ConfigStore interface)
// =============================================================================

func (m *Mirror) GetConfig(ctx context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	gen, err := m.currentGeneration(ctx)
	if err != nil {
		return catalog.Configuration{}, err
	}
	fields, err := m.client.HGetAll(ctx, m.cfgKey(gen, id)).Result()
	if err != nil {
		return catalog.Configuration{}, fmt.Errorf("get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return catalog.Configuration{}, catalog.ErrConfigNotFound
	}
	return decodeConfig(id, fields)
}

func (m *Mirror) PutConfig(ctx context.Context, cfg catalog.Configuration) error {
	gen, err := m.currentGeneration(ctx)
	if err != nil {
		return err
	}
	return m.put(ctx, gen, cfg)
}

func (m *Mirror) put(ctx context.Context, gen string, cfg catalog.Configuration) error {
	if !catalog.InRange(cfg.ValidFrom) || !catalog.InRange(cfg.ValidTo) {
		return &catalog.ValidationError{Field: "validFrom/validTo", Reason: "must be between years 0001 and 9999"}
	}
	key := m.cfgKey(gen, cfg.ID)
	previous, err := m.client.HGet(ctx, key, "productId").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("put %s: %w", cfg.ID, err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && previous != string(cfg.ProductID) {
			pipe.SRem(ctx, m.productKey(gen, catalog.ProductID(previous)), string(cfg.ID))
		}
		pipe.HSet(ctx, key, encodeConfig(cfg))
		pipe.SAdd(ctx, m.idsKey(gen), string(cfg.ID))
		pipe.SAdd(ctx, m.productKey(gen, cfg.ProductID), string(cfg.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", cfg.ID, err)
	}
	return nil
}

func (m *Mirror) DeleteConfig(ctx context.Context, id catalog.ConfigID) error {
	gen, err := m.currentGeneration(ctx)
	if err != nil {
		return err
	}
	return m.delete(ctx, gen, id)
}

func (m *Mirror) delete(ctx context.Context, gen string, id catalog.ConfigID) error {
	key := m.cfgKey(gen, id)
	product, err := m.client.HGet(ctx, key, "productId").Result()
	if errors.Is(err, redis.Nil) {
		return catalog.ErrConfigNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, m.idsKey(gen), string(id))
		pipe.SRem(ctx, m.productKey(gen, catalog.ProductID(product)), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// ScanConfigs resolves candidate ids from the product index when the filter
// names products, then fetches hashes in pipelined batches.
func (m *Mirror) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	gen, err := m.currentGeneration(ctx)
	if err != nil {
		return err
	}
	ids, err := m.candidateIDs(ctx, gen, filter.ProductIDs)
	if err != nil {
		return err
	}

	for start := 0; start < len(ids); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(ids))
		cfgs, err := m.fetch(ctx, gen, ids[start:end])
		if err != nil {
			return err
		}
		for _, cfg := range cfgs {
			if !filter.Match(cfg) {
				continue
			}
			if err := fn(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mirror) CountConfigs(ctx context.Context, filter catalog.ConfigFilter) (int, error) {
	if filter.ProductIDs == nil && filter.EligibleAt == nil {
		gen, err := m.currentGeneration(ctx)
		if err != nil {
			return 0, err
		}
		n, err := m.client.SCard(ctx, m.idsKey(gen)).Result()
		if err != nil {
			return 0, fmt.Errorf("count: %w", err)
		}
		return int(n), nil
	}
	n := 0
	err := m.ScanConfigs(ctx, filter, func(catalog.Configuration) error {
		n++
		return nil
	})
	return n, err
}

// Healthy pings Redis within ctx's deadline.
func (m *Mirror) Healthy(ctx context.Context) bool {
	return m.client.Ping(ctx).Err() == nil
}

func (m *Mirror) candidateIDs(ctx context.Context, gen string, products []catalog.ProductID) ([]string, error) {
	if products == nil {
		ids, err := m.client.SMembers(ctx, m.idsKey(gen)).Result()
		if err != nil {
			return nil, fmt.Errorf("list ids: %w", err)
		}
		sort.Strings(ids)
		return ids, nil
	}

	seen := make(map[string]struct{})
	for start := 0; start < len(products); start += batchSize {
		end := min(start+batchSize, len(products))
		cmds, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, p := range products[start:end] {
				pipe.SMembers(ctx, m.productKey(gen, p))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("product index: %w", err)
		}
		for _, cmd := range cmds {
			for _, id := range cmd.(*redis.StringSliceCmd).Val() {
				seen[id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mirror) fetch(ctx context.Context, gen string, ids []string) ([]catalog.Configuration, error) {
	cmds, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, m.cfgKey(gen, catalog.ConfigID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	out := make([]catalog.Configuration, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.(*redis.MapStringStringCmd).Val()
		if len(fields) == 0 {
			// Index entry without a hash; a concurrent delete won the race.
			continue
		}
		cfg, err := decodeConfig(catalog.ConfigID(ids[i]), fields)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// =============================================================================
// STAGED REBUILD (catalog.MirrorReplacement)
// =============================================================================

func (m *Mirror) BeginReplace(ctx context.Context) (catalog.MirrorReplacement, error) {
	return &replacement{mirror: m, gen: uuid.NewString()}, nil
}

type replacement struct {
	mirror *Mirror
	gen    string
}

func (r *replacement) Put(ctx context.Context, cfg catalog.Configuration) error {
	return r.mirror.put(ctx, r.gen, cfg)
}

func (r *replacement) Delete(ctx context.Context, id catalog.ConfigID) error {
	err := r.mirror.delete(ctx, r.gen, id)
	if errors.Is(err, catalog.ErrConfigNotFound) {
		return nil
	}
	return err
}

func (r *replacement) Commit(ctx context.Context) error {
	m := r.mirror
	old, err := m.currentGeneration(ctx)
	if err != nil {
		return err
	}
	if old == r.gen {
		return nil
	}
	if err := m.client.Set(ctx, m.genKey(), r.gen, 0).Err(); err != nil {
		return fmt.Errorf("swap generation: %w", err)
	}
	if err := m.retireGeneration(ctx, old); err != nil {
		m.logger.Warn("failed to retire old mirror generation",
			slog.String("generation", old), slog.Any("error", err))
	}
	return nil
}

func (r *replacement) Abort(ctx context.Context) error {
	m := r.mirror
	current, err := m.currentGeneration(ctx)
	if err != nil {
		return err
	}
	if current == r.gen {
		return nil
	}
	return m.retireGeneration(ctx, r.gen)
}

// retireGeneration puts a TTL on every key of gen.
func (m *Mirror) retireGeneration(ctx context.Context, gen string) error {
	var cursor uint64
	pattern := m.genPrefix(gen) + "*"
	for {
		keys, next, err := m.client.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, k := range keys {
					pipe.Expire(ctx, k, m.retire)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// =============================================================================
// ENCODING
// =============================================================================

func encodeConfig(cfg catalog.Configuration) map[string]any {
	enabled := "0"
	if cfg.Enabled {
		enabled = "1"
	}
	return map[string]any{
		"productId": string(cfg.ProductID),
		"enabled":   enabled,
		"validFrom": catalog.FormatInstant(cfg.ValidFrom),
		"validTo":   catalog.FormatInstant(cfg.ValidTo),
	}
}

func decodeConfig(id catalog.ConfigID, fields map[string]string) (catalog.Configuration, error) {
	from, err := catalog.ParseInstant(fields["validFrom"])
	if err != nil {
		return catalog.Configuration{}, fmt.Errorf("decode %s validFrom: %w", id, err)
	}
	to, err := catalog.ParseInstant(fields["validTo"])
	if err != nil {
		return catalog.Configuration{}, fmt.Errorf("decode %s validTo: %w", id, err)
	}
	return catalog.Configuration{
		ID:        id,
		ProductID: catalog.ProductID(fields["productId"]),
		Enabled:   fields["enabled"] == "1",
		ValidFrom: from,
		ValidTo:   to,
	}, nil
}
