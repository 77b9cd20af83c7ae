// Package store provides in-memory catalog store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/productview/catalog"
)

// =============================================================================
// MEMORY DURABLE STORE - In-memory source of truth (for testing/dev)
// =============================================================================

type Durable struct {
	mu           sync.RWMutex
	configs      map[catalog.ConfigID]catalog.Configuration
	transactions map[catalog.TransactionID]catalog.Transaction
}

func NewDurable() *Durable {
	return &Durable{
		configs:      make(map[catalog.ConfigID]catalog.Configuration),
		transactions: make(map[catalog.TransactionID]catalog.Transaction),
	}
}

func (d *Durable) GetConfig(_ context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.configs[id]
	if !ok {
		return catalog.Configuration{}, catalog.ErrConfigNotFound
	}
	return cfg, nil
}

func (d *Durable) PutConfig(_ context.Context, cfg catalog.Configuration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs[cfg.ID] = cfg.Normalize()
	return nil
}

func (d *Durable) DeleteConfig(_ context.Context, id catalog.ConfigID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.configs[id]; !ok {
		return catalog.ErrConfigNotFound
	}
	delete(d.configs, id)
	return nil
}

func (d *Durable) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	return scanConfigs(ctx, d.snapshotConfigs(), filter, fn)
}

func (d *Durable) CountConfigs(ctx context.Context, filter catalog.ConfigFilter) (int, error) {
	return countConfigs(ctx, d.snapshotConfigs(), filter)
}

func (d *Durable) ScanTransactions(ctx context.Context, filter catalog.TransactionFilter, fn func(catalog.Transaction) error) error {
	d.mu.RLock()
	txs := make([]catalog.Transaction, 0, len(d.transactions))
	for _, tx := range d.transactions {
		txs = append(txs, tx)
	}
	d.mu.RUnlock()

	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !filter.Match(tx) {
			continue
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Durable) PutTransaction(_ context.Context, tx catalog.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transactions[tx.ID] = tx
	return nil
}

// snapshotConfigs copies the configs sorted by id so scans never hold the lock
// while running caller code.
func (d *Durable) snapshotConfigs() []catalog.Configuration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedConfigs(d.configs)
}

// =============================================================================
// MEMORY MIRROR - In-memory mirror with product index and staged rebuild
// =============================================================================

// Mirror keeps the live set behind a pointer so Commit can swap it in one step.
type Mirror struct {
	mu   sync.RWMutex
	live *mirrorSet
}

type mirrorSet struct {
	configs   map[catalog.ConfigID]catalog.Configuration
	byProduct map[catalog.ProductID]map[catalog.ConfigID]struct{}
}

func newMirrorSet() *mirrorSet {
	return &mirrorSet{
		configs:   make(map[catalog.ConfigID]catalog.Configuration),
		byProduct: make(map[catalog.ProductID]map[catalog.ConfigID]struct{}),
	}
}

func (s *mirrorSet) put(cfg catalog.Configuration) {
	if old, ok := s.configs[cfg.ID]; ok {
		s.unindex(old)
	}
	s.configs[cfg.ID] = cfg
	ids := s.byProduct[cfg.ProductID]
	if ids == nil {
		ids = make(map[catalog.ConfigID]struct{})
		s.byProduct[cfg.ProductID] = ids
	}
	ids[cfg.ID] = struct{}{}
}

func (s *mirrorSet) remove(id catalog.ConfigID) bool {
	cfg, ok := s.configs[id]
	if !ok {
		return false
	}
	s.unindex(cfg)
	delete(s.configs, id)
	return true
}

func (s *mirrorSet) unindex(cfg catalog.Configuration) {
	ids := s.byProduct[cfg.ProductID]
	delete(ids, cfg.ID)
	if len(ids) == 0 {
		delete(s.byProduct, cfg.ProductID)
	}
}

func NewMirror() *Mirror {
	return &Mirror{live: newMirrorSet()}
}

func (m *Mirror) GetConfig(_ context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.live.configs[id]
	if !ok {
		return catalog.Configuration{}, catalog.ErrConfigNotFound
	}
	return cfg, nil
}

func (m *Mirror) PutConfig(_ context.Context, cfg catalog.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live.put(cfg.Normalize())
	return nil
}

func (m *Mirror) DeleteConfig(_ context.Context, id catalog.ConfigID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live.remove(id) {
		return catalog.ErrConfigNotFound
	}
	return nil
}

// ScanConfigs uses the product index when the filter names products.
func (m *Mirror) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	return scanConfigs(ctx, m.candidates(filter), filter, fn)
}

func (m *Mirror) CountConfigs(ctx context.Context, filter catalog.ConfigFilter) (int, error) {
	return countConfigs(ctx, m.candidates(filter), filter)
}

func (m *Mirror) Healthy(ctx context.Context) bool {
	return ctx.Err() == nil
}

func (m *Mirror) BeginReplace(_ context.Context) (catalog.MirrorReplacement, error) {
	return &memoryReplacement{mirror: m, staged: newMirrorSet()}, nil
}

func (m *Mirror) candidates(filter catalog.ConfigFilter) []catalog.Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if filter.ProductIDs == nil {
		return sortedConfigs(m.live.configs)
	}
	picked := make(map[catalog.ConfigID]catalog.Configuration)
	for _, p := range filter.ProductIDs {
		for id := range m.live.byProduct[p] {
			picked[id] = m.live.configs[id]
		}
	}
	return sortedConfigs(picked)
}

type memoryReplacement struct {
	mirror *Mirror
	mu     sync.Mutex
	staged *mirrorSet
	done   bool
}

func (r *memoryReplacement) Put(_ context.Context, cfg catalog.Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged.put(cfg.Normalize())
	return nil
}

func (r *memoryReplacement) Delete(_ context.Context, id catalog.ConfigID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged.remove(id)
	return nil
}

func (r *memoryReplacement) Commit(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.mirror.mu.Lock()
	r.mirror.live = r.staged
	r.mirror.mu.Unlock()
	r.done = true
	return nil
}

func (r *memoryReplacement) Abort(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.staged = newMirrorSet()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sortedConfigs(m map[catalog.ConfigID]catalog.Configuration) []catalog.Configuration {
	out := make([]catalog.Configuration, 0, len(m))
	for _, cfg := range m {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func scanConfigs(ctx context.Context, cfgs []catalog.Configuration, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	for _, cfg := range cfgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !filter.Match(cfg) {
			continue
		}
		if err := fn(cfg); err != nil {
			return err
		}
	}
	return nil
}

func countConfigs(ctx context.Context, cfgs []catalog.Configuration, filter catalog.ConfigFilter) (int, error) {
	n := 0
	err := scanConfigs(ctx, cfgs, filter, func(catalog.Configuration) error {
		n++
		return nil
	})
	return n, err
}
