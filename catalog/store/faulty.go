package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/warp/productview/catalog"
)

// ErrInjected is returned by Faulty when a fault is switched on.
var ErrInjected = errors.New("injected fault")

// =============================================================================
// FAULTY MIRROR - Fault injection and call counting for tests
// =============================================================================

// Faulty wraps a MirrorStore with switchable failures and scan counters.
type Faulty struct {
	catalog.MirrorStore

	FailReads  atomic.Bool
	FailWrites atomic.Bool
	Unhealthy  atomic.Bool

	// failIDs lists ids whose writes fail.
	mu      sync.Mutex
	failIDs map[catalog.ConfigID]bool

	Scans  atomic.Int32
	Writes atomic.Int32
}

func NewFaulty(inner catalog.MirrorStore) *Faulty {
	return &Faulty{MirrorStore: inner, failIDs: make(map[catalog.ConfigID]bool)}
}

// FailID makes every write of id fail until cleared.
func (f *Faulty) FailID(id catalog.ConfigID, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fail {
		f.failIDs[id] = true
	} else {
		delete(f.failIDs, id)
	}
}

func (f *Faulty) writeFails(id catalog.ConfigID) bool {
	if f.FailWrites.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failIDs[id]
}

func (f *Faulty) GetConfig(ctx context.Context, id catalog.ConfigID) (catalog.Configuration, error) {
	if f.FailReads.Load() {
		return catalog.Configuration{}, ErrInjected
	}
	return f.MirrorStore.GetConfig(ctx, id)
}

func (f *Faulty) PutConfig(ctx context.Context, cfg catalog.Configuration) error {
	f.Writes.Add(1)
	if f.writeFails(cfg.ID) {
		return ErrInjected
	}
	return f.MirrorStore.PutConfig(ctx, cfg)
}

func (f *Faulty) DeleteConfig(ctx context.Context, id catalog.ConfigID) error {
	f.Writes.Add(1)
	if f.writeFails(id) {
		return ErrInjected
	}
	return f.MirrorStore.DeleteConfig(ctx, id)
}

func (f *Faulty) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	f.Scans.Add(1)
	if f.FailReads.Load() {
		return ErrInjected
	}
	return f.MirrorStore.ScanConfigs(ctx, filter, fn)
}

func (f *Faulty) CountConfigs(ctx context.Context, filter catalog.ConfigFilter) (int, error) {
	if f.FailReads.Load() {
		return 0, ErrInjected
	}
	return f.MirrorStore.CountConfigs(ctx, filter)
}

func (f *Faulty) Healthy(ctx context.Context) bool {
	if f.Unhealthy.Load() {
		return false
	}
	return f.MirrorStore.Healthy(ctx)
}

func (f *Faulty) BeginReplace(ctx context.Context) (catalog.MirrorReplacement, error) {
	inner, err := f.MirrorStore.BeginReplace(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyReplacement{MirrorReplacement: inner, faulty: f}, nil
}

type faultyReplacement struct {
	catalog.MirrorReplacement
	faulty *Faulty
}

func (r *faultyReplacement) Put(ctx context.Context, cfg catalog.Configuration) error {
	r.faulty.Writes.Add(1)
	if r.faulty.writeFails(cfg.ID) {
		return ErrInjected
	}
	return r.MirrorReplacement.Put(ctx, cfg)
}

// =============================================================================
// COUNTING DURABLE - Observes scan traffic against the durable store
// =============================================================================

// Counting wraps a DurableStore and counts scans. FailScans makes every scan
// return ErrInjected.
type Counting struct {
	catalog.DurableStore

	FailScans        atomic.Bool
	TransactionScans atomic.Int32
	ConfigScans      atomic.Int32
}

func NewCounting(inner catalog.DurableStore) *Counting {
	return &Counting{DurableStore: inner}
}

func (c *Counting) ScanTransactions(ctx context.Context, filter catalog.TransactionFilter, fn func(catalog.Transaction) error) error {
	c.TransactionScans.Add(1)
	if c.FailScans.Load() {
		return ErrInjected
	}
	return c.DurableStore.ScanTransactions(ctx, filter, fn)
}

func (c *Counting) ScanConfigs(ctx context.Context, filter catalog.ConfigFilter, fn func(catalog.Configuration) error) error {
	c.ConfigScans.Add(1)
	if c.FailScans.Load() {
		return ErrInjected
	}
	return c.DurableStore.ScanConfigs(ctx, filter, fn)
}
