/*
store.go - Collaborator interfaces for the durable store, mirror and cache

PURPOSE:
  Defines the boundary between the resolution/mirroring logic and the
  external stores. The logic never sees SQL or Redis commands.

KEY INTERFACES:
  ConfigStore:       point reads/writes and filtered scans over configurations
  DurableStore:      ConfigStore + transactions (source of truth)
  MirrorStore:       ConfigStore + health probe + staged full rebuild
  MirrorReplacement: a staging area that becomes the live mirror on Commit
  ResultCache:       opaque bytes with TTL

SCANS:
  Scan* methods call fn once per matching record. Returning a non-nil error
  from fn stops the scan and that error is returned. Implementations check
  ctx between records so long scans are cancellable.

IMPLEMENTATIONS:
  - catalog/store/memory.go: in-memory durable + mirror (dev/test)
  - store/sqlite/sqlite.go:  SQLite durable store
  - store/redis/mirror.go:   Redis mirror
  - store/redis/cache.go:    Redis result cache
  - resultcache/local.go:    process-local result cache

SEE ALSO:
  - mirror/synchronizer.go: the only writer of configurations
  - resolver/resolver.go:   the reader
*/
package catalog

import (
	"context"
	"time"
)

// =============================================================================
// CONFIGURATION STORE - Shared by durable store and mirror
// =============================================================================

type ConfigStore interface {
	// GetConfig returns ErrConfigNotFound when id is absent.
	GetConfig(ctx context.Context, id ConfigID) (Configuration, error)

	// PutConfig inserts or replaces by id.
	PutConfig(ctx context.Context, cfg Configuration) error

	// DeleteConfig returns ErrConfigNotFound when id is absent.
	DeleteConfig(ctx context.Context, id ConfigID) error

	ScanConfigs(ctx context.Context, filter ConfigFilter, fn func(Configuration) error) error

	CountConfigs(ctx context.Context, filter ConfigFilter) (int, error)
}

// =============================================================================
// DURABLE STORE - Source of truth
// =============================================================================

type DurableStore interface {
	ConfigStore

	ScanTransactions(ctx context.Context, filter TransactionFilter, fn func(Transaction) error) error

	// PutTransaction exists for loaders and tests; transactions are written
	// by an external system in production.
	PutTransaction(ctx context.Context, tx Transaction) error
}

// =============================================================================
// MIRROR STORE - Denormalized copy of configurations
// =============================================================================

type MirrorStore interface {
	ConfigStore

	// Healthy probes the mirror. It must respect ctx's deadline.
	Healthy(ctx context.Context) bool

	// BeginReplace opens a staging area for a full rebuild. Reads keep
	// hitting the current contents until Commit swaps the staged set in.
	BeginReplace(ctx context.Context) (MirrorReplacement, error)
}

// MirrorReplacement is a staged rebuild of the whole mirror.
type MirrorReplacement interface {
	Put(ctx context.Context, cfg Configuration) error

	// Delete drops id from the staged set. A missing id is not an error.
	Delete(ctx context.Context, id ConfigID) error

	// Commit atomically makes the staged set the live mirror.
	Commit(ctx context.Context) error

	// Abort discards the staged set. Safe to call after Commit.
	Abort(ctx context.Context) error
}

// =============================================================================
// RESULT CACHE - TTL cache of opaque payloads
// =============================================================================

type ResultCache interface {
	// Get returns found=false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
