package resultcache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Local is a process-local catalog.ResultCache backed by ttlcache. It is the
// backend when no Redis address is configured.
type Local struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewLocal starts the expiry loop; call Close to stop it.
func NewLocal() *Local {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()
	return &Local{cache: cache}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := l.cache.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	l.cache.Set(key, value, ttl)
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.cache.Delete(key)
	return nil
}

func (l *Local) Close() {
	l.cache.Stop()
}
