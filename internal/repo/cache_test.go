package repo

import (
	"context"
	"sync"
	"time"

	"github.com/devhops/devhops-engine/internal/cache"
)

// recordingCache wraps the in-process provider and remembers the TTL of every write.
type recordingCache struct {
	*cache.MemoryProvider

	mu     sync.Mutex
	ttls   map[string]time.Duration
	misses int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{MemoryProvider: cache.NewMemoryProvider(), ttls: map[string]time.Duration{}}
}

func (r *recordingCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.MemoryProvider.Get(ctx, key)
	if err != nil {
		r.mu.Lock()
		r.misses++
		r.mu.Unlock()
	}
	return data, err
}

func (r *recordingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls[key] = ttl
	r.mu.Unlock()
	return r.MemoryProvider.Set(ctx, key, value, ttl)
}

func (r *recordingCache) ttl(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttls[key]
}
