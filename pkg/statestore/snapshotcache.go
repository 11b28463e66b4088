package statestore

import (
	"context"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
)

const snapshotCacheKey = "snapshot"

type snapshotCacheOptions struct {
	ttl time.Duration
}

func defaultSnapshotCacheOptions() *snapshotCacheOptions {
	return &snapshotCacheOptions{
		ttl: 500 * time.Millisecond,
	}
}

type SnapshotCacheOption interface {
	apply(options *snapshotCacheOptions)
}

type snapshotCacheOptionFunc func(options *snapshotCacheOptions)

func (f snapshotCacheOptionFunc) apply(options *snapshotCacheOptions) {
	f(options)
}

// WithSnapshotCacheTTL specifies how long a loaded snapshot is served from memory.
// The default is 500 milliseconds.
func WithSnapshotCacheTTL(ttl time.Duration) SnapshotCacheOption {
	return snapshotCacheOptionFunc(func(options *snapshotCacheOptions) {
		options.ttl = ttl
	})
}

// StoreWithSnapshotCache caches Load results in-memory with TTL.
// It is meant for the read-only display endpoints, which are polled by every
// screen; writes through it drop the cached copy.
type StoreWithSnapshotCache struct {
	origin  StateStore
	cache   *cache.Cache[string, *Snapshot]
	options *snapshotCacheOptions
}

func NewStoreWithSnapshotCache(origin StateStore, snapshotCache *cache.Cache[string, *Snapshot], opts ...SnapshotCacheOption) *StoreWithSnapshotCache {
	options := defaultSnapshotCacheOptions()
	for _, o := range opts {
		o.apply(options)
	}
	return &StoreWithSnapshotCache{
		origin:  origin,
		cache:   snapshotCache,
		options: options,
	}
}

// Load returns a copy, so callers may modify it without corrupting the cache.
func (s *StoreWithSnapshotCache) Load(ctx context.Context) (*Snapshot, error) {
	if snapshot, hit := s.cache.Get(snapshotCacheKey); hit {
		return snapshot.Clone(), nil
	}
	snapshot, err := s.origin.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(snapshotCacheKey, snapshot.Clone(), cache.WithExpiration(s.options.ttl))
	return snapshot, nil
}

func (s *StoreWithSnapshotCache) Save(ctx context.Context, snapshot *Snapshot) error {
	defer s.cache.Delete(snapshotCacheKey)
	return s.origin.Save(ctx, snapshot)
}

func (s *StoreWithSnapshotCache) Update(ctx context.Context, fn func(snapshot *Snapshot) error) error {
	defer s.cache.Delete(snapshotCacheKey)
	return s.origin.Update(ctx, fn)
}

// Invalidate drops the cached snapshot, e.g. after another component wrote
// to the origin store directly.
func (s *StoreWithSnapshotCache) Invalidate() {
	s.cache.Delete(snapshotCacheKey)
}
