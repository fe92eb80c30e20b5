// Package cache provides the persistent TTL cache used for fetched pages and
// enrichment payloads. Keys are SHA-256 digests of the exact URL bytes; the
// backing store failing turns reads into misses and writes into warnings
// rather than failing the pipeline.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/hash/sha256"
	"github.com/atlasintel/prospector/internal/store"
	"github.com/atlasintel/prospector/internal/telemetry"
)

// Cache reads and writes payloads keyed by URL with TTL semantics.
type Cache struct {
	st         *store.Store
	ttl        time.Duration
	maxEntries int
	logger     *zap.Logger
	now        func() time.Time
}

// Stats summarizes cache occupancy at a point in time.
type Stats struct {
	Live    int64
	Expired int64
}

// New builds a Cache over st with the given TTL and entry cap.
func New(st *store.Store, ttl time.Duration, maxEntries int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		st:         st,
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the payload cached for rawURL if present and younger than the
// TTL. An expired row stays in place until overwritten or evicted.
func (c *Cache) Get(ctx context.Context, rawURL string) ([]byte, bool) {
	key := sha256.URLKey(rawURL)
	payload, createdAt, ok, err := c.st.CacheGet(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed; treating as miss", zap.String("url", rawURL), zap.Error(err))
		telemetry.ObserveCacheLookup("error")
		return nil, false
	}
	if !ok {
		telemetry.ObserveCacheLookup("miss")
		return nil, false
	}
	if c.now().Sub(createdAt) > c.ttl {
		telemetry.ObserveCacheLookup("expired")
		return nil, false
	}
	telemetry.ObserveCacheLookup("hit")
	return payload, true
}

// Put stores payload under rawURL, replacing any existing row, then trims
// the cache back under the entry cap. Write failures are logged and
// swallowed.
func (c *Cache) Put(ctx context.Context, rawURL string, payload []byte) {
	key := sha256.URLKey(rawURL)
	if err := c.st.CachePut(ctx, key, rawURL, payload, c.now()); err != nil {
		c.logger.Warn("cache write failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	c.trim(ctx)
}

// Stats counts live and expired rows against the current TTL cutoff.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	live, expired, err := c.st.CacheStats(ctx, c.now().Add(-c.ttl))
	if err != nil {
		return Stats{}, err
	}
	return Stats{Live: live, Expired: expired}, nil
}

func (c *Cache) trim(ctx context.Context) {
	if c.maxEntries <= 0 {
		return
	}
	n, err := c.st.CacheCount(ctx)
	if err != nil {
		c.logger.Warn("cache count failed", zap.Error(err))
		return
	}
	excess := n - int64(c.maxEntries)
	if excess <= 0 {
		return
	}
	removed, err := c.st.CacheEvictOldest(ctx, int(excess))
	if err != nil {
		c.logger.Warn("cache eviction failed", zap.Error(err))
		return
	}
	c.logger.Debug("evicted oldest cache rows", zap.Int64("removed", removed))
}
