package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // test cleanup
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not re-run migrations against existing tables.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestAppendAndQueryEvents(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []EventRow{
		{RunID: "run-1", Seq: 1, Kind: "fetch.started", Status: "ok", Message: "https://a.example", TS: now},
		{RunID: "run-1", Seq: 2, Kind: "fetch.succeeded", Status: "ok", Message: "https://a.example", Metadata: `{"status":200}`, TS: now},
		{RunID: "run-1", Seq: 3, Kind: "policy.blocked", Status: "blocked", Message: "https://b.example", TS: now},
		{RunID: "run-2", Seq: 1, Kind: "fetch.started", Status: "ok", Message: "https://c.example", TS: now},
	}
	require.NoError(t, s.AppendEvents(ctx, rows))

	got, err := s.QueryEvents(ctx, "run-1", "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, r := range got {
		require.Equal(t, uint64(i+1), r.Seq)
	}

	blocked, err := s.QueryEvents(ctx, "run-1", "policy.blocked")
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	require.Equal(t, "https://b.example", blocked[0].Message)

	none, err := s.QueryEvents(ctx, "run-9", "")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestCachePutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CachePut(ctx, "k1", "https://example.com/", []byte("payload"), created))

	payload, at, ok, err := s.CacheGet(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), payload)
	require.True(t, at.Equal(created))

	_, _, ok, err = s.CacheGet(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCachePutLastWriterWins(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CachePut(ctx, "k1", "https://example.com/", []byte("old"), t0))
	require.NoError(t, s.CachePut(ctx, "k1", "https://example.com/", []byte("new"), t0.Add(time.Hour)))

	payload, at, ok, err := s.CacheGet(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), payload)
	require.True(t, at.Equal(t0.Add(time.Hour)))

	n, err := s.CacheCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCacheStatsSplitsOnCutoff(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CachePut(ctx, "live-1", "u1", []byte("a"), cutoff.Add(time.Minute)))
	require.NoError(t, s.CachePut(ctx, "live-2", "u2", []byte("b"), cutoff.Add(time.Hour)))
	require.NoError(t, s.CachePut(ctx, "old-1", "u3", []byte("c"), cutoff.Add(-time.Minute)))

	live, expired, err := s.CacheStats(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), live)
	require.Equal(t, int64(1), expired)
}

func TestCacheEvictOldest(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.CachePut(ctx, key, "u-"+key, []byte(key), base.Add(time.Duration(i)*time.Minute)))
	}

	removed, err := s.CacheEvictOldest(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	_, _, ok, err := s.CacheGet(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	_, _, ok, err = s.CacheGet(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)

	removed, err = s.CacheEvictOldest(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestDiscoveryPutGetOrdering(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(domain string, relevance float64, allowed bool, at time.Time) {
		require.NoError(t, s.DiscoveryPut(ctx, DomainRow{
			Niche: "ecommerce", Region: "ES", Domain: domain,
			DiscoveredAt: at, Relevance: relevance, Allowed: allowed,
		}))
	}
	put("shopmoda.es", 1.0, true, now)
	put("getmoda.es", 0.7, true, now)
	put("modashop.es", 0.9, true, now)
	put("blocked.es", 1.0, false, now)
	put("stale.es", 1.0, true, now.Add(-48*time.Hour))

	got, err := s.DiscoveryGet(ctx, "ecommerce", "ES", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "shopmoda.es", got[0].Domain)
	require.Equal(t, "modashop.es", got[1].Domain)
	require.Equal(t, "getmoda.es", got[2].Domain)

	// Upsert replaces in place.
	put("shopmoda.es", 0.5, true, now)
	got, err = s.DiscoveryGet(ctx, "ecommerce", "ES", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "modashop.es", got[0].Domain)
}
