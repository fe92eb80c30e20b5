// Package store wraps the single-file embedded SQLite database shared by the
// event log and the persistent caches. One Store handle is opened per run and
// closed at shutdown; table access goes through the typed methods below.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrUnavailable reports that the backing store could not serve a request.
// Callers treat a failed lookup as a miss and a failed write as a warning.
var ErrUnavailable = errors.New("store unavailable")

// Store is the embedded database handle.
type Store struct {
	db   *sql.DB
	path string
}

// EventRow is the persisted form of one audit event.
type EventRow struct {
	RunID    string
	Seq      uint64
	Kind     string
	Status   string
	Message  string
	Metadata string
	TS       time.Time
}

// DomainRow is one discovery-cache entry.
type DomainRow struct {
	Niche        string
	Region       string
	Domain       string
	DiscoveredAt time.Time
	Relevance    float64
	Allowed      bool
}

// migrations are applied in order; schema_migrations records the version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		run_id   TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		kind     TEXT NOT NULL,
		status   TEXT NOT NULL,
		message  TEXT NOT NULL,
		metadata TEXT,
		ts       TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind);`,

	`CREATE TABLE IF NOT EXISTS discovery_cache (
		niche           TEXT NOT NULL,
		region          TEXT NOT NULL,
		domain          TEXT NOT NULL,
		discovered_at   TEXT NOT NULL,
		relevance_score REAL NOT NULL DEFAULT 0,
		allowed         INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (niche, region, domain)
	);
	CREATE INDEX IF NOT EXISTS idx_discovery_at ON discovery_cache(discovered_at);`,

	`CREATE TABLE IF NOT EXISTS enrichment_cache (
		url_hash   TEXT PRIMARY KEY,
		url        TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_enrichment_created_at ON enrichment_cache(created_at);`,

	// Reserved for the external trend component; written by it, not here.
	`CREATE TABLE IF NOT EXISTS opportunity_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		domain      TEXT NOT NULL,
		score       REAL NOT NULL,
		observed_at TEXT NOT NULL
	);`,
}

// Open creates or opens the store file at path, enabling WAL mode and
// running pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// churn under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			i+1, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
	}
	return nil
}

// AppendEvents inserts a batch of events in one transaction.
func (s *Store) AppendEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin events tx: %v", ErrUnavailable, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, kind, status, message, metadata, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback() //nolint:errcheck // already failing
		return fmt.Errorf("%w: prepare events insert: %v", ErrUnavailable, err)
	}
	defer stmt.Close() //nolint:errcheck // closed with tx

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.RunID, r.Seq, r.Kind, r.Status, r.Message, r.Metadata,
			r.TS.UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback() //nolint:errcheck // already failing
			return fmt.Errorf("%w: insert event seq %d: %v", ErrUnavailable, r.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit events: %v", ErrUnavailable, err)
	}
	return nil
}

// QueryEvents returns events for a run in insertion order, optionally
// filtered by kind (empty kind matches all).
func (s *Store) QueryEvents(ctx context.Context, runID, kind string) ([]EventRow, error) {
	query := "SELECT run_id, seq, kind, status, message, COALESCE(metadata, ''), ts FROM events WHERE run_id = ?"
	args := []any{runID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrUnavailable, err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var ts string
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Kind, &r.Status, &r.Message, &r.Metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.TS, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event ts %q: %w", ts, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", ErrUnavailable, err)
	}
	return out, nil
}

// CachePut upserts a payload under key. An existing row, expired or not, is
// replaced in place (last-writer-wins).
func (s *Store) CachePut(ctx context.Context, key, url string, payload []byte, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_cache (url_hash, url, payload, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(url_hash) DO UPDATE SET
			url = excluded.url,
			payload = excluded.payload,
			created_at = excluded.created_at`,
		key, url, payload, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: cache put: %v", ErrUnavailable, err)
	}
	return nil
}

// CacheGet returns the payload and creation time stored under key. ok is
// false when no row exists; TTL filtering is the caller's concern.
func (s *Store) CacheGet(ctx context.Context, key string) (payload []byte, createdAt time.Time, ok bool, err error) {
	var ts string
	row := s.db.QueryRowContext(ctx,
		"SELECT payload, created_at FROM enrichment_cache WHERE url_hash = ?", key)
	switch err = row.Scan(&payload, &ts); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, time.Time{}, false, nil
	case err != nil:
		return nil, time.Time{}, false, fmt.Errorf("%w: cache get: %v", ErrUnavailable, err)
	}
	createdAt, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("parse created_at %q: %w", ts, err)
	}
	return payload, createdAt, true, nil
}

// CacheStats counts rows created before and after the cutoff.
func (s *Store) CacheStats(ctx context.Context, cutoff time.Time) (live, expired int64, err error) {
	cut := cutoff.UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN created_at >= ? THEN 1 END),
			COUNT(CASE WHEN created_at < ? THEN 1 END)
		 FROM enrichment_cache`, cut, cut)
	if err := row.Scan(&live, &expired); err != nil {
		return 0, 0, fmt.Errorf("%w: cache stats: %v", ErrUnavailable, err)
	}
	return live, expired, nil
}

// CacheCount returns the total number of cache rows.
func (s *Store) CacheCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM enrichment_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: cache count: %v", ErrUnavailable, err)
	}
	return n, nil
}

// CacheEvictOldest removes the n rows with the oldest created_at.
func (s *Store) CacheEvictOldest(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrichment_cache WHERE url_hash IN (
			SELECT url_hash FROM enrichment_cache ORDER BY created_at ASC LIMIT ?
		)`, n)
	if err != nil {
		return 0, fmt.Errorf("%w: cache evict: %v", ErrUnavailable, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evicted rows affected: %w", err)
	}
	return removed, nil
}

// DiscoveryPut upserts a discovered domain for (niche, region).
func (s *Store) DiscoveryPut(ctx context.Context, row DomainRow) error {
	allowed := 0
	if row.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discovery_cache (niche, region, domain, discovered_at, relevance_score, allowed)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(niche, region, domain) DO UPDATE SET
			discovered_at = excluded.discovered_at,
			relevance_score = excluded.relevance_score,
			allowed = excluded.allowed`,
		row.Niche, row.Region, row.Domain,
		row.DiscoveredAt.UTC().Format(time.RFC3339Nano), row.Relevance, allowed)
	if err != nil {
		return fmt.Errorf("%w: discovery put: %v", ErrUnavailable, err)
	}
	return nil
}

// DiscoveryGet returns allowed domains for (niche, region) discovered at or
// after cutoff, ordered by relevance descending then domain.
func (s *Store) DiscoveryGet(ctx context.Context, niche, region string, cutoff time.Time) ([]DomainRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT niche, region, domain, discovered_at, relevance_score, allowed
		 FROM discovery_cache
		 WHERE niche = ? AND region = ? AND allowed = 1 AND discovered_at >= ?
		 ORDER BY relevance_score DESC, domain ASC`,
		niche, region, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: discovery get: %v", ErrUnavailable, err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []DomainRow
	for rows.Next() {
		var r DomainRow
		var ts string
		var allowed int
		if err := rows.Scan(&r.Niche, &r.Region, &r.Domain, &ts, &r.Relevance, &allowed); err != nil {
			return nil, fmt.Errorf("scan discovery row: %w", err)
		}
		r.Allowed = allowed == 1
		r.DiscoveredAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse discovered_at %q: %w", ts, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate discovery rows: %v", ErrUnavailable, err)
	}
	return out, nil
}
