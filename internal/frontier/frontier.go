// Package frontier implements the durable URL frontier and dedup store.
// URL records live in SQLite so a crawl interrupted at any point resumes
// from persisted statuses.
package frontier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mreis/archivum/internal/ingest"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS urls (
    url TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'in_flight', 'done', 'failed', 'dead_letter')),
    content_hash TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    claimed_at INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_urls_status_next ON urls(status, next_attempt_at);
`

// Config controls retry behavior for failed URLs.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Frontier is a SQLite-backed ingest.Frontier.
type Frontier struct {
	db    *sql.DB
	clock ingest.Clock
	cfg   Config
}

// New creates a Frontier over db, initializing its schema.
func New(db *sql.DB, clock ingest.Clock, cfg Config) (*Frontier, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("init frontier schema: %w", err)
	}
	return &Frontier{db: db, clock: clock, cfg: cfg}, nil
}

// Seed inserts URLs as pending, skipping ones already known by normalized
// form. Invalid URLs are skipped rather than failing the batch.
func (f *Frontier) Seed(ctx context.Context, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO urls (url, status, created_at, updated_at)
		VALUES (?, 'pending', ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare seed statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := f.clock.Now().UnixMilli()
	added := 0
	for _, raw := range urls {
		normalized, err := ingest.NormalizeURL(raw)
		if err != nil {
			continue
		}
		res, err := stmt.ExecContext(ctx, normalized, now, now)
		if err != nil {
			return added, fmt.Errorf("insert url %s: %w", normalized, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return added, fmt.Errorf("commit seed tx: %w", err)
	}
	return added, nil
}

// Next atomically claims the oldest eligible pending URL, moving it to
// in_flight. Returns (nil, nil) when the frontier has nothing eligible.
func (f *Frontier) Next(ctx context.Context) (*ingest.URLRecord, error) {
	now := f.clock.Now().UnixMilli()

	var rec ingest.URLRecord
	var claimedAt, createdAt int64
	err := f.db.QueryRowContext(ctx, `
		UPDATE urls
		SET status = 'in_flight', claimed_at = ?, updated_at = ?
		WHERE url = (
			SELECT url FROM urls
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY created_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING url, retry_count, claimed_at, created_at
	`, now, now, now).Scan(&rec.URL, &rec.RetryCount, &claimedAt, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next url: %w", err)
	}

	rec.Status = ingest.URLInFlight
	rec.ClaimedAt = time.UnixMilli(claimedAt).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

// MarkDone transitions a URL to done and records its content hash.
func (f *Frontier) MarkDone(ctx context.Context, url, contentHash string) error {
	now := f.clock.Now().UnixMilli()
	_, err := f.db.ExecContext(ctx, `
		UPDATE urls
		SET status = 'done', content_hash = ?, last_error = '', updated_at = ?
		WHERE url = ?
	`, contentHash, now, url)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", url, err)
	}
	return nil
}

// MarkFailed classifies the cause and either requeues the URL with a
// backoff delay or routes it to dead_letter. Permanent failures skip the
// remaining retry budget.
func (f *Frontier) MarkFailed(ctx context.Context, url string, cause error) error {
	now := f.clock.Now()
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	var retries int
	if err := f.db.QueryRowContext(ctx,
		`SELECT retry_count FROM urls WHERE url = ?`, url,
	).Scan(&retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ingest.ErrNotFound
		}
		return fmt.Errorf("load retry count for %s: %w", url, err)
	}

	retries++
	if !ingest.Retryable(cause) || retries > f.cfg.MaxRetries {
		_, err := f.db.ExecContext(ctx, `
			UPDATE urls
			SET status = 'dead_letter', retry_count = ?, last_error = ?, updated_at = ?
			WHERE url = ?
		`, retries, errText, now.UnixMilli(), url)
		if err != nil {
			return fmt.Errorf("dead-letter %s: %w", url, err)
		}
		return nil
	}

	next := now.Add(f.backoff(retries)).UnixMilli()
	_, err := f.db.ExecContext(ctx, `
		UPDATE urls
		SET status = 'pending', retry_count = ?, last_error = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE url = ?
	`, retries, errText, next, now.UnixMilli(), url)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", url, err)
	}
	return nil
}

// ReleaseStale returns in_flight URLs claimed longer ago than age to
// pending, so a crashed crawl worker's claims are recovered on restart.
func (f *Frontier) ReleaseStale(ctx context.Context, age time.Duration) (int, error) {
	now := f.clock.Now()
	cutoff := now.Add(-age).UnixMilli()
	res, err := f.db.ExecContext(ctx, `
		UPDATE urls
		SET status = 'pending', claimed_at = 0, updated_at = ?
		WHERE status = 'in_flight' AND claimed_at < ?
	`, now.UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts reports how many records are in each status.
func (f *Frontier) Counts(ctx context.Context) (map[ingest.URLStatus]int, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM urls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count url statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[ingest.URLStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[ingest.URLStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func (f *Frontier) backoff(attempt int) time.Duration {
	delay := f.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= f.cfg.BackoffMax {
			return f.cfg.BackoffMax
		}
	}
	return delay
}
