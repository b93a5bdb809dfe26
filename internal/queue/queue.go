// Package queue implements the durable, at-least-once work queue that
// hands extracted documents to the processing worker pool. Messages are
// rows in SQLite; a claim hides a message for its visibility timeout, so
// a crashed worker's claim is released automatically.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mreis/archivum/internal/ingest"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id TEXT NOT NULL,
    payload_ref TEXT NOT NULL,
    enqueued_at INTEGER NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    visible_after INTEGER NOT NULL DEFAULT 0,
    visibility_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_visible ON messages(visible_after, enqueued_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    id INTEGER PRIMARY KEY,
    document_id TEXT NOT NULL,
    payload_ref TEXT NOT NULL,
    enqueued_at INTEGER NOT NULL,
    attempt_count INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    dead_lettered_at INTEGER NOT NULL
);
`

// Config controls delivery semantics.
type Config struct {
	// VisibilityTimeout hides a claimed message from other claimants.
	VisibilityTimeout time.Duration
	// VisibilityTimeoutLarge applies to payloads at or above
	// LargePayloadBytes, so slow documents are not redelivered while
	// still being processed.
	VisibilityTimeoutLarge time.Duration
	LargePayloadBytes      int
	// MaxAttempts is the delivery budget before dead-lettering.
	MaxAttempts int
	// NackDelay defers redelivery after an explicit nack.
	NackDelay time.Duration
}

// Queue is a SQLite-backed ingest.Queue.
type Queue struct {
	db    *sql.DB
	clock ingest.Clock
	cfg   Config
}

// New creates a Queue over db, initializing its schema.
func New(db *sql.DB, clock ingest.Clock, cfg Config) (*Queue, error) {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.VisibilityTimeoutLarge <= 0 {
		cfg.VisibilityTimeoutLarge = cfg.VisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.NackDelay < 0 {
		cfg.NackDelay = 0
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, &ingest.QueueBrokerError{Op: "init schema", Err: err}
	}
	return &Queue{db: db, clock: clock, cfg: cfg}, nil
}

// Enqueue appends a message, immediately visible. The visibility timeout
// class is fixed at enqueue time from the payload size.
func (q *Queue) Enqueue(ctx context.Context, documentID, payloadRef string, payloadSize int) error {
	visibility := q.cfg.VisibilityTimeout
	if q.cfg.LargePayloadBytes > 0 && payloadSize >= q.cfg.LargePayloadBytes {
		visibility = q.cfg.VisibilityTimeoutLarge
	}
	now := q.clock.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO messages (document_id, payload_ref, enqueued_at, visible_after, visibility_ms)
		VALUES (?, ?, ?, ?, ?)
	`, documentID, payloadRef, now, now, visibility.Milliseconds())
	if err != nil {
		return &ingest.QueueBrokerError{Op: "enqueue", Err: err}
	}
	return nil
}

// Claim atomically takes the oldest claimable message and hides it for
// its visibility timeout. A claimable message whose delivery budget is
// already spent is moved to the dead-letter table instead of returned.
func (q *Queue) Claim(ctx context.Context) (*ingest.Message, error) {
	now := q.clock.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ingest.QueueBrokerError{Op: "claim begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	// Exhausted messages become claimable only when their timeout has
	// expired without an ack, so sweeping here covers lost workers too.
	if err := q.sweepExhausted(ctx, tx, now); err != nil {
		return nil, err
	}

	var msg ingest.Message
	var enqueuedAt, visibilityMs int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, document_id, payload_ref, enqueued_at, attempt_count, visibility_ms
		FROM messages
		WHERE visible_after <= ?
		ORDER BY enqueued_at ASC
		LIMIT 1
	`, now).Scan(&msg.ID, &msg.DocumentID, &msg.PayloadRef, &enqueuedAt, &msg.AttemptCount, &visibilityMs)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, &ingest.QueueBrokerError{Op: "claim commit", Err: err}
		}
		return nil, nil
	}
	if err != nil {
		return nil, &ingest.QueueBrokerError{Op: "claim select", Err: err}
	}

	visibleAfter := now + visibilityMs
	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET attempt_count = attempt_count + 1, visible_after = ?
		WHERE id = ? AND visible_after <= ?
	`, visibleAfter, msg.ID, now)
	if err != nil {
		return nil, &ingest.QueueBrokerError{Op: "claim update", Err: err}
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the row to a concurrent claimant; report empty and let
		// the caller poll again.
		if err := tx.Commit(); err != nil {
			return nil, &ingest.QueueBrokerError{Op: "claim commit", Err: err}
		}
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, &ingest.QueueBrokerError{Op: "claim commit", Err: err}
	}

	msg.AttemptCount++
	msg.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	msg.VisibleAfter = time.UnixMilli(visibleAfter).UTC()
	return &msg, nil
}

// Ack permanently removes a processed message.
func (q *Queue) Ack(ctx context.Context, msg *ingest.Message) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msg.ID)
	if err != nil {
		return &ingest.QueueBrokerError{Op: "ack", Err: err}
	}
	return nil
}

// Nack returns the message for redelivery after the nack delay, or
// dead-letters it when the delivery budget is spent.
func (q *Queue) Nack(ctx context.Context, msg *ingest.Message) error {
	if msg.AttemptCount >= q.cfg.MaxAttempts {
		return q.DeadLetter(ctx, msg, "delivery budget exhausted")
	}
	visibleAfter := q.clock.Now().Add(q.cfg.NackDelay).UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		UPDATE messages SET visible_after = ? WHERE id = ?
	`, visibleAfter, msg.ID)
	if err != nil {
		return &ingest.QueueBrokerError{Op: "nack", Err: err}
	}
	return nil
}

// DeadLetter moves the message to the dead-letter table with a reason.
func (q *Queue) DeadLetter(ctx context.Context, msg *ingest.Message, reason string) error {
	now := q.clock.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return &ingest.QueueBrokerError{Op: "dead-letter begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO dead_letters
			(id, document_id, payload_ref, enqueued_at, attempt_count, reason, dead_lettered_at)
		SELECT id, document_id, payload_ref, enqueued_at, attempt_count, ?, ?
		FROM messages WHERE id = ?
	`, reason, now, msg.ID)
	if err != nil {
		return &ingest.QueueBrokerError{Op: "dead-letter insert", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msg.ID); err != nil {
		return &ingest.QueueBrokerError{Op: "dead-letter delete", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &ingest.QueueBrokerError{Op: "dead-letter commit", Err: err}
	}
	return nil
}

// Depth reports live and dead-lettered message counts.
func (q *Queue) Depth(ctx context.Context) (int, int, error) {
	var pending, dead int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&pending); err != nil {
		return 0, 0, &ingest.QueueBrokerError{Op: "depth", Err: err}
	}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&dead); err != nil {
		return 0, 0, &ingest.QueueBrokerError{Op: "depth", Err: err}
	}
	return pending, dead, nil
}

// DeadLetters returns the dead-lettered messages for inspection.
func (q *Queue) DeadLetters(ctx context.Context) ([]ingest.Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, document_id, payload_ref, enqueued_at, attempt_count
		FROM dead_letters ORDER BY dead_lettered_at ASC
	`)
	if err != nil {
		return nil, &ingest.QueueBrokerError{Op: "list dead letters", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []ingest.Message
	for rows.Next() {
		var msg ingest.Message
		var enqueuedAt int64
		if err := rows.Scan(&msg.ID, &msg.DocumentID, &msg.PayloadRef, &enqueuedAt, &msg.AttemptCount); err != nil {
			return nil, &ingest.QueueBrokerError{Op: "scan dead letter", Err: err}
		}
		msg.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &ingest.QueueBrokerError{Op: "iterate dead letters", Err: err}
	}
	return out, nil
}

func (q *Queue) sweepExhausted(ctx context.Context, tx *sql.Tx, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO dead_letters
			(id, document_id, payload_ref, enqueued_at, attempt_count, reason, dead_lettered_at)
		SELECT id, document_id, payload_ref, enqueued_at, attempt_count,
		       'delivery budget exhausted', ?
		FROM messages
		WHERE visible_after <= ? AND attempt_count >= ?
	`, now, now, q.cfg.MaxAttempts)
	if err != nil {
		return &ingest.QueueBrokerError{Op: "sweep insert", Err: err}
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE visible_after <= ? AND attempt_count >= ?
	`, now, q.cfg.MaxAttempts)
	if err != nil {
		return &ingest.QueueBrokerError{Op: "sweep delete", Err: err}
	}
	return nil
}

var _ ingest.Queue = (*Queue)(nil)
