package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mreis/archivum/internal/ingest"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    source_url TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    format TEXT NOT NULL,
    text TEXT NOT NULL,
    payload_ref TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    embedding TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);
`

// PgxPool is the subset of pgxpool.Pool the store uses, narrow enough
// for pgxmock in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Postgres is a PostgreSQL-backed ingest.DocumentStore for deployments
// where several processes share one document corpus.
type Postgres struct {
	pool  PgxPool
	clock ingest.Clock
}

// NewPostgres connects to dsn and initializes the schema.
func NewPostgres(ctx context.Context, dsn string, clock ingest.Clock) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store, err := NewPostgresWithPool(ctx, pool, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(ctx context.Context, pool PgxPool, clock ingest.Clock) (*Postgres, error) {
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return nil, fmt.Errorf("init document schema: %w", err)
	}
	return &Postgres{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Upsert mirrors the SQLite store's semantics: created_at is preserved
// on update and an existing enrichment survives an empty overwrite.
func (s *Postgres) Upsert(ctx context.Context, doc ingest.Document) error {
	if doc.ID == "" {
		return errors.New("document id is empty")
	}
	embJSON, err := marshalEmbedding(doc.Embedding)
	if err != nil {
		return err
	}

	now := s.clock.Now().UnixMilli()
	createdAt := now
	if !doc.CreatedAt.IsZero() {
		createdAt = doc.CreatedAt.UnixMilli()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents
			(id, source_url, content_hash, format, text, payload_ref, language,
			 summary, embedding, retry_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			content_hash = EXCLUDED.content_hash,
			format = EXCLUDED.format,
			text = EXCLUDED.text,
			payload_ref = EXCLUDED.payload_ref,
			language = EXCLUDED.language,
			summary = CASE WHEN EXCLUDED.summary = ''
				THEN documents.summary ELSE EXCLUDED.summary END,
			embedding = CASE WHEN EXCLUDED.embedding = ''
				THEN documents.embedding ELSE EXCLUDED.embedding END,
			updated_at = EXCLUDED.updated_at
	`, doc.ID, doc.SourceURL, doc.ContentHash, string(doc.Format), doc.Text,
		doc.PayloadRef, doc.Language, doc.Summary, embJSON,
		doc.RetryCount, doc.LastError, createdAt, now)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns the document for id, or ingest.ErrNotFound.
func (s *Postgres) Get(ctx context.Context, id string) (ingest.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_url, content_hash, format, text, payload_ref, language,
		       summary, embedding, retry_count, last_error, created_at, updated_at
		FROM documents WHERE id = $1
	`, id)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Document{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// ListProcessed returns all enriched documents, oldest first.
func (s *Postgres) ListProcessed(ctx context.Context) ([]ingest.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_url, content_hash, format, text, payload_ref, language,
		       summary, embedding, retry_count, last_error, created_at, updated_at
		FROM documents
		WHERE embedding != '' AND summary != ''
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list processed documents: %w", err)
	}
	defer rows.Close()

	var docs []ingest.Document
	for rows.Next() {
		doc, err := scanPgDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// SetEnrichment stores the summary and embedding for id.
func (s *Postgres) SetEnrichment(ctx context.Context, id, summary string, embedding []float64) error {
	if summary == "" || len(embedding) == 0 {
		return errors.New("enrichment must include both summary and embedding")
	}
	embJSON, err := marshalEmbedding(embedding)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET summary = $1, embedding = $2, last_error = '', updated_at = $3
		WHERE id = $4
	`, summary, embJSON, s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set enrichment for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// RecordFailure increments the retry count and stores the error text.
func (s *Postgres) RecordFailure(ctx context.Context, id, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET retry_count = retry_count + 1, last_error = $1, updated_at = $2
		WHERE id = $3
	`, errText, s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func scanPgDocument(row pgx.Row) (ingest.Document, error) {
	var doc ingest.Document
	var format, embJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&doc.ID, &doc.SourceURL, &doc.ContentHash, &format,
		&doc.Text, &doc.PayloadRef, &doc.Language, &doc.Summary, &embJSON,
		&doc.RetryCount, &doc.LastError, &createdAt, &updatedAt)
	if err != nil {
		return ingest.Document{}, err
	}
	doc.Format = ingest.Format(format)
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if embJSON != "" {
		if err := json.Unmarshal([]byte(embJSON), &doc.Embedding); err != nil {
			return ingest.Document{}, fmt.Errorf("decode embedding: %w", err)
		}
	}
	return doc, nil
}

var _ ingest.DocumentStore = (*Postgres)(nil)
