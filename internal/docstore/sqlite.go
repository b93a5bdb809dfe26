// Package docstore persists ingested documents. It is the source of
// truth the search index is rebuilt from; the index itself is always
// disposable.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mreis/archivum/internal/ingest"
)

const schemaSQL = `
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
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);
`

// SQLite is a SQLite-backed ingest.DocumentStore.
type SQLite struct {
	db    *sql.DB
	clock ingest.Clock
}

// NewSQLite creates the store over db, initializing its schema.
func NewSQLite(db *sql.DB, clock ingest.Clock) (*SQLite, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("init document schema: %w", err)
	}
	return &SQLite{db: db, clock: clock}, nil
}

// Upsert writes doc keyed by id. On update, created_at is preserved and
// an existing enrichment is never overwritten by an empty one, so a
// re-crawl of known content cannot un-process a document.
func (s *SQLite) Upsert(ctx context.Context, doc ingest.Document) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents
			(id, source_url, content_hash, format, text, payload_ref, language,
			 summary, embedding, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url,
			content_hash = excluded.content_hash,
			format = excluded.format,
			text = excluded.text,
			payload_ref = excluded.payload_ref,
			language = excluded.language,
			summary = CASE WHEN excluded.summary = ''
				THEN documents.summary ELSE excluded.summary END,
			embedding = CASE WHEN excluded.embedding = ''
				THEN documents.embedding ELSE excluded.embedding END,
			updated_at = excluded.updated_at
	`, doc.ID, doc.SourceURL, doc.ContentHash, string(doc.Format), doc.Text,
		doc.PayloadRef, doc.Language, doc.Summary, embJSON,
		doc.RetryCount, doc.LastError, createdAt, now)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns the document for id, or ingest.ErrNotFound.
func (s *SQLite) Get(ctx context.Context, id string) (ingest.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_url, content_hash, format, text, payload_ref, language,
		       summary, embedding, retry_count, last_error, created_at, updated_at
		FROM documents WHERE id = ?
	`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Document{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// ListProcessed returns all documents with a stored embedding, oldest
// first. This is the index rebuild feed.
func (s *SQLite) ListProcessed(ctx context.Context) ([]ingest.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_url, content_hash, format, text, payload_ref, language,
		       summary, embedding, retry_count, last_error, created_at, updated_at
		FROM documents
		WHERE embedding != '' AND summary != ''
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list processed documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []ingest.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
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
func (s *SQLite) SetEnrichment(ctx context.Context, id, summary string, embedding []float64) error {
	if summary == "" || len(embedding) == 0 {
		return errors.New("enrichment must include both summary and embedding")
	}
	embJSON, err := marshalEmbedding(embedding)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET summary = ?, embedding = ?, last_error = '', updated_at = ?
		WHERE id = ?
	`, summary, embJSON, s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set enrichment for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// RecordFailure increments the retry count and stores the error text.
func (s *SQLite) RecordFailure(ctx context.Context, id, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, errText, s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// Count returns the total number of documents and how many are processed.
func (s *SQLite) Count(ctx context.Context) (total, processed int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(CASE WHEN embedding != '' AND summary != '' THEN 1 END)
		FROM documents
	`).Scan(&total, &processed)
	if err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	return total, processed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (ingest.Document, error) {
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

func marshalEmbedding(embedding []float64) (string, error) {
	if len(embedding) == 0 {
		return "", nil
	}
	b, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(b), nil
}

var _ ingest.DocumentStore = (*SQLite)(nil)
