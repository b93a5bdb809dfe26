package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/mreis/archivum/internal/clock/fake"
	"github.com/mreis/archivum/internal/ingest"
)

func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	clock := fake.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewPostgresWithPool(context.Background(), mock, clock)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresUpsert(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("a", "https://example.org/a", "hash-a", "html", "text", "ref",
			"en", "", "", 0, "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Upsert(context.Background(), ingest.Document{
		ID:          "a",
		SourceURL:   "https://example.org/a",
		ContentHash: "hash-a",
		Format:      ingest.FormatHTML,
		Text:        "text",
		PayloadRef:  "ref",
		Language:    "en",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	rows := pgxmock.NewRows([]string{
		"id", "source_url", "content_hash", "format", "text", "payload_ref",
		"language", "summary", "embedding", "retry_count", "last_error",
		"created_at", "updated_at",
	}).AddRow("a", "https://example.org/a", "hash-a", "html", "text", "ref",
		"en", "a summary", "[0.5,0.5]", 0, "", now, now)

	mock.ExpectQuery("SELECT (.+) FROM documents WHERE id").
		WithArgs("a").
		WillReturnRows(rows)

	doc, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "a", doc.ID)
	require.Equal(t, []float64{0.5, 0.5}, doc.Embedding)
	require.True(t, doc.Processed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM documents WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_url", "content_hash", "format", "text", "payload_ref",
			"language", "summary", "embedding", "retry_count", "last_error",
			"created_at", "updated_at",
		}))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetEnrichmentNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE documents").
		WithArgs("s", "[1]", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetEnrichment(context.Background(), "missing", "s", []float64{1})
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
