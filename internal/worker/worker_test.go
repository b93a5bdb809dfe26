package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/clock/fake"
	"github.com/mreis/archivum/internal/docstore"
	"github.com/mreis/archivum/internal/enrich"
	"github.com/mreis/archivum/internal/ingest"
	qmemory "github.com/mreis/archivum/internal/queue/memory"
	bmemory "github.com/mreis/archivum/internal/storage/memory"
	"github.com/mreis/archivum/internal/storage/sqlite"
)

type countingSummarizer struct {
	calls atomic.Int32
	err   error
}

func (s *countingSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "a summary", nil
}

type fixedEmbedder struct {
	err error
}

func (e *fixedEmbedder) Embed(context.Context, string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float64{0.6, 0.8}, nil
}

func (e *fixedEmbedder) Dimension() int { return 2 }

type harness struct {
	queue      *qmemory.Queue
	store      *docstore.SQLite
	blobs      *bmemory.Store
	summarizer *countingSummarizer
	embedder   *fixedEmbedder
	worker     *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := fake.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := docstore.NewSQLite(db, clock)
	require.NoError(t, err)

	queue := qmemory.New(clock, qmemory.Config{VisibilityTimeout: time.Minute, MaxAttempts: 3})
	blobs := bmemory.New()
	summarizer := &countingSummarizer{}
	embedder := &fixedEmbedder{}

	w := NewWorker(1, queue, store, blobs, summarizer, embedder, zap.NewNop(), Config{})
	return &harness{
		queue: queue, store: store, blobs: blobs,
		summarizer: summarizer, embedder: embedder, worker: w,
	}
}

func (h *harness) seed(t *testing.T, doc ingest.Document) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, doc))
	require.NoError(t, h.queue.Enqueue(ctx, doc.ID, doc.PayloadRef, len(doc.Text)))
}

func TestProcessOneEnrichesAndAcks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, ingest.Document{ID: "doc-1", SourceURL: "https://x.org/1",
		ContentHash: "h1", Format: ingest.FormatHTML, Text: "some document text"})

	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	doc, err := h.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, doc.Processed())
	require.Equal(t, "a summary", doc.Summary)
	require.Equal(t, []float64{0.6, 0.8}, doc.Embedding)

	pending, dead, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Zero(t, dead)
}

func TestProcessOneIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, ingest.Document{ID: "doc-1", SourceURL: "https://x.org/1",
		ContentHash: "h1", Format: ingest.FormatHTML, Text: "text",
		Summary: "done already", Embedding: []float64{1}})

	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	require.Zero(t, h.summarizer.calls.Load(), "processed documents must not be re-enriched")

	doc, err := h.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, "done already", doc.Summary)

	pending, _, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, pending, "redelivered duplicate must still be acked")
}

func TestProcessOneReadsPayloadFromBlobStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	ref, err := h.blobs.Put(ctx, "doc-1.txt", []byte("blob text"))
	require.NoError(t, err)

	h.seed(t, ingest.Document{ID: "doc-1", SourceURL: "https://x.org/1",
		ContentHash: "h1", Format: ingest.FormatPDF, PayloadRef: ref})

	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	doc, err := h.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, doc.Processed())
}

func TestTemporaryFailureNacksForRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.summarizer.err = &ingest.EnrichmentError{Op: "summarize", Temporary: true,
		Err: errors.New("model overloaded")}
	h.seed(t, ingest.Document{ID: "doc-1", SourceURL: "https://x.org/1",
		ContentHash: "h1", Format: ingest.FormatHTML, Text: "text"})

	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	pending, dead, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending, "temporary failures keep the message for redelivery")
	require.Zero(t, dead)

	doc, err := h.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, 1, doc.RetryCount)
	require.Contains(t, doc.LastError, "model overloaded")
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.embedder.err = &ingest.EnrichmentError{Op: "embed", Temporary: false,
		Err: errors.New("input rejected")}
	h.seed(t, ingest.Document{ID: "doc-1", SourceURL: "https://x.org/1",
		ContentHash: "h1", Format: ingest.FormatHTML, Text: "text"})

	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	pending, dead, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Equal(t, 1, dead)
}

func TestUnknownDocumentDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "ghost", "", 0))

	processed, err := h.worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	pending, dead, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Equal(t, 1, dead)
}

func TestProcessOneEmptyQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	processed, err := h.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestPoolDrainsQueue(t *testing.T) {
	t.Parallel()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := fake.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := docstore.NewSQLite(db, clock)
	require.NoError(t, err)

	queue := qmemory.New(clock, qmemory.Config{VisibilityTimeout: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		doc := ingest.Document{ID: id, SourceURL: "https://x.org/" + id,
			ContentHash: "h-" + id, Format: ingest.FormatHTML,
			Text: "document text for " + id}
		require.NoError(t, store.Upsert(ctx, doc))
		require.NoError(t, queue.Enqueue(ctx, id, "", len(doc.Text)))
	}

	pool := NewPool(2, queue, store, bmemory.New(),
		enrich.NewLocalSummarizer(2), enrich.NewLocalEmbedder(32),
		zap.NewNop(), Config{PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, pool.WaitDrained(waitCtx, 10*time.Millisecond))

	cancel()
	require.NoError(t, <-done)

	docs, err := store.ListProcessed(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 4)
}
