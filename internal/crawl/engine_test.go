package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/clock/system"
	"github.com/mreis/archivum/internal/docstore"
	"github.com/mreis/archivum/internal/extractor"
	"github.com/mreis/archivum/internal/fetcher"
	"github.com/mreis/archivum/internal/frontier"
	"github.com/mreis/archivum/internal/hash/sha256"
	"github.com/mreis/archivum/internal/ingest"
	qmemory "github.com/mreis/archivum/internal/queue/memory"
	bmemory "github.com/mreis/archivum/internal/storage/memory"
	"github.com/mreis/archivum/internal/storage/sqlite"
)

func page(title string) string {
	return fmt.Sprintf(`<html><body><h1>%s</h1>
<p>This page carries enough prose to clear the minimum text threshold.
It describes the holdings of a small institutional archive, the hours
of its reading room, and the procedure for requesting reproductions
of fragile items held in the climate-controlled stacks.</p>
</body></html>`, title)
}

type testEnv struct {
	frontier *frontier.Frontier
	queue    *qmemory.Queue
	store    *docstore.SQLite
	blobs    *bmemory.Store
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := system.New()
	fr, err := frontier.New(db, clock, frontier.Config{
		MaxRetries:  2,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	store, err := docstore.NewSQLite(db, clock)
	require.NoError(t, err)

	queue := qmemory.New(clock, qmemory.Config{VisibilityTimeout: time.Minute, MaxAttempts: 3})
	blobs := bmemory.New()

	f := fetcher.New(nil, clock, zap.NewNop(), fetcher.Config{
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	})
	ex := extractor.New(sha256.New(), extractor.Config{MinTextLen: 50})

	engine := New(fr, f, ex, queue, store, blobs, zap.NewNop(), Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
	})
	return &testEnv{frontier: fr, queue: queue, store: store, blobs: blobs, engine: engine}
}

func TestRunCrawlsSeedsToCompletion(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page("Document A")))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page("Document B")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.frontier.Seed(ctx, []string{srv.URL + "/a", srv.URL + "/b"})
	require.NoError(t, err)
	require.Equal(t, 2, added)

	require.NoError(t, env.engine.Run(ctx))

	counts, err := env.frontier.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[ingest.URLDone])

	pending, _, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending, "each unique document produces one message")
	require.Equal(t, 2, env.blobs.Len())
}

func TestDuplicateContentEnqueuedOnce(t *testing.T) {
	t.Parallel()

	// Two URLs serving byte-identical content.
	handler := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page("Same Document")))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/first", handler)
	mux.HandleFunc("/second", handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.frontier.Seed(ctx, []string{srv.URL + "/first", srv.URL + "/second"})
	require.NoError(t, err)
	require.NoError(t, env.engine.Run(ctx))

	counts, err := env.frontier.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[ingest.URLDone], "both URLs finish")

	// Identical bytes share one document id. The second enqueue only
	// happens when the document is not yet processed, so at most two
	// messages exist and both carry the same id.
	pending, _, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, pending, 2)

	docs := map[string]bool{}
	for {
		msg, err := env.queue.Claim(ctx)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		docs[msg.DocumentID] = true
		require.NoError(t, env.queue.Ack(ctx, msg))
	}
	require.Len(t, docs, 1, "duplicate content maps to a single document id")
}

func TestPermanentFetchFailureDeadLetters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.frontier.Seed(ctx, []string{srv.URL + "/gone"})
	require.NoError(t, err)
	require.NoError(t, env.engine.Run(ctx))

	counts, err := env.frontier.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[ingest.URLDeadLetter])

	pending, _, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestTransientFailureRetriesUntilBudget(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.frontier.Seed(ctx, []string{srv.URL + "/flaky"})
	require.NoError(t, err)
	require.NoError(t, env.engine.Run(ctx))

	counts, err := env.frontier.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[ingest.URLDeadLetter],
		"transient failures exhaust the retry budget and dead-letter")
}

func TestShortTextPageIsRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>stub</p></body></html>"))
	}))
	defer srv.Close()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.frontier.Seed(ctx, []string{srv.URL + "/stub"})
	require.NoError(t, err)
	require.NoError(t, env.engine.Run(ctx))

	counts, err := env.frontier.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[ingest.URLDeadLetter],
		"extraction failures are permanent")
}
