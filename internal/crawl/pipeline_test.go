package crawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/api"
	"github.com/mreis/archivum/internal/clock/system"
	"github.com/mreis/archivum/internal/docstore"
	"github.com/mreis/archivum/internal/enrich"
	"github.com/mreis/archivum/internal/extractor"
	"github.com/mreis/archivum/internal/fetcher"
	"github.com/mreis/archivum/internal/frontier"
	"github.com/mreis/archivum/internal/hash/sha256"
	"github.com/mreis/archivum/internal/index"
	"github.com/mreis/archivum/internal/queue"
	bmemory "github.com/mreis/archivum/internal/storage/memory"
	"github.com/mreis/archivum/internal/storage/sqlite"
	"github.com/mreis/archivum/internal/worker"
)

// Seeds two pages, crawls them, processes the queue, builds the index,
// and searches through the HTTP API.
func TestEndToEndSeedCrawlSearch(t *testing.T) {
	t.Parallel()

	archivePage := `<html><body><h1>Care of Manuscripts</h1>
<p>The archive preserves medieval manuscripts and early printed books.
Conservators repair bindings, monitor humidity in the stacks, and
prepare fragile volumes for digitisation by the imaging studio.</p>
</body></html>`
	cookingPage := `<html><body><h1>Bread at Home</h1>
<p>A slow fermentation gives the loaf its open crumb and deep crust.
Fold the dough gently, rest it overnight in the cold, and bake on a
hot stone with plenty of steam for the first ten minutes.</p>
</body></html>`

	mux := http.NewServeMux()
	mux.HandleFunc("/manuscripts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(archivePage))
	})
	mux.HandleFunc("/bread", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(cookingPage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := system.New()
	ctx := context.Background()

	fr, err := frontier.New(db, clock, frontier.Config{MaxRetries: 2, BackoffBase: time.Millisecond})
	require.NoError(t, err)
	q, err := queue.New(db, clock, queue.Config{VisibilityTimeout: time.Minute, MaxAttempts: 3})
	require.NoError(t, err)
	store, err := docstore.NewSQLite(db, clock)
	require.NoError(t, err)
	blobs := bmemory.New()

	// Crawl.
	added, err := fr.Seed(ctx, []string{srv.URL + "/manuscripts", srv.URL + "/bread"})
	require.NoError(t, err)
	require.Equal(t, 2, added)

	engine := New(fr,
		fetcher.New(nil, clock, zap.NewNop(), fetcher.Config{MaxRetries: 1, BackoffInitial: time.Millisecond}),
		extractor.New(sha256.New(), extractor.Config{MinTextLen: 50}),
		q, store, blobs, zap.NewNop(),
		Config{Workers: 2, PollInterval: 5 * time.Millisecond})
	require.NoError(t, engine.Run(ctx))

	// Process.
	embedder := enrich.NewLocalEmbedder(128)
	pool := worker.NewPool(2, q, store, blobs,
		enrich.NewLocalSummarizer(2), embedder, zap.NewNop(),
		worker.Config{PollInterval: 5 * time.Millisecond})

	poolCtx, stopPool := context.WithCancel(ctx)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, pool.WaitDrained(waitCtx, 10*time.Millisecond))
	stopPool()
	require.NoError(t, <-poolDone)

	docs, err := store.ListProcessed(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// Index and search through the API.
	ix := index.New(store, clock, zap.NewNop())
	require.NoError(t, ix.Rebuild(ctx))

	server := api.New(ix, store, embedder, fr, q, zap.NewNop(), api.Config{DefaultTopK: 5})
	req := httptest.NewRequest(http.MethodGet, "/search?q=manuscripts+archive+conservators&top_k=2", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			DocumentID string  `json:"document_id"`
			Score      float64 `json:"score"`
			SourceURL  string  `json:"source_url"`
			Summary    string  `json:"summary"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	require.Contains(t, resp.Results[0].SourceURL, "/manuscripts",
		"the archival page must outrank the cooking page for an archival query")
	require.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	require.NotEmpty(t, resp.Results[0].Summary)
}
