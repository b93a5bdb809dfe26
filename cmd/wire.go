package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/clock/system"
	"github.com/mreis/archivum/internal/config"
	"github.com/mreis/archivum/internal/docstore"
	"github.com/mreis/archivum/internal/enrich"
	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/queue"
	"github.com/mreis/archivum/internal/storage/local"
	"github.com/mreis/archivum/internal/storage/sqlite"
)

// openPipelineDB opens the SQLite database holding frontier and queue
// state. The document store shares it under the sqlite driver.
func openPipelineDB(cfg config.Config) (*sql.DB, error) {
	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline database: %w", err)
	}
	return db, nil
}

// buildDocumentStore returns the configured store and a release func.
func buildDocumentStore(ctx context.Context, cfg config.Config, db *sql.DB,
	clock ingest.Clock) (ingest.DocumentStore, func(), error) {

	switch cfg.Store.Driver {
	case "postgres":
		store, err := docstore.NewPostgres(ctx, cfg.Store.DSN, clock)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := docstore.NewSQLite(db, clock)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// buildEnrichers returns the configured summarizer and embedder pair.
func buildEnrichers(cfg config.Config, logger *zap.Logger) (ingest.Summarizer, ingest.Embedder) {
	if cfg.Enrich.Provider == "openai" {
		client := enrich.NewClient(nil, logger, enrich.ClientConfig{
			BaseURL:      cfg.Enrich.BaseURL,
			APIKey:       apiKeyFromEnv(cfg.Enrich.APIKeyEnv),
			EmbedModel:   cfg.Enrich.EmbedModel,
			SummaryModel: cfg.Enrich.SummaryModel,
			Dimension:    cfg.Enrich.Dimension,
			MaxRetries:   3,
			Timeout:      cfg.EnrichTimeout(),
		})
		return client, client
	}
	return enrich.NewLocalSummarizer(cfg.Enrich.SummarySentences),
		enrich.NewLocalEmbedder(cfg.Enrich.Dimension)
}

func buildQueue(cfg config.Config, db *sql.DB, clock ingest.Clock) (*queue.Queue, error) {
	return queue.New(db, clock, queue.Config{
		VisibilityTimeout:      time.Duration(cfg.Queue.VisibilityTimeoutSec) * time.Second,
		VisibilityTimeoutLarge: time.Duration(cfg.Queue.VisibilityTimeoutLargeSec) * time.Second,
		LargePayloadBytes:      cfg.Queue.LargePayloadBytes,
		MaxAttempts:            cfg.Queue.MaxAttempts,
		NackDelay:              time.Duration(cfg.Queue.NackDelayMs) * time.Millisecond,
	})
}

func buildBlobStore(cfg config.Config) (ingest.BlobStore, error) {
	return local.New(cfg.Blobs.Dir)
}

func newHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func apiKeyFromEnv(name string) string {
	if name == "" {
		name = "OPENAI_API_KEY"
	}
	return os.Getenv(name)
}

var systemClock = system.New()
