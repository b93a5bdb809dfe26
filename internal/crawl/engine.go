// Package crawl orchestrates the ingest pipeline: it drains the
// frontier through fetch and extract, persists results, and enqueues
// work for the processing pool. The engine runs to frontier exhaustion,
// so a crawl is a finite job rather than a daemon.
package crawl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/metrics"
)

// Config tunes the engine.
type Config struct {
	// Workers is how many URLs are crawled concurrently.
	Workers int
	// StaleClaimAge bounds how long an in_flight claim may sit before a
	// restart reclaims it.
	StaleClaimAge time.Duration
	// PollInterval is the idle wait when the frontier has records that
	// are not yet eligible (backoff delays still running).
	PollInterval time.Duration
}

// Engine wires the crawl-side components together.
type Engine struct {
	frontier  ingest.Frontier
	fetcher   ingest.Fetcher
	extractor ingest.Extractor
	queue     ingest.Queue
	store     ingest.DocumentStore
	blobs     ingest.BlobStore
	logger    *zap.Logger
	cfg       Config
}

// New builds an Engine.
func New(frontier ingest.Frontier, fetcher ingest.Fetcher,
	extractor ingest.Extractor, queue ingest.Queue,
	store ingest.DocumentStore, blobs ingest.BlobStore,
	logger *zap.Logger, cfg Config) *Engine {

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Engine{
		frontier:  frontier,
		fetcher:   fetcher,
		extractor: extractor,
		queue:     queue,
		store:     store,
		blobs:     blobs,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run crawls until the frontier is exhausted or ctx ends. Claims left
// in_flight by a previous crash are released first.
func (e *Engine) Run(ctx context.Context) error {
	released, err := e.frontier.ReleaseStale(ctx, e.cfg.StaleClaimAge)
	if err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		e.logger.Info("released stale claims", zap.Int("count", released))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.loop(ctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	counts, err := e.frontier.Counts(ctx)
	if err == nil {
		e.logger.Info("crawl finished",
			zap.Int("done", counts[ingest.URLDone]),
			zap.Int("dead_letter", counts[ingest.URLDeadLetter]),
		)
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rec, err := e.frontier.Next(ctx)
		if err != nil {
			return fmt.Errorf("claim next url: %w", err)
		}
		if rec == nil {
			exhausted, err := e.exhausted(ctx)
			if err != nil {
				return err
			}
			if exhausted {
				return nil
			}
			if !sleepCtx(ctx, e.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if err := e.crawlOne(ctx, rec.URL); err != nil {
			e.logger.Warn("crawl failed",
				zap.String("url", rec.URL),
				zap.Bool("retryable", ingest.Retryable(err)),
				zap.Error(err),
			)
			if markErr := e.frontier.MarkFailed(ctx, rec.URL, err); markErr != nil {
				return fmt.Errorf("mark %s failed: %w", rec.URL, markErr)
			}
			if !ingest.Retryable(err) {
				metrics.ObserveDeadLetter("frontier")
			}
		}
	}
}

// exhausted reports whether no URL can ever become eligible again. URLs
// waiting out a retry backoff, or claimed by a sibling worker that may
// requeue them, keep the loop alive.
func (e *Engine) exhausted(ctx context.Context) (bool, error) {
	counts, err := e.frontier.Counts(ctx)
	if err != nil {
		return false, fmt.Errorf("count frontier statuses: %w", err)
	}
	return counts[ingest.URLPending] == 0 && counts[ingest.URLInFlight] == 0, nil
}

func (e *Engine) crawlOne(ctx context.Context, url string) error {
	raw, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}

	ext, err := e.extractor.Extract(raw)
	if err != nil {
		return err
	}

	docID := ingest.DocumentID(ext.ContentHash)
	logger := e.logger.With(zap.String("url", url), zap.String("document_id", docID))

	// Byte-identical content seen at another URL is already in the
	// store; finishing the URL without a second enqueue keeps
	// processing deduplicated.
	existing, err := e.store.Get(ctx, docID)
	if err == nil && existing.Processed() {
		logger.Debug("content already processed, skipping enqueue")
		return e.frontier.MarkDone(ctx, url, ext.ContentHash)
	}

	ref, err := e.blobs.Put(ctx, blobPath(docID), []byte(ext.Text))
	if err != nil {
		return fmt.Errorf("store payload for %s: %w", url, err)
	}

	doc := ingest.Document{
		ID:          docID,
		SourceURL:   url,
		ContentHash: ext.ContentHash,
		Format:      ext.Format,
		Text:        ext.Text,
		PayloadRef:  ref,
		Language:    ext.Language,
	}
	if err := e.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("store document for %s: %w", url, err)
	}

	if err := e.queue.Enqueue(ctx, docID, ref, len(ext.Text)); err != nil {
		return err
	}

	logger.Info("document ingested",
		zap.String("format", string(ext.Format)),
		zap.Int("text_len", len(ext.Text)),
	)
	return e.frontier.MarkDone(ctx, url, ext.ContentHash)
}

// blobPath shards blobs into prefix directories so one directory never
// holds the whole corpus.
func blobPath(docID string) string {
	prefix := docID
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return fmt.Sprintf("docs/%s/%s.txt", prefix, docID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
