// Package worker drains the work queue, enriching documents with a
// summary and an embedding. Processing is idempotent by document id: a
// redelivered message for an already processed document is acked without
// repeating the work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/metrics"
)

// Config tunes one worker.
type Config struct {
	// PollInterval is how long a worker sleeps when the queue is empty.
	PollInterval time.Duration
	// EnrichTimeout bounds the summarize plus embed calls per message.
	EnrichTimeout time.Duration
}

// Worker processes one message at a time.
type Worker struct {
	id         int
	queue      ingest.Queue
	store      ingest.DocumentStore
	blobs      ingest.BlobStore
	summarizer ingest.Summarizer
	embedder   ingest.Embedder
	logger     *zap.Logger
	cfg        Config
}

// NewWorker builds a worker.
func NewWorker(id int, queue ingest.Queue, store ingest.DocumentStore,
	blobs ingest.BlobStore, summarizer ingest.Summarizer,
	embedder ingest.Embedder, logger *zap.Logger, cfg Config) *Worker {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 2 * time.Minute
	}
	return &Worker{
		id:         id,
		queue:      queue,
		store:      store,
		blobs:      blobs,
		summarizer: summarizer,
		embedder:   embedder,
		logger:     logger.With(zap.Int("worker", id)),
		cfg:        cfg,
	}
}

// Run claims and processes messages until ctx ends. Broker errors back
// off and retry; they never kill the worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim failed", zap.Error(err))
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if msg == nil {
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		w.handle(ctx, msg)
	}
}

// ProcessOne claims at most one message and processes it. Returns false
// when the queue had nothing claimable. Used by drain loops and tests.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	w.handle(ctx, msg)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, msg *ingest.Message) {
	logger := w.logger.With(
		zap.String("document_id", msg.DocumentID),
		zap.Int("attempt", msg.AttemptCount),
	)

	err := w.process(ctx, msg)
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, msg); ackErr != nil {
			// The visibility timeout redelivers; processing is
			// idempotent so the retry is harmless.
			logger.Error("ack failed", zap.Error(ackErr))
			return
		}
		metrics.ObserveEnrichment("ok")

	case ingest.Retryable(err):
		logger.Warn("processing failed, will retry", zap.Error(err))
		w.recordFailure(ctx, msg.DocumentID, err)
		if nackErr := w.queue.Nack(ctx, msg); nackErr != nil {
			logger.Error("nack failed", zap.Error(nackErr))
		}
		metrics.ObserveEnrichment("retry")

	default:
		logger.Error("processing failed permanently", zap.Error(err))
		w.recordFailure(ctx, msg.DocumentID, err)
		if dlErr := w.queue.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
			logger.Error("dead-letter failed", zap.Error(dlErr))
		}
		metrics.ObserveEnrichment("dead_letter")
		metrics.ObserveDeadLetter("worker")
	}
}

func (w *Worker) process(ctx context.Context, msg *ingest.Message) error {
	doc, err := w.store.Get(ctx, msg.DocumentID)
	if errors.Is(err, ingest.ErrNotFound) {
		return &ingest.EnrichmentError{Op: "load document", Temporary: false,
			Err: fmt.Errorf("no document for id %s", msg.DocumentID)}
	}
	if err != nil {
		return &ingest.EnrichmentError{Op: "load document", Temporary: true, Err: err}
	}
	if doc.Processed() {
		return nil
	}

	text := doc.Text
	if text == "" && msg.PayloadRef != "" {
		payload, err := w.blobs.Get(ctx, msg.PayloadRef)
		if errors.Is(err, ingest.ErrNotFound) {
			return &ingest.EnrichmentError{Op: "load payload", Temporary: false, Err: err}
		}
		if err != nil {
			return &ingest.EnrichmentError{Op: "load payload", Temporary: true, Err: err}
		}
		text = string(payload)
	}
	if text == "" {
		return &ingest.EnrichmentError{Op: "load payload", Temporary: false,
			Err: errors.New("document has no text")}
	}

	enrichCtx, cancel := context.WithTimeout(ctx, w.cfg.EnrichTimeout)
	defer cancel()

	summary, err := w.summarizer.Summarize(enrichCtx, text)
	if err != nil {
		return err
	}
	embedding, err := w.embedder.Embed(enrichCtx, text)
	if err != nil {
		return err
	}

	if err := w.store.SetEnrichment(ctx, doc.ID, summary, embedding); err != nil {
		return &ingest.EnrichmentError{Op: "store enrichment", Temporary: true, Err: err}
	}
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, id string, cause error) {
	if err := w.store.RecordFailure(ctx, id, cause.Error()); err != nil &&
		!errors.Is(err, ingest.ErrNotFound) {
		w.logger.Error("record failure failed", zap.Error(err))
	}
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
