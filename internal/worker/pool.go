package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/metrics"
)

// Pool fans message processing out over a fixed number of workers.
type Pool struct {
	workers []*Worker
	queue   ingest.Queue
	logger  *zap.Logger
}

// NewPool builds count identical workers.
func NewPool(count int, queue ingest.Queue, store ingest.DocumentStore,
	blobs ingest.BlobStore, summarizer ingest.Summarizer,
	embedder ingest.Embedder, logger *zap.Logger, cfg Config) *Pool {

	if count <= 0 {
		count = 1
	}
	workers := make([]*Worker, count)
	for i := range workers {
		workers[i] = NewWorker(i+1, queue, store, blobs, summarizer, embedder, logger, cfg)
	}
	return &Pool{workers: workers, queue: queue, logger: logger}
}

// Run starts all workers and blocks until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// WaitDrained polls the queue until no live messages remain, updating
// the depth gauge as it goes. Used by one-shot crawls to know when the
// workers have finished.
func (p *Pool) WaitDrained(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		pending, _, err := p.queue.Depth(ctx)
		if err != nil {
			p.logger.Warn("queue depth check failed", zap.Error(err))
		} else {
			metrics.SetQueueDepth(pending)
			if pending == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
