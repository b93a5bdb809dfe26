// Package index holds the in-memory vector index the query service
// searches. The index is rebuilt from the document store and swapped in
// atomically; queries always see either the previous complete snapshot
// or the new one, never a partial build.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/metrics"
)

type entry struct {
	id        string
	vec       []float64
	norm      float64
	createdAt time.Time
}

type snapshot struct {
	entries []entry
	builtAt time.Time
}

// Index serves cosine-similarity queries over an immutable snapshot.
type Index struct {
	store  ingest.DocumentStore
	clock  ingest.Clock
	logger *zap.Logger

	snap atomic.Pointer[snapshot]
}

// New returns an index with no snapshot; Ready reports false until the
// first successful Rebuild.
func New(store ingest.DocumentStore, clock ingest.Clock, logger *zap.Logger) *Index {
	return &Index{store: store, clock: clock, logger: logger}
}

// Rebuild loads all processed documents and swaps in a fresh snapshot.
// On failure the previous snapshot keeps serving.
func (ix *Index) Rebuild(ctx context.Context) error {
	docs, err := ix.store.ListProcessed(ctx)
	if err != nil {
		return fmt.Errorf("load processed documents: %w", err)
	}

	entries := make([]entry, 0, len(docs))
	for _, doc := range docs {
		norm := vectorNorm(doc.Embedding)
		if norm == 0 {
			continue
		}
		entries = append(entries, entry{
			id:        doc.ID,
			vec:       doc.Embedding,
			norm:      norm,
			createdAt: doc.CreatedAt,
		})
	}

	ix.snap.Store(&snapshot{entries: entries, builtAt: ix.clock.Now()})
	ix.logger.Info("index rebuilt", zap.Int("documents", len(entries)))
	return nil
}

// Ready reports whether a snapshot exists.
func (ix *Index) Ready() bool {
	return ix.snap.Load() != nil
}

// Size returns the number of indexed documents, 0 before the first build.
func (ix *Index) Size() int {
	snap := ix.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.entries)
}

// BuiltAt returns when the current snapshot was built.
func (ix *Index) BuiltAt() (time.Time, bool) {
	snap := ix.snap.Load()
	if snap == nil {
		return time.Time{}, false
	}
	return snap.builtAt, true
}

// Search returns the topK documents by cosine similarity to query,
// highest score first. Ties break toward the earlier created_at so
// results are stable across rebuilds. An empty index returns an empty
// slice; an unbuilt one returns ErrIndexNotReady.
func (ix *Index) Search(query []float64, topK int) ([]ingest.SearchHit, error) {
	snap := ix.snap.Load()
	if snap == nil {
		return nil, ingest.ErrIndexNotReady
	}
	if topK <= 0 || len(query) == 0 {
		return []ingest.SearchHit{}, nil
	}
	qNorm := vectorNorm(query)
	if qNorm == 0 {
		return []ingest.SearchHit{}, nil
	}

	started := time.Now()
	type scored struct {
		hit       ingest.SearchHit
		createdAt time.Time
	}
	results := make([]scored, 0, len(snap.entries))
	for _, e := range snap.entries {
		if len(e.vec) != len(query) {
			continue
		}
		var dot float64
		for i, v := range e.vec {
			dot += v * query[i]
		}
		results = append(results, scored{
			hit:       ingest.SearchHit{DocumentID: e.id, Score: dot / (e.norm * qNorm)},
			createdAt: e.createdAt,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].hit.Score != results[j].hit.Score {
			return results[i].hit.Score > results[j].hit.Score
		}
		return results[i].createdAt.Before(results[j].createdAt)
	})

	if topK > len(results) {
		topK = len(results)
	}
	hits := make([]ingest.SearchHit, topK)
	for i := range hits {
		hits[i] = results[i].hit
	}
	metrics.ObserveSearch(time.Since(started))
	return hits, nil
}

// Refresh rebuilds the index on the given interval until ctx ends. A
// failed rebuild is logged and retried at the next tick.
func (ix *Index) Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.Rebuild(ctx); err != nil {
				ix.logger.Error("index rebuild failed", zap.Error(err))
			}
		}
	}
}

func vectorNorm(vec []float64) float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	return math.Sqrt(sum)
}
