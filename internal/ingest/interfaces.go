package ingest

import (
	"context"
	"time"
)

// Frontier decides which URLs are eligible to crawl next, enforcing dedup
// and resumability. All transitions are atomic; a URL in done or
// dead_letter state is never returned by Next again.
type Frontier interface {
	// Seed adds URLs in pending state, ignoring ones already known by
	// normalized form. It returns the number actually added.
	Seed(ctx context.Context, urls []string) (int, error)

	// Next claims the next pending URL, transitioning it to in_flight.
	// It returns (nil, nil) when no URL is currently eligible.
	Next(ctx context.Context) (*URLRecord, error)

	// MarkDone records a successful crawl and the content hash.
	MarkDone(ctx context.Context, url, contentHash string) error

	// MarkFailed records a failure. Retryable causes return the URL to
	// pending with a backoff delay until the retry budget is exhausted;
	// permanent causes and exhausted budgets move it to dead_letter.
	MarkFailed(ctx context.Context, url string, cause error) error

	// ReleaseStale returns in_flight URLs claimed longer ago than the
	// given age to pending, recovering from crashed crawl workers.
	ReleaseStale(ctx context.Context, age time.Duration) (int, error)

	// Counts reports the number of records per status.
	Counts(ctx context.Context) (map[URLStatus]int, error)
}

// Queue is the durable, at-least-once handoff between crawl time and
// processing time. Exactly one claimant holds a message at a time; an
// unacknowledged claim becomes re-claimable once its visibility timeout
// elapses.
type Queue interface {
	// Enqueue appends a message. payloadSize selects the visibility
	// timeout class for slow, large documents.
	Enqueue(ctx context.Context, documentID, payloadRef string, payloadSize int) error

	// Claim atomically takes one claimable message, hiding it for its
	// visibility timeout. Returns (nil, nil) when none is available.
	// Messages whose delivery budget is exhausted are moved to the
	// dead-letter channel instead of being returned.
	Claim(ctx context.Context) (*Message, error)

	// Ack permanently removes a successfully processed message.
	Ack(ctx context.Context, msg *Message) error

	// Nack returns a message to the queue for redelivery after a short
	// backoff, or dead-letters it if the delivery budget is exhausted.
	Nack(ctx context.Context, msg *Message) error

	// DeadLetter routes a message straight to the dead-letter channel,
	// bypassing remaining retries. Used for non-retryable failures.
	DeadLetter(ctx context.Context, msg *Message, reason string) error

	// Depth reports the number of live messages and dead-lettered ones.
	Depth(ctx context.Context) (pending int, dead int, err error)
}

// Fetcher retrieves raw bytes for a URL, honoring rate limits and the
// retry policy. It never mutates frontier state; the caller does, based
// on the returned error's classification.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*RawContent, error)
}

// Extractor converts raw bytes into plain text plus a content hash.
type Extractor interface {
	Extract(raw *RawContent) (*Extraction, error)
}

// Summarizer produces a short summary of the given text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// DocumentStore is the durable, queryable source of truth for documents.
type DocumentStore interface {
	// Upsert writes a record keyed by id, preserving CreatedAt on update.
	Upsert(ctx context.Context, doc Document) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// ListProcessed returns all records with a non-empty embedding.
	ListProcessed(ctx context.Context) ([]Document, error)

	// SetEnrichment records a completed summary and embedding for id.
	SetEnrichment(ctx context.Context, id, summary string, embedding []float64) error

	// RecordFailure increments the retry count and stores the last error.
	RecordFailure(ctx context.Context, id, errText string) error
}

// BlobStore persists payload artifacts and returns a stable reference.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Hasher computes content digests for dedup and identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}
