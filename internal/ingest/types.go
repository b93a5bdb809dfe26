// Package ingest defines the core types and interfaces for the document
// ingestion pipeline: frontier records, documents, queue messages, and the
// capability contracts each stage is built against.
package ingest

import "time"

// URLStatus is the lifecycle state of a frontier URL record.
type URLStatus string

const (
	URLPending    URLStatus = "pending"
	URLInFlight   URLStatus = "in_flight"
	URLDone       URLStatus = "done"
	URLFailed     URLStatus = "failed"
	URLDeadLetter URLStatus = "dead_letter"
)

// URLRecord tracks a single URL through the frontier. Records are never
// physically deleted; terminal states remain for audit and resume.
type URLRecord struct {
	URL           string
	Status        URLStatus
	ContentHash   string
	RetryCount    int
	LastError     string
	ClaimedAt     time.Time
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Format identifies the raw representation a document was fetched in.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// RawContent is the result of a successful fetch.
type RawContent struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Extraction is the output of the extractor: plain text plus the
// content-addressed identity of the raw bytes it came from.
type Extraction struct {
	Text        string
	ContentHash string
	Format      Format
	Language    string
}

// Document is the durable record for one ingested document. Summary and
// Embedding are empty until enrichment completes; the two are set together
// or not at all.
type Document struct {
	ID          string
	SourceURL   string
	ContentHash string
	Format      Format
	Text        string
	PayloadRef  string
	Language    string
	Summary     string
	Embedding   []float64
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Processed reports whether enrichment has completed for the document.
func (d Document) Processed() bool {
	return d.Summary != "" && len(d.Embedding) > 0
}

// Message is one unit of work handed from crawl time to processing time.
// A message is claimable whenever VisibleAfter has elapsed; claiming hides
// it again for its visibility timeout.
type Message struct {
	ID           int64
	DocumentID   string
	PayloadRef   string
	EnqueuedAt   time.Time
	AttemptCount int
	VisibleAfter time.Time
}

// DocumentID derives the stable document id from a content hash, so that
// byte-identical content maps to the same document regardless of URL.
func DocumentID(contentHash string) string {
	if len(contentHash) > 32 {
		return contentHash[:32]
	}
	return contentHash
}

// SearchHit is one ranked result from the vector index.
type SearchHit struct {
	DocumentID string
	Score      float64
}
