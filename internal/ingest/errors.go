package ingest

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no record exists for an id.
var ErrNotFound = errors.New("record not found")

// ErrIndexNotReady signals a query arriving before the first successful
// index build. Surfaced to API callers as 503, never as a crash.
var ErrIndexNotReady = errors.New("search index not built yet")

// FetchError is a network, timeout, or HTTP-status failure. Temporary
// errors are retryable; 4xx responses other than 429 are not.
type FetchError struct {
	URL        string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractionError is an unsupported or corrupt payload. Never retryable.
type ExtractionError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EnrichmentError is a summarize/embed collaborator failure. Temporary
// failures are retried up to the queue's delivery budget; permanent ones
// (malformed or empty input) go straight to the dead-letter channel.
type EnrichmentError struct {
	Op        string
	Temporary bool
	Err       error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich %s: %v", e.Op, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// QueueBrokerError means the queue backend itself is unreachable. The
// loops back off and retry the broker, not the individual message.
type QueueBrokerError struct {
	Op  string
	Err error
}

func (e *QueueBrokerError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueBrokerError) Unwrap() error { return e.Err }

// Retryable reports whether the error is transient per the taxonomy
// above. Unknown errors are treated as retryable so that transient
// infrastructure trouble never dead-letters work prematurely.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Temporary
	}
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return false
	}
	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return ee.Temporary
	}
	return true
}
