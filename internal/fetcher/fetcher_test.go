package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/clock/system"
	"github.com/mreis/archivum/internal/ingest"
)

func newTestFetcher(cfg Config) *Fetcher {
	return New(nil, system.New(), zap.NewNop(), cfg)
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "archivum-bot/0.1", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{})
	raw, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, raw.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", raw.ContentType)
	require.Contains(t, string(raw.Body), "hello")
	require.False(t, raw.FetchedAt.IsZero())
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	})
	raw, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "ok", string(raw.Body))
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchPermanentFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(Config{MaxRetries: 3, BackoffInitial: time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)
	require.False(t, fe.Temporary)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
	require.EqualValues(t, 1, calls.Load(), "permanent failures must not be retried")
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(Config{MaxRetries: 2, BackoffInitial: time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)
	require.True(t, fe.Temporary)
	require.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")
}

func TestFetchTooManyRequestsIsTemporary(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(Config{MaxRetries: 0})
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)
	require.True(t, fe.Temporary)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{MaxBodyBytes: 1024})
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)
	require.False(t, fe.Temporary, "oversized documents will not shrink on retry")
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestFetcher(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
}

func TestPerHostPoliteness(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{PerHostInterval: 60 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"same-host requests must be spaced by the politeness interval")
}
