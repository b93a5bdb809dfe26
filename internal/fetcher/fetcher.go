// Package fetcher retrieves raw document bytes over HTTP, enforcing
// per-host politeness, a global concurrency cap, and a bounded retry
// policy for transient failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/metrics"
)

// Config tunes the fetch policy.
type Config struct {
	Timeout         time.Duration
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	MaxConcurrent   int
	PerHostInterval time.Duration
	UserAgent       string
	// MaxBodyBytes caps how much of a response is read. Larger bodies
	// fail permanently rather than being truncated.
	MaxBodyBytes int64
}

// Fetcher is an HTTP ingest.Fetcher.
type Fetcher struct {
	client *http.Client
	clock  ingest.Clock
	logger *zap.Logger
	cfg    Config

	sem *semaphore.Weighted

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher. A nil client gets a default one with the
// configured timeout.
func New(client *http.Client, clock ingest.Clock, logger *zap.Logger, cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "archivum-bot/0.1"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{
		client:   client,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves rawURL, retrying transient failures up to MaxRetries
// with jittered exponential backoff. The returned error is always an
// *ingest.FetchError; its Temporary field tells the caller whether the
// URL deserves another crawl pass.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*ingest.RawContent, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, &ingest.FetchError{URL: rawURL, Temporary: true, Err: err}
	}
	defer f.sem.Release(1)

	if err := f.waitHost(ctx, rawURL); err != nil {
		return nil, &ingest.FetchError{URL: rawURL, Temporary: true, Err: err}
	}

	var lastErr error
	backoff := f.cfg.BackoffInitial
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, jitter(backoff)); err != nil {
				return nil, &ingest.FetchError{URL: rawURL, Temporary: true, Err: err}
			}
			backoff *= 2
			if backoff > f.cfg.BackoffMax {
				backoff = f.cfg.BackoffMax
			}
		}

		raw, err := f.doFetch(ctx, rawURL)
		if err == nil {
			metrics.ObserveFetch(raw.StatusCode)
			return raw, nil
		}
		lastErr = err

		var fe *ingest.FetchError
		if errors.As(err, &fe) {
			metrics.ObserveFetch(fe.StatusCode)
			if !fe.Temporary {
				return nil, err
			}
		}
		f.logger.Warn("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, lastErr
}

func (f *Fetcher) doFetch(ctx context.Context, rawURL string) (*ingest.RawContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ingest.FetchError{URL: rawURL, Temporary: false, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ingest.FetchError{URL: rawURL, Temporary: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to body read
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ingest.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Temporary: true}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ingest.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Temporary: false}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, &ingest.FetchError{URL: rawURL, Temporary: true, Err: err}
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, &ingest.FetchError{
			URL:       rawURL,
			Temporary: false,
			Err:       fmt.Errorf("body exceeds %d byte limit", f.cfg.MaxBodyBytes),
		}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &ingest.RawContent{
		URL:         rawURL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   f.clock.Now(),
	}, nil
}

// waitHost blocks until the per-host rate limiter admits a request.
func (f *Fetcher) waitHost(ctx context.Context, rawURL string) error {
	if f.cfg.PerHostInterval <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	f.mu.Lock()
	limiter, ok := f.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(f.cfg.PerHostInterval), 1)
		f.limiters[u.Host] = limiter
	}
	f.mu.Unlock()

	return limiter.Wait(ctx)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Uniform in [d/2, d); keeps retries from synchronizing.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ ingest.Fetcher = (*Fetcher)(nil)
