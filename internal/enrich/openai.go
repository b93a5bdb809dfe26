package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/ingest"
)

// ClientConfig configures the OpenAI-compatible client. BaseURL points
// at any server speaking the /embeddings and /chat/completions shapes.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	EmbedModel   string
	SummaryModel string
	Dimension    int
	MaxRetries   int
	Backoff      time.Duration
	Timeout      time.Duration
}

// Client implements ingest.Summarizer and ingest.Embedder against an
// OpenAI-compatible HTTP API.
type Client struct {
	http   *http.Client
	logger *zap.Logger
	cfg    ClientConfig
}

// NewClient builds a Client. A nil httpClient gets a default with the
// configured timeout.
func NewClient(httpClient *http.Client, logger *zap.Logger, cfg ClientConfig) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{http: httpClient, logger: logger, cfg: cfg}
}

// Dimension returns the embedding length the configured model produces.
func (c *Client) Dimension() int { return c.cfg.Dimension }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed requests an embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ingest.EnrichmentError{Op: "embed", Temporary: false, Err: errEmptyInput}
	}

	var resp embeddingResponse
	err := c.post(ctx, "/embeddings", embeddingRequest{
		Model: c.cfg.EmbedModel,
		Input: []string{text},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &ingest.EnrichmentError{Op: "embed", Temporary: true,
			Err: fmt.Errorf("empty embedding in response")}
	}
	return resp.Data[0].Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const summaryPrompt = "Summarize the following document in at most five sentences. " +
	"Keep the original language of the document."

// Summarize asks the chat model for a short summary.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &ingest.EnrichmentError{Op: "summarize", Temporary: false, Err: errEmptyInput}
	}

	var resp chatResponse
	err := c.post(ctx, "/chat/completions", chatRequest{
		Model: c.cfg.SummaryModel,
		Messages: []chatMessage{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: text},
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &ingest.EnrichmentError{Op: "summarize", Temporary: true,
			Err: fmt.Errorf("empty completion in response")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// post sends the request, retrying 429 and 5xx responses with backoff
// and honoring Retry-After when present.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	op := strings.TrimPrefix(path, "/")
	body, err := json.Marshal(payload)
	if err != nil {
		return &ingest.EnrichmentError{Op: op, Temporary: false, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff * time.Duration(1<<(attempt-1))
			if retryErr, ok := lastErr.(*ingest.EnrichmentError); ok {
				if ra, ok := retryErr.Err.(retryAfterError); ok && ra.after > 0 {
					delay = ra.after
				}
			}
			select {
			case <-ctx.Done():
				return &ingest.EnrichmentError{Op: op, Temporary: true, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		lastErr = c.doPost(ctx, path, op, body, out)
		if lastErr == nil {
			return nil
		}
		if ee, ok := lastErr.(*ingest.EnrichmentError); ok && !ee.Temporary {
			return lastErr
		}
		c.logger.Warn("enrichment request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

type retryAfterError struct {
	status int
	after  time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

func (c *Client) doPost(ctx context.Context, path, op string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return &ingest.EnrichmentError{Op: op, Temporary: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ingest.EnrichmentError{Op: op, Temporary: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ingest.EnrichmentError{Op: op, Temporary: true, Err: err}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &ingest.EnrichmentError{Op: op, Temporary: true,
			Err: retryAfterError{status: resp.StatusCode, after: parseRetryAfter(resp)}}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ingest.EnrichmentError{Op: op, Temporary: false,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

var (
	_ ingest.Summarizer = (*Client)(nil)
	_ ingest.Embedder   = (*Client)(nil)
)
