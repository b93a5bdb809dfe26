// Package api serves the query surface over HTTP: semantic search,
// document lookup, pipeline stats, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/index"
	"github.com/mreis/archivum/internal/ingest"
	"github.com/mreis/archivum/internal/metrics"
)

const (
	maxTopK        = 100
	snippetLen     = 240
	requestTimeout = 30 * time.Second
)

// Config tunes the server.
type Config struct {
	// DefaultTopK applies when a search request omits top_k.
	DefaultTopK int
}

// Server owns the router and its collaborators.
type Server struct {
	index    *index.Index
	store    ingest.DocumentStore
	embedder ingest.Embedder
	frontier ingest.Frontier
	queue    ingest.Queue
	logger   *zap.Logger
	cfg      Config
}

// New builds a Server. frontier and queue may be nil when the API runs
// without a co-located pipeline; /stats then reports what it can.
func New(ix *index.Index, store ingest.DocumentStore, embedder ingest.Embedder,
	frontier ingest.Frontier, queue ingest.Queue, logger *zap.Logger, cfg Config) *Server {

	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	return &Server{
		index:    ix,
		store:    store,
		embedder: embedder,
		frontier: frontier,
		queue:    queue,
		logger:   logger,
		cfg:      cfg,
	}
}

// Router assembles the chi router with the standard middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/search", s.handleSearch)
	r.Get("/documents/{id}", s.handleGetDocument)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", metrics.Handler())
	return r
}

type searchResult struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	SourceURL  string  `json:"source_url"`
	Summary    string  `json:"summary"`
	Language   string  `json:"language,omitempty"`
	Snippet    string  `json:"snippet"`
	CreatedAt  string  `json:"created_at"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	TopK    int            `json:"top_k"`
	Results []searchResult `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "missing required parameter q")
		return
	}

	topK := s.cfg.DefaultTopK
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTopK {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("top_k must be an integer between 1 and %d", maxTopK))
			return
		}
		topK = n
	}

	if !s.index.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "search index not ready")
		return
	}

	vec, err := s.embedder.Embed(r.Context(), query)
	if err != nil {
		s.logger.Error("query embedding failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "query embedding unavailable")
		return
	}

	hits, err := s.index.Search(vec, topK)
	if errors.Is(err, ingest.ErrIndexNotReady) {
		s.writeError(w, http.StatusServiceUnavailable, "search index not ready")
		return
	}
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	results := make([]searchResult, 0, len(hits))
	for _, hit := range hits {
		doc, err := s.store.Get(r.Context(), hit.DocumentID)
		if err != nil {
			// The index can briefly reference a document deleted from
			// the store; drop the hit rather than failing the query.
			s.logger.Warn("hit without stored document",
				zap.String("document_id", hit.DocumentID), zap.Error(err))
			continue
		}
		results = append(results, searchResult{
			DocumentID: doc.ID,
			Score:      hit.Score,
			SourceURL:  doc.SourceURL,
			Summary:    doc.Summary,
			Language:   doc.Language,
			Snippet:    snippet(doc.Text),
			CreatedAt:  doc.CreatedAt.Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, searchResponse{Query: query, TopK: topK, Results: results})
}

type documentResponse struct {
	ID          string `json:"id"`
	SourceURL   string `json:"source_url"`
	ContentHash string `json:"content_hash"`
	Format      string `json:"format"`
	Language    string `json:"language,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Processed   bool   `json:"processed"`
	TextLength  int    `json:"text_length"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := s.store.Get(r.Context(), id)
	if errors.Is(err, ingest.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.logger.Error("document lookup failed", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "document lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, documentResponse{
		ID:          doc.ID,
		SourceURL:   doc.SourceURL,
		ContentHash: doc.ContentHash,
		Format:      string(doc.Format),
		Language:    doc.Language,
		Summary:     doc.Summary,
		Processed:   doc.Processed(),
		TextLength:  len(doc.Text),
		RetryCount:  doc.RetryCount,
		LastError:   doc.LastError,
		CreatedAt:   doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   doc.UpdatedAt.Format(time.RFC3339),
	})
}

type statsResponse struct {
	IndexReady     bool           `json:"index_ready"`
	IndexSize      int            `json:"index_size"`
	IndexBuiltAt   string         `json:"index_built_at,omitempty"`
	QueuePending   int            `json:"queue_pending"`
	QueueDead      int            `json:"queue_dead_letters"`
	FrontierCounts map[string]int `json:"frontier_counts,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		IndexReady: s.index.Ready(),
		IndexSize:  s.index.Size(),
	}
	if builtAt, ok := s.index.BuiltAt(); ok {
		resp.IndexBuiltAt = builtAt.Format(time.RFC3339)
	}
	if s.queue != nil {
		pending, dead, err := s.queue.Depth(r.Context())
		if err != nil {
			s.logger.Warn("queue depth unavailable", zap.Error(err))
		} else {
			resp.QueuePending = pending
			resp.QueueDead = dead
		}
	}
	if s.frontier != nil {
		counts, err := s.frontier.Counts(r.Context())
		if err != nil {
			s.logger.Warn("frontier counts unavailable", zap.Error(err))
		} else {
			resp.FrontierCounts = make(map[string]int, len(counts))
			for status, n := range counts {
				resp.FrontierCounts[string(status)] = n
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.index.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "search index not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// snippet returns the leading part of text, cut at a word boundary.
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetLen {
		return text
	}
	cut := strings.LastIndex(text[:snippetLen], " ")
	if cut <= 0 {
		cut = snippetLen
	}
	return text[:cut] + "…"
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestID tags every request with a uuid, echoed in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
