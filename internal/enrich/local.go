// Package enrich provides the summarize and embed collaborators used by
// the processing workers. Two providers exist: a deterministic local one
// that needs no network, and a client for OpenAI-compatible APIs.
package enrich

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/mreis/archivum/internal/ingest"
)

var errEmptyInput = errors.New("empty input text")

var sentenceSplit = regexp.MustCompile(`[.!?]+[\s\n]+`)

// common function words excluded from frequency scoring.
var summaryStopwords = map[string]struct{}{
	"the": {}, "and": {}, "of": {}, "to": {}, "in": {}, "a": {}, "is": {},
	"that": {}, "for": {}, "it": {}, "as": {}, "with": {}, "was": {},
	"on": {}, "be": {}, "by": {}, "this": {}, "are": {}, "or": {},
	"at": {}, "from": {}, "which": {}, "an": {}, "not": {}, "but": {},
	"de": {}, "la": {}, "que": {}, "el": {}, "en": {}, "los": {},
	"e": {}, "o": {}, "da": {}, "do": {}, "di": {}, "che": {}, "et": {},
}

// LocalSummarizer extracts the highest-scoring sentences by word
// frequency, keeping their original order.
type LocalSummarizer struct {
	// Sentences is how many sentences the summary keeps.
	Sentences int
}

// NewLocalSummarizer returns a summarizer keeping n sentences.
func NewLocalSummarizer(n int) *LocalSummarizer {
	if n <= 0 {
		n = 5
	}
	return &LocalSummarizer{Sentences: n}
}

// Summarize never fails on non-empty input; empty input is a permanent
// enrichment error.
func (s *LocalSummarizer) Summarize(_ context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ingest.EnrichmentError{Op: "summarize", Temporary: false,
			Err: errEmptyInput}
	}

	sentences := splitSentences(text)
	if len(sentences) <= s.Sentences {
		return strings.Join(sentences, " "), nil
	}

	freq := make(map[string]int)
	for _, sent := range sentences {
		for _, w := range tokenize(sent) {
			if _, skip := summaryStopwords[w]; skip {
				continue
			}
			freq[w]++
		}
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, sent := range sentences {
		words := tokenize(sent)
		if len(words) == 0 {
			ranked[i] = scored{index: i}
			continue
		}
		total := 0
		for _, w := range words {
			total += freq[w]
		}
		ranked[i] = scored{index: i, score: float64(total) / float64(len(words))}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	top := ranked[:s.Sentences]
	sort.Slice(top, func(i, j int) bool { return top[i].index < top[j].index })

	parts := make([]string, 0, len(top))
	for _, r := range top {
		parts = append(parts, sentences[r.index])
	}
	return strings.Join(parts, " "), nil
}

// LocalEmbedder maps text to a fixed-length vector by hashing tokens
// into buckets and L2-normalizing the counts. Deterministic, so the same
// text always embeds identically.
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder returns an embedder producing dim-length vectors.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &LocalEmbedder{dim: dim}
}

// Dimension returns the embedding length.
func (e *LocalEmbedder) Dimension() int { return e.dim }

// Embed returns the normalized hashed bag-of-words vector for text.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	words := tokenize(text)
	if len(words) == 0 {
		return nil, &ingest.EnrichmentError{Op: "embed", Temporary: false,
			Err: errEmptyInput}
	}

	vec := make([]float64, e.dim)
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]«»")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

var (
	_ ingest.Summarizer = (*LocalSummarizer)(nil)
	_ ingest.Embedder   = (*LocalEmbedder)(nil)
)
