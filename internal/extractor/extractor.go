// Package extractor turns fetched bytes into plain text and a
// content-addressed identity. HTML goes through a DOM parse; PDF through
// a page-bounded text extraction. The content hash is computed over the
// raw bytes, before any text cleanup, so identity is stable across
// extractor changes.
package extractor

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/mreis/archivum/internal/ingest"
)

// Config bounds what the extractor accepts.
type Config struct {
	// MinTextLen rejects pages whose extracted text is too short to be a
	// document (navigation shells, error pages served as 200).
	MinTextLen int
	// MaxPDFPages rejects scanned tomes that would dominate processing.
	MaxPDFPages int
}

// Extractor is the production ingest.Extractor.
type Extractor struct {
	hasher ingest.Hasher
	cfg    Config
}

// New builds an Extractor around the given hasher.
func New(hasher ingest.Hasher, cfg Config) *Extractor {
	if cfg.MinTextLen <= 0 {
		cfg.MinTextLen = 100
	}
	if cfg.MaxPDFPages <= 0 {
		cfg.MaxPDFPages = 100
	}
	return &Extractor{hasher: hasher, cfg: cfg}
}

// Extract converts raw bytes to text. Failures are *ingest.ExtractionError
// and are never retryable.
func (e *Extractor) Extract(raw *ingest.RawContent) (*ingest.Extraction, error) {
	if raw == nil || len(raw.Body) == 0 {
		return nil, &ingest.ExtractionError{URL: urlOf(raw), Reason: "empty body"}
	}

	hash, err := e.hasher.Hash(raw.Body)
	if err != nil {
		return nil, &ingest.ExtractionError{URL: raw.URL, Reason: "hash content", Err: err}
	}

	format := DetectFormat(raw)
	var text string
	switch format {
	case ingest.FormatPDF:
		text, err = e.extractPDF(raw)
	case ingest.FormatHTML:
		text, err = e.extractHTML(raw)
	default:
		return nil, &ingest.ExtractionError{
			URL:    raw.URL,
			Reason: fmt.Sprintf("unsupported content type %q", raw.ContentType),
		}
	}
	if err != nil {
		return nil, err
	}

	text = normalizeWhitespace(text)
	if len(text) < e.cfg.MinTextLen {
		return nil, &ingest.ExtractionError{
			URL:    raw.URL,
			Reason: fmt.Sprintf("extracted text too short (%d chars)", len(text)),
		}
	}

	return &ingest.Extraction{
		Text:        text,
		ContentHash: hash,
		Format:      format,
		Language:    DetectLanguage(text),
	}, nil
}

// DetectFormat classifies the payload by content type, URL extension,
// and finally a magic-byte sniff. PDFs served as text/html are common
// enough on archive sites that the sniff wins over the header.
func DetectFormat(raw *ingest.RawContent) ingest.Format {
	if bytes.HasPrefix(raw.Body, []byte("%PDF-")) {
		return ingest.FormatPDF
	}

	ct := strings.ToLower(raw.ContentType)
	if strings.Contains(ct, "application/pdf") {
		return ingest.FormatPDF
	}
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return ingest.FormatHTML
	}

	u := raw.FinalURL
	if u == "" {
		u = raw.URL
	}
	lower := strings.ToLower(u)
	if strings.HasSuffix(lower, ".pdf") {
		return ingest.FormatPDF
	}
	if strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") {
		return ingest.FormatHTML
	}

	if ct == "" || strings.Contains(ct, "text/plain") {
		// Plenty of archive servers omit or lie about the type; an HTML
		// parse of plain text degrades to the text itself.
		return ingest.FormatHTML
	}
	return ingest.Format("")
}

func (e *Extractor) extractHTML(raw *ingest.RawContent) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return "", &ingest.ExtractionError{URL: raw.URL, Reason: "parse html", Err: err}
	}

	doc.Find("script, style, noscript, nav, header, footer").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var sb strings.Builder
	root.Find("h1, h2, h3, h4, h5, h6, p, li, td, blockquote").Each(func(_ int, s *goquery.Selection) {
		t := strings.TrimSpace(s.Text())
		if t != "" {
			sb.WriteString(t)
			sb.WriteByte('\n')
		}
	})
	if sb.Len() == 0 {
		return root.Text(), nil
	}
	return sb.String(), nil
}

func (e *Extractor) extractPDF(raw *ingest.RawContent) (text string, err error) {
	// The PDF parser panics on some malformed inputs; treat those as
	// corrupt payloads rather than crashing the worker.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &ingest.ExtractionError{
				URL:    raw.URL,
				Reason: fmt.Sprintf("pdf parser panic: %v", r),
			}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw.Body), int64(len(raw.Body)))
	if err != nil {
		return "", &ingest.ExtractionError{URL: raw.URL, Reason: "parse pdf", Err: err}
	}
	if n := reader.NumPage(); n > e.cfg.MaxPDFPages {
		return "", &ingest.ExtractionError{
			URL:    raw.URL,
			Reason: fmt.Sprintf("pdf has %d pages, limit is %d", n, e.cfg.MaxPDFPages),
		}
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", &ingest.ExtractionError{URL: raw.URL, Reason: "extract pdf text", Err: err}
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", &ingest.ExtractionError{URL: raw.URL, Reason: "read pdf text", Err: err}
	}
	return sb.String(), nil
}

// normalizeWhitespace collapses runs of whitespace and keeps paragraph
// breaks as single newlines.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "\n")
}

func urlOf(raw *ingest.RawContent) string {
	if raw == nil {
		return ""
	}
	return raw.URL
}

var _ ingest.Extractor = (*Extractor)(nil)
