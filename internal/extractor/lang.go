package extractor

import "strings"

// stopwords per language, chosen to be distinctive rather than complete.
// Latin is included because a meaningful share of archival documents are
// published in it.
var stopwords = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "that", "is", "with", "for", "which"},
	"pt": {"que", "não", "uma", "com", "para", "dos", "mais", "como", "pelo", "são"},
	"es": {"que", "los", "del", "las", "una", "por", "con", "para", "más", "como"},
	"it": {"che", "della", "per", "del", "con", "una", "sono", "nel", "alla", "più"},
	"fr": {"les", "des", "que", "dans", "pour", "une", "qui", "sur", "pas", "est"},
	"la": {"et", "in", "est", "non", "ad", "cum", "qui", "quae", "enim", "autem"},
}

// DetectLanguage guesses the dominant language of text by stopword
// frequency. Returns "" when no language stands out; callers treat that
// as unknown, never as an error.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 20 {
		return ""
	}
	limit := len(words)
	if limit > 2000 {
		limit = 2000
	}

	counts := make(map[string]int, len(stopwords))
	for _, w := range words[:limit] {
		w = strings.Trim(w, ".,;:!?\"'()[]«»")
		for lang, list := range stopwords {
			for _, sw := range list {
				if w == sw {
					counts[lang]++
					break
				}
			}
		}
	}

	best, bestCount := "", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	// Demand a minimum signal so gibberish stays unknown.
	if bestCount < limit/100 || bestCount < 3 {
		return ""
	}
	return best
}
