package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://EXAMPLE.ORG/Path", "https://example.org/Path"},
		{"strips fragment", "https://example.org/a#section-2", "https://example.org/a"},
		{"removes default https port", "https://example.org:443/a", "https://example.org/a"},
		{"removes default http port", "http://example.org:80/a", "http://example.org/a"},
		{"keeps custom port", "https://example.org:8443/a", "https://example.org:8443/a"},
		{"sorts query parameters", "https://example.org/a?z=1&a=2", "https://example.org/a?a=2&z=1"},
		{"trims whitespace", "  https://example.org/a  ", "https://example.org/a"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsRelative(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "not a url", "/relative/path", "example.org/a"} {
		_, err := NormalizeURL(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestDocumentID(t *testing.T) {
	t.Parallel()

	hash := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	id := DocumentID(hash)
	require.Len(t, id, 32)
	require.Equal(t, hash[:32], id)
	require.Equal(t, id, DocumentID(hash), "identity is deterministic")

	require.Equal(t, "short", DocumentID("short"))
}

func TestDocumentProcessed(t *testing.T) {
	t.Parallel()

	require.False(t, Document{}.Processed())
	require.False(t, Document{Summary: "s"}.Processed())
	require.False(t, Document{Embedding: []float64{1}}.Processed())
	require.True(t, Document{Summary: "s", Embedding: []float64{1}}.Processed())
}
