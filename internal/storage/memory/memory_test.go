package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mreis/archivum/internal/ingest"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	ref, err := store.Put(ctx, "docs/a", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "mem://docs/a", ref)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 1, store.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	ref, err := store.Put(ctx, "a", []byte("abc"))
	require.NoError(t, err)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	data[0] = 'x'

	again, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	store := New()
	_, err := store.Get(context.Background(), "mem://missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}
