package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/congreso-crawler/internal/store"
)

func TestBackendRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()

	ok, err := b.Has(ctx, "index")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = b.Get(ctx, "index")
	require.ErrorIs(t, err, store.ErrNotFound)

	payload := []byte(`{}`)
	require.NoError(t, b.Put(ctx, "index", payload))
	payload[0] = 'x'

	got, err := b.Get(ctx, "index")
	require.NoError(t, err)
	require.Equal(t, `{}`, string(got))
}
