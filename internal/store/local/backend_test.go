package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/congreso-crawler/internal/store"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewRejectsFile(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err := New(Config{BaseDir: file})
	require.Error(t, err)
}

func TestBackendRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "records")
	b, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	ok, err := b.Has(ctx, "person/index")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = b.Get(ctx, "person/index")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, b.Put(ctx, "person/index", []byte(`{"Ana Ruiz":"123"}`)))
	require.FileExists(t, filepath.Join(dir, "person", "index.json"))

	ok, err = b.Has(ctx, "person/index")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.Get(ctx, "person/index")
	require.NoError(t, err)
	require.JSONEq(t, `{"Ana Ruiz":"123"}`, string(got))
}

func TestBackendRejectsTraversal(t *testing.T) {
	t.Parallel()

	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.ErrorContains(t, b.Put(context.Background(), "../escape", []byte("x")), "path traversal")
}
