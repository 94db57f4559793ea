package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBlobs_PutOverwriteDelete(t *testing.T) {
	root := t.TempDir()
	b, err := NewFileBlobs(root, "http://localhost:8080/storage/")
	require.NoError(t, err)
	ctx := context.Background()

	url, err := b.Put(ctx, "punches/L-001_abc.jpg", []byte("one"), PhotoContentType)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/storage/punch-photos/punches/L-001_abc.jpg", url)

	_, err = b.Put(ctx, "punches/L-001_abc.jpg", []byte("two"), PhotoContentType)
	require.NoError(t, err)

	full := filepath.Join(root, Bucket, "punches", "L-001_abc.jpg")
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(full))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, b.Delete(ctx, "punches/L-001_abc.jpg"))
	_, err = os.Stat(full)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, b.Delete(ctx, "punches/L-001_abc.jpg"), "deleting twice is fine")
}

func TestFileBlobs_RejectsBadInput(t *testing.T) {
	b, err := NewFileBlobs(t.TempDir(), "http://x")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Put(ctx, "../escape.jpg", []byte("x"), PhotoContentType)
	assert.Error(t, err)

	_, err = b.Put(ctx, "punches/a.png", []byte("x"), "image/png")
	assert.Error(t, err)
}
