package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSBlobStore_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	blobs, err := NewFSBlobStore(fs, "uploads")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, "a.png", []byte("hello")))
	data, err := blobs.Get(ctx, "a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// no temp files left behind
	entries, err := afero.ReadDir(fs, "uploads")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.png", entries[0].Name())

	require.NoError(t, blobs.Delete(ctx, "a.png"))
	assert.ErrorIs(t, blobs.Delete(ctx, "a.png"), ErrBlobNotFound)
	_, err = blobs.Get(ctx, "a.png")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSBlobStore_RejectsPathKeys(t *testing.T) {
	blobs, err := NewFSBlobStore(afero.NewMemMapFs(), "uploads")
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", ".", "..", "../escape.png", "sub/dir.png", `win\path.png`} {
		assert.ErrorIs(t, blobs.Put(ctx, key, []byte("x")), ErrInvalidKey, "key %q", key)
	}
}

func TestRedisBlobStore_RoundTrip(t *testing.T) {
	client := newMiniRedis(t)
	blobs := NewRedisBlobStore(client, "p:")
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, "k.jpg", []byte{0xff, 0xd8, 0x00}))
	data, err := blobs.Get(ctx, "k.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0x00}, data)

	n, err := client.Exists(ctx, "p:blob:k.jpg").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, blobs.Delete(ctx, "k.jpg"))
	assert.ErrorIs(t, blobs.Delete(ctx, "k.jpg"), ErrBlobNotFound)
	_, err = blobs.Get(ctx, "k.jpg")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestValidateDays(t *testing.T) {
	assert.NoError(t, ValidateDays(1))
	assert.NoError(t, ValidateDays(365))
	assert.ErrorIs(t, ValidateDays(0), ErrInvalidDays)
	assert.ErrorIs(t, ValidateDays(366), ErrInvalidDays)
}
