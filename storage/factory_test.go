package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/imghost/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	base := config.AppConfig{UploadDir: "uploads", RedisPrefix: "f:"}

	cfg := base
	cfg.StorageBackend = config.BackendMemory
	b, err := Open(ctx, cfg, Deps{Fs: afero.NewMemMapFs()}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, b.Images)
	assert.IsType(t, &FSBlobStore{}, b.Blobs)

	cfg.StorageBackend = config.BackendSQL
	_, err = Open(ctx, cfg, Deps{Fs: afero.NewMemMapFs()}, Options{})
	assert.Error(t, err)
	b, err = Open(ctx, cfg, Deps{Fs: afero.NewMemMapFs(), DB: newSQLiteDB(t)}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, b.Images)

	cfg.StorageBackend = config.BackendRedis
	_, err = Open(ctx, cfg, Deps{}, Options{})
	assert.Error(t, err)
	b, err = Open(ctx, cfg, Deps{Redis: newMiniRedis(t)}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, b.Images)
	assert.IsType(t, &RedisBlobStore{}, b.Blobs)

	cfg.StorageBackend = "s3"
	_, err = Open(ctx, cfg, Deps{}, Options{})
	assert.Error(t, err)
}

func TestOpen_DefaultExpiryFromConfig(t *testing.T) {
	cfg := config.AppConfig{StorageBackend: config.BackendMemory, UploadDir: "uploads", DefaultExpireDays: 2}
	b, err := Open(context.Background(), cfg, Deps{Fs: afero.NewMemMapFs()}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Images.(*MemoryStore).opts.DefaultExpireDays)
}
