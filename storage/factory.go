package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/imghost/config"
)

// Deps carries the already opened connections a backend may need.
type Deps struct {
	Fs    afero.Fs
	DB    *gorm.DB
	Redis *redis.Client
}

// Backend pairs the metadata store with the blob store holding its bytes.
type Backend struct {
	Images ImageStore
	Blobs  BlobStore
}

// Open builds the backend selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg config.AppConfig, deps Deps, opts Options) (*Backend, error) {
	opts = opts.withDefaults()
	if opts.DefaultExpireDays == 0 {
		opts.DefaultExpireDays = cfg.DefaultExpireDays
	}
	log := opts.Logger.With(zap.String("backend", cfg.StorageBackend))
	opts.Logger = log

	switch cfg.StorageBackend {
	case config.BackendMemory, "":
		blobs, err := NewFSBlobStore(deps.Fs, cfg.UploadDir)
		if err != nil {
			return nil, err
		}
		store := NewMemoryStore(blobs, opts)
		if _, err := LoadExisting(ctx, store, blobs); err != nil {
			// a broken upload dir should not keep the service down
			log.Error("rescan upload dir failed", zap.Error(err))
		}
		return &Backend{Images: store, Blobs: blobs}, nil

	case config.BackendSQL:
		if deps.DB == nil {
			return nil, errors.New("sql backend requires a database connection")
		}
		blobs, err := NewFSBlobStore(deps.Fs, cfg.UploadDir)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(deps.DB, blobs, opts)
		if err != nil {
			return nil, err
		}
		return &Backend{Images: store, Blobs: blobs}, nil

	case config.BackendRedis:
		if deps.Redis == nil {
			return nil, errors.New("redis backend requires a redis client")
		}
		blobs := NewRedisBlobStore(deps.Redis, cfg.RedisPrefix)
		return &Backend{Images: NewRedisStore(deps.Redis, cfg.RedisPrefix, blobs, opts), Blobs: blobs}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
