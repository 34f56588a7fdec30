package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBlobStore keeps image bytes as plain string values under prefix + "blob:" + key.
type RedisBlobStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBlobStore creates a blob store sharing the given client.
func NewRedisBlobStore(client *redis.Client, prefix string) *RedisBlobStore {
	return &RedisBlobStore{client: client, prefix: prefix}
}

func (s *RedisBlobStore) key(key string) string {
	return s.prefix + "blob:" + key
}

func (s *RedisBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis put blob %s: %w", key, err)
	}
	return nil
}

func (s *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("redis get blob %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redis delete blob %s: %w", key, err)
	}
	if n == 0 {
		return ErrBlobNotFound
	}
	return nil
}

var _ BlobStore = (*RedisBlobStore)(nil)
