package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cppla/imghost/models"
)

const redisWatchRetries = 5

// RedisStore keeps records as JSON values in Redis:
//
//	<prefix>image:seq         id counter
//	<prefix>image:<id>        JSON record
//	<prefix>short:<shortId>   id
//	<prefix>image:shorts      hash of id -> shortId, survives a corrupt record
//	<prefix>images            sorted set of ids scored by upload time (ms)
type RedisStore struct {
	client *redis.Client
	prefix string
	blobs  BlobStore
	opts   Options
}

// NewRedisStore creates a store sharing client; blobs usually is a RedisBlobStore on the same client.
func NewRedisStore(client *redis.Client, prefix string, blobs BlobStore, opts Options) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, blobs: blobs, opts: opts.withDefaults()}
}

func (s *RedisStore) seqKey() string { return s.prefix + "image:seq" }
func (s *RedisStore) timelineKey() string { return s.prefix + "images" }
func (s *RedisStore) recordKey(id int64) string { return s.prefix + "image:" + strconv.FormatInt(id, 10) }
func (s *RedisStore) shortKey(shortID string) string { return s.prefix + "short:" + shortID }
func (s *RedisStore) shortsKey() string { return s.prefix + "image:shorts" }

func (s *RedisStore) CreateImage(ctx context.Context, in models.NewImage) (*models.Image, error) {
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate id: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.shortKey(in.ShortID), id, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve short id: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateShortID
	}

	now := s.opts.Now()
	img := &models.Image{
		ID:           id,
		ShortID:      in.ShortID,
		Filename:     in.Filename,
		OriginalName: in.OriginalName,
		MimeType:     in.MimeType,
		Size:         in.Size,
		Width:        in.Width,
		Height:       in.Height,
		UploadedAt:   now,
		ExpiresAt:    s.opts.initialExpiry(now),
	}
	payload, err := json.Marshal(img)
	if err != nil {
		s.client.Del(ctx, s.shortKey(in.ShortID))
		return nil, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(id), payload, 0)
		pipe.HSet(ctx, s.shortsKey(), strconv.FormatInt(id, 10), in.ShortID)
		pipe.ZAdd(ctx, s.timelineKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		s.client.Del(ctx, s.shortKey(in.ShortID))
		return nil, fmt.Errorf("store record: %w", err)
	}
	return img, nil
}

func (s *RedisStore) GetByID(ctx context.Context, id int64) (*models.Image, error) {
	payload, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var img models.Image
	if err := json.Unmarshal(payload, &img); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return &img, nil
}

func (s *RedisStore) GetByShortID(ctx context.Context, shortID string) (*models.Image, error) {
	id, err := s.client.Get(ctx, s.shortKey(shortID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *RedisStore) ShortIDExists(ctx context.Context, shortID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.shortKey(shortID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List skips records that are missing or cannot be decoded; the sweep removes those.
func (s *RedisStore) List(ctx context.Context) ([]models.Image, error) {
	entries, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Image, 0, len(entries))
	for _, e := range entries {
		if e.img != nil {
			out = append(out, *e.img)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id int64) (bool, error) {
	img, err := s.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	removed, err := s.removeRecord(ctx, img)
	if err != nil || !removed {
		return removed, err
	}
	deleteBlob(ctx, s.blobs, s.opts.Logger, img)
	return true, nil
}

// removeRecord deletes the metadata keys and reports whether this call removed the record.
func (s *RedisStore) removeRecord(ctx context.Context, img *models.Image) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(img.ID))
		pipe.Del(ctx, s.shortKey(img.ShortID))
		pipe.HDel(ctx, s.shortsKey(), strconv.FormatInt(img.ID, 10))
		pipe.ZRem(ctx, s.timelineKey(), img.ID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete record %d: %w", img.ID, err)
	}
	return del.Val() > 0, nil
}

// DeleteExpired also removes records whose JSON cannot be decoded and counts them.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	entries, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, e := range entries {
		switch {
		case e.missing:
			s.client.ZRem(ctx, s.timelineKey(), e.id)
		case e.img == nil:
			s.opts.Logger.Warn("removing corrupt image record", zap.Int64("id", e.id))
			if err := s.removeCorrupt(ctx, e.id); err != nil {
				s.opts.Logger.Error("delete corrupt record failed", zap.Int64("id", e.id), zap.Error(err))
				continue
			}
			deleted++
		case e.img.IsExpired(now):
			removed, err := s.removeRecord(ctx, e.img)
			if err != nil {
				s.opts.Logger.Error("delete expired record failed", zap.Int64("id", e.id), zap.Error(err))
				continue
			}
			if removed {
				deleteBlob(ctx, s.blobs, s.opts.Logger, e.img)
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.opts.Logger.Info("expired images removed", zap.Int("count", deleted))
	}
	return deleted, nil
}

// removeCorrupt drops an undecodable record together with the short ID it reserved.
func (s *RedisStore) removeCorrupt(ctx context.Context, id int64) error {
	field := strconv.FormatInt(id, 10)
	shortID, err := s.client.HGet(ctx, s.shortsKey(), field).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		if shortID != "" {
			pipe.Del(ctx, s.shortKey(shortID))
		}
		pipe.HDel(ctx, s.shortsKey(), field)
		pipe.ZRem(ctx, s.timelineKey(), id)
		return nil
	})
	return err
}

func (s *RedisStore) SetExpiration(ctx context.Context, id int64, days int) (bool, error) {
	if err := ValidateDays(days); err != nil {
		return false, err
	}
	key := s.recordKey(id)
	found := false
	txf := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				found = false
				return nil
			}
			return err
		}
		var img models.Image
		if err := json.Unmarshal(payload, &img); err != nil {
			return fmt.Errorf("decode record %d: %w", id, err)
		}
		t := expiryAfterDays(s.opts.Now(), days)
		img.ExpiresAt = &t
		updated, err := json.Marshal(&img)
		if err != nil {
			return err
		}
		found = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return found, nil
	}
	return false, fmt.Errorf("set expiration %d: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) ReadContent(ctx context.Context, img *models.Image) ([]byte, error) {
	return readBlob(ctx, s.blobs, img)
}

type redisEntry struct {
	id      int64
	img     *models.Image // nil when missing or corrupt
	missing bool
}

// scan loads every record referenced by the timeline.
func (s *RedisStore) scan(ctx context.Context) ([]redisEntry, error) {
	members, err := s.client.ZRange(ctx, s.timelineKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(members))
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.opts.Logger.Warn("bad timeline member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
		keys = append(keys, s.recordKey(id))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]redisEntry, 0, len(ids))
	for i, v := range values {
		e := redisEntry{id: ids[i]}
		str, ok := v.(string)
		if v == nil || !ok {
			e.missing = v == nil
			entries = append(entries, e)
			continue
		}
		var img models.Image
		if err := json.Unmarshal([]byte(str), &img); err == nil {
			e.img = &img
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ ImageStore = (*RedisStore)(nil)
