package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/imghost/models"
)

// MemoryStore indexes records in process memory; bytes go to a BlobStore.
// Ids restart at 1 with every process.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[int64]*models.Image
	byShort map[string]int64
	nextID  int64

	blobs BlobStore
	opts  Options
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(blobs BlobStore, opts Options) *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]*models.Image),
		byShort: make(map[string]int64),
		nextID:  1,
		blobs:   blobs,
		opts:    opts.withDefaults(),
	}
}

func (s *MemoryStore) CreateImage(_ context.Context, in models.NewImage) (*models.Image, error) {
	now := s.opts.Now()
	return s.insert(in, now, s.opts.initialExpiry(now))
}

// insert is shared by CreateImage and the startup rescan, which keeps file mod times.
func (s *MemoryStore) insert(in models.NewImage, uploadedAt time.Time, expiresAt *time.Time) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byShort[in.ShortID]; taken {
		return nil, ErrDuplicateShortID
	}
	img := &models.Image{
		ID:           s.nextID,
		ShortID:      in.ShortID,
		Filename:     in.Filename,
		OriginalName: in.OriginalName,
		MimeType:     in.MimeType,
		Size:         in.Size,
		Width:        in.Width,
		Height:       in.Height,
		UploadedAt:   uploadedAt,
		ExpiresAt:    expiresAt,
	}
	s.nextID++
	s.byID[img.ID] = img
	s.byShort[img.ShortID] = img.ID
	return img.Clone(), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id int64) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return img.Clone(), nil
}

func (s *MemoryStore) GetByShortID(_ context.Context, shortID string) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byShort[shortID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) ShortIDExists(_ context.Context, shortID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byShort[shortID]
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.Image, error) {
	s.mu.RLock()
	out := make([]models.Image, 0, len(s.byID))
	for _, img := range s.byID {
		out = append(out, *img.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	img, ok := s.byID[id]
	if ok {
		s.removeLocked(img)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	deleteBlob(ctx, s.blobs, s.opts.Logger, img)
	return true, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	var expired []*models.Image
	for _, img := range s.byID {
		if img.IsExpired(now) {
			expired = append(expired, img)
			s.removeLocked(img)
		}
	}
	s.mu.Unlock()

	for _, img := range expired {
		deleteBlob(ctx, s.blobs, s.opts.Logger, img)
	}
	if len(expired) > 0 {
		s.opts.Logger.Info("expired images removed", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

func (s *MemoryStore) SetExpiration(_ context.Context, id int64, days int) (bool, error) {
	if err := ValidateDays(days); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	t := expiryAfterDays(s.opts.Now(), days)
	img.ExpiresAt = &t
	return true, nil
}

func (s *MemoryStore) ReadContent(ctx context.Context, img *models.Image) ([]byte, error) {
	return readBlob(ctx, s.blobs, img)
}

// Len returns the number of indexed records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *MemoryStore) removeLocked(img *models.Image) {
	delete(s.byID, img.ID)
	delete(s.byShort, img.ShortID)
}

func sortNewestFirst(images []models.Image) {
	sort.SliceStable(images, func(i, j int) bool {
		if !images[i].UploadedAt.Equal(images[j].UploadedAt) {
			return images[i].UploadedAt.After(images[j].UploadedAt)
		}
		return images[i].ID > images[j].ID
	})
}

var _ ImageStore = (*MemoryStore)(nil)
