package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/imghost/models"
)

// SQLStore keeps records in the images table through gorm (MySQL or SQLite).
// All timestamps are written in UTC so range queries compare consistently.
type SQLStore struct {
	db    *gorm.DB
	blobs BlobStore
	opts  Options
}

// NewSQLStore migrates the images table and returns the store.
func NewSQLStore(db *gorm.DB, blobs BlobStore, opts Options) (*SQLStore, error) {
	if err := db.AutoMigrate(&models.Image{}); err != nil {
		return nil, fmt.Errorf("migrate images: %w", err)
	}
	return &SQLStore{db: db, blobs: blobs, opts: opts.withDefaults()}, nil
}

func (s *SQLStore) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *SQLStore) CreateImage(ctx context.Context, in models.NewImage) (*models.Image, error) {
	now := s.now()
	img := &models.Image{
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
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Image{}).Where("short_id = ?", in.ShortID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateShortID
		}
		return tx.Create(img).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateShortID) || isDuplicateKey(err) {
			return nil, ErrDuplicateShortID
		}
		return nil, fmt.Errorf("create image: %w", err)
	}
	return img, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id int64) (*models.Image, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *SQLStore) GetByShortID(ctx context.Context, shortID string) (*models.Image, error) {
	return s.first(ctx, "short_id = ?", shortID)
}

func (s *SQLStore) first(ctx context.Context, query string, arg any) (*models.Image, error) {
	var img models.Image
	if err := s.db.WithContext(ctx).Where(query, arg).First(&img).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &img, nil
}

func (s *SQLStore) ShortIDExists(ctx context.Context, shortID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Image{}).Where("short_id = ?", shortID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) List(ctx context.Context) ([]models.Image, error) {
	var out []models.Image
	if err := s.db.WithContext(ctx).Order("uploaded_at DESC").Order("id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id int64) (bool, error) {
	var img models.Image
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&img).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Image{}, id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete image %d: %w", id, err)
	}
	deleteBlob(ctx, s.blobs, s.opts.Logger, &img)
	return true, nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []models.Image
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(expired))
		for _, img := range expired {
			ids = append(ids, img.ID)
		}
		return tx.Where("id IN ?", ids).Delete(&models.Image{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	for i := range expired {
		deleteBlob(ctx, s.blobs, s.opts.Logger, &expired[i])
	}
	if len(expired) > 0 {
		s.opts.Logger.Info("expired images removed", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

func (s *SQLStore) SetExpiration(ctx context.Context, id int64, days int) (bool, error) {
	if err := ValidateDays(days); err != nil {
		return false, err
	}
	expiresAt := expiryAfterDays(s.now(), days)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var img models.Image
		if err := tx.Select("id").Where("id = ?", id).First(&img).Error; err != nil {
			return err
		}
		return tx.Model(&models.Image{}).Where("id = ?", id).Update("expires_at", expiresAt).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("set expiration %d: %w", id, err)
	}
	return true, nil
}

func (s *SQLStore) ReadContent(ctx context.Context, img *models.Image) ([]byte, error) {
	return readBlob(ctx, s.blobs, img)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}

var _ ImageStore = (*SQLStore)(nil)
