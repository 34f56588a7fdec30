package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/imghost/models"
)

// ImageStore is the metadata index for hosted images. Every method is atomic with
// respect to concurrent callers. Bytes live in a BlobStore keyed by Image.Filename.
type ImageStore interface {
	// CreateImage assigns the id and upload time and stores the record.
	CreateImage(ctx context.Context, in models.NewImage) (*models.Image, error)
	GetByID(ctx context.Context, id int64) (*models.Image, error)
	GetByShortID(ctx context.Context, shortID string) (*models.Image, error)
	ShortIDExists(ctx context.Context, shortID string) (bool, error)
	// List returns every record, newest upload first.
	List(ctx context.Context) ([]models.Image, error)
	// Delete removes the record and its bytes. It reports false when no record existed.
	Delete(ctx context.Context, id int64) (bool, error)
	// DeleteExpired removes every record whose expiry is at or before now and returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// SetExpiration sets the expiry to now + days. It reports false when no record existed.
	SetExpiration(ctx context.Context, id int64, days int) (bool, error)
	// ReadContent returns the stored bytes for img, ErrNotFound when they are gone.
	ReadContent(ctx context.Context, img *models.Image) ([]byte, error)
}

// Options are shared by every ImageStore implementation.
type Options struct {
	// Now is the clock; tests replace it to move time forward.
	Now func() time.Time
	// DefaultExpireDays, when positive, gives new records an expiry.
	DefaultExpireDays int
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// initialExpiry returns the expiry stamped on a freshly created record.
func (o Options) initialExpiry(uploadedAt time.Time) *time.Time {
	if o.DefaultExpireDays <= 0 {
		return nil
	}
	t := uploadedAt.Add(time.Duration(o.DefaultExpireDays) * 24 * time.Hour)
	return &t
}

func expiryAfterDays(now time.Time, days int) time.Time {
	return now.Add(time.Duration(days) * 24 * time.Hour)
}

// deleteBlob removes bytes and treats a missing key as satisfied.
func deleteBlob(ctx context.Context, blobs BlobStore, log *zap.Logger, img *models.Image) {
	if err := blobs.Delete(ctx, img.Filename); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			log.Warn("image bytes already missing", zap.Int64("id", img.ID), zap.String("filename", img.Filename))
			return
		}
		log.Error("delete image bytes failed", zap.Int64("id", img.ID), zap.String("filename", img.Filename), zap.Error(err))
	}
}

func readBlob(ctx context.Context, blobs BlobStore, img *models.Image) ([]byte, error) {
	data, err := blobs.Get(ctx, img.Filename)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
