package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cppla/imghost/media"
	"github.com/cppla/imghost/models"
	"github.com/cppla/imghost/storage"
	"github.com/cppla/imghost/utils"
)

// Storage key prefixes per transport.
const (
	KeyPrefixMultipart = "images"
	KeyPrefixBase64    = "base64"

	createAttempts = 3
)

var (
	// ErrAllItemsFailed is returned when a batch produced no stored image.
	ErrAllItemsFailed = errors.New("failed to process any images")
	// ErrPayloadTooLarge is returned for a single item above the size limit.
	ErrPayloadTooLarge = errors.New("file too large")
	// ErrInvalidBase64 is returned when an item's data is not base64.
	ErrInvalidBase64 = errors.New("invalid base64 data")
)

// Item is one uploaded image before normalization.
type Item struct {
	Data         []byte
	OriginalName string
	MimeType     string
	// KeyPrefix selects the storage key prefix; empty means KeyPrefixMultipart.
	KeyPrefix string
}

// Ingestor runs the upload pipeline: normalize, store bytes, assign a short ID, record metadata.
type Ingestor struct {
	images     storage.ImageStore
	blobs      storage.BlobStore
	normalizer *media.Normalizer
	maxBytes   int64
	now        func() time.Time
	log        *zap.Logger
}

// NewIngestor wires the pipeline. maxBytes <= 0 disables the per-item size check.
func NewIngestor(images storage.ImageStore, blobs storage.BlobStore, normalizer *media.Normalizer, maxBytes int64, now func() time.Time, log *zap.Logger) *Ingestor {
	if normalizer == nil {
		normalizer = media.NewNormalizer(0, 0)
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		images:     images,
		blobs:      blobs,
		normalizer: normalizer,
		maxBytes:   maxBytes,
		now:        now,
		log:        log.Named("ingest"),
	}
}

// MaxBytes returns the per-item size limit.
func (in *Ingestor) MaxBytes() int64 { return in.maxBytes }

// IngestBatch processes items one after another. Items that fail are logged and skipped.
// It returns ErrAllItemsFailed when nothing was stored.
func (in *Ingestor) IngestBatch(ctx context.Context, items []Item) ([]*models.Image, error) {
	stored := make([]*models.Image, 0, len(items))
	for i, item := range items {
		img, err := in.Ingest(ctx, item)
		if err != nil {
			in.log.Warn("skipping upload item",
				zap.Int("index", i),
				zap.String("original_name", item.OriginalName),
				zap.String("mime_type", item.MimeType),
				zap.Error(err))
			continue
		}
		stored = append(stored, img)
	}
	if len(stored) == 0 {
		return nil, ErrAllItemsFailed
	}
	return stored, nil
}

// Ingest stores a single item.
func (in *Ingestor) Ingest(ctx context.Context, item Item) (*models.Image, error) {
	if in.maxBytes > 0 && int64(len(item.Data)) > in.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrPayloadTooLarge, humanize.Bytes(uint64(len(item.Data))))
	}
	if !media.IsAccepted(item.MimeType) {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedType, item.MimeType)
	}

	res, err := in.normalizer.Normalize(item.Data, item.MimeType)
	if err != nil {
		return nil, err
	}
	if res.RecodeErr != nil {
		in.log.Warn("resize failed, keeping original bytes",
			zap.String("original_name", item.OriginalName), zap.Error(res.RecodeErr))
	}
	if res.Resized {
		in.log.Debug("image resized",
			zap.String("from", humanize.Bytes(uint64(len(item.Data)))),
			zap.String("to", humanize.Bytes(uint64(res.Size))),
			zap.Int("width", res.Width), zap.Int("height", res.Height))
	}

	key := in.storageKey(item.KeyPrefix, res.MimeType)
	if err := in.blobs.Put(ctx, key, res.Data); err != nil {
		return nil, fmt.Errorf("store bytes: %w", err)
	}

	img, err := in.createRecord(ctx, models.NewImage{
		Filename:     key,
		OriginalName: utils.SanitizeFilename(item.OriginalName),
		MimeType:     res.MimeType,
		Size:         res.Size,
		Width:        models.IntPtr(res.Width),
		Height:       models.IntPtr(res.Height),
	})
	if err != nil {
		if delErr := in.blobs.Delete(ctx, key); delErr != nil && !errors.Is(delErr, storage.ErrBlobNotFound) {
			in.log.Error("remove orphaned bytes failed", zap.String("filename", key), zap.Error(delErr))
		}
		return nil, err
	}

	in.log.Info("image stored",
		zap.Int64("id", img.ID),
		zap.String("short_id", img.ShortID),
		zap.String("mime_type", img.MimeType),
		zap.String("size", humanize.Bytes(uint64(img.Size))))
	return img, nil
}

// createRecord retries when another upload claims the same short ID between check and insert.
func (in *Ingestor) createRecord(ctx context.Context, rec models.NewImage) (*models.Image, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		shortID, err := utils.UniqueShortID(ctx, in.images.ShortIDExists)
		if err != nil {
			return nil, err
		}
		rec.ShortID = shortID
		img, err := in.images.CreateImage(ctx, rec)
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, storage.ErrDuplicateShortID) {
			return nil, fmt.Errorf("create record: %w", err)
		}
		lastErr = err
	}
	return nil, lastErr
}

func (in *Ingestor) storageKey(prefix, mime string) string {
	if prefix == "" {
		prefix = KeyPrefixMultipart
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s%s", prefix, in.now().UnixMilli(), suffix, media.ExtensionFor(mime))
}

// DecodeBase64 accepts raw base64 or a data URL ("data:image/png;base64,...").
func DecodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if i := strings.Index(data, ";base64,"); i >= 0 {
			data = data[i+len(";base64,"):]
		}
	}
	if data == "" {
		return nil, ErrInvalidBase64
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(data); err == nil {
			return b, nil
		}
	}
	return nil, ErrInvalidBase64
}
