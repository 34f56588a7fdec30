package controllers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/imghost/media"
	"github.com/cppla/imghost/models"
	"github.com/cppla/imghost/services"
	"github.com/cppla/imghost/storage"
	"github.com/cppla/imghost/utils"
)

// multipartSlack covers form boundaries and headers on top of the file bytes.
const multipartSlack = 1 << 20

// ImageController serves upload, lookup, serving and expiration endpoints.
type ImageController struct {
	images        storage.ImageStore
	ingest        *services.Ingestor
	sweeper       *services.Sweeper
	now           func() time.Time
	publicBaseURL string
	maxFiles      int
	log           *zap.Logger
}

// ImageControllerOptions configures NewImageController.
type ImageControllerOptions struct {
	// PublicBaseURL prefixes short links; empty derives the origin from the request.
	PublicBaseURL string
	MaxFiles      int
	Now           func() time.Time
	Logger        *zap.Logger
}

// NewImageController creates a new ImageController instance.
func NewImageController(images storage.ImageStore, ingest *services.Ingestor, sweeper *services.Sweeper, opts ImageControllerOptions) *ImageController {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 10
	}
	return &ImageController{
		images:        images,
		ingest:        ingest,
		sweeper:       sweeper,
		now:           opts.Now,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		maxFiles:      opts.MaxFiles,
		log:           opts.Logger,
	}
}

// Upload accepts multipart form data with up to maxFiles parts in the "images" field.
func (ic *ImageController) Upload(ctx *gin.Context) {
	maxBytes := ic.ingest.MaxBytes()
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, int64(ic.maxFiles)*maxBytes+multipartSlack)

	form, err := ctx.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.Error(ctx, http.StatusRequestEntityTooLarge, 41301, "File too large")
			return
		}
		utils.Error(ctx, http.StatusBadRequest, 40001, "No files uploaded")
		return
	}
	defer func() { _ = form.RemoveAll() }()

	files := form.File["images"]
	if len(files) > ic.maxFiles {
		utils.Error(ctx, http.StatusBadRequest, 40002, fmt.Sprintf("Too many files, at most %d per upload", ic.maxFiles))
		return
	}
	for _, fh := range files {
		if fh.Size > maxBytes {
			utils.Error(ctx, http.StatusRequestEntityTooLarge, 41301, "File too large")
			return
		}
	}

	items := make([]services.Item, 0, len(files))
	for _, fh := range files {
		mimeType := media.CanonicalType(fh.Header.Get("Content-Type"))
		if !media.IsAccepted(mimeType) {
			continue
		}
		data, err := readPart(fh)
		if err != nil {
			ic.logger(ctx).Warn("read upload part failed", zap.String("filename", fh.Filename), zap.Error(err))
			continue
		}
		items = append(items, services.Item{
			Data:         data,
			OriginalName: fh.Filename,
			MimeType:     mimeType,
			KeyPrefix:    services.KeyPrefixMultipart,
		})
	}
	if len(items) == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40001, "No files uploaded")
		return
	}

	ic.store(ctx, items)
}

type base64Image struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// UploadBase64 accepts {"images":[{"data","filename","mimeType"}]}.
func (ic *ImageController) UploadBase64(ctx *gin.Context) {
	maxBytes := ic.ingest.MaxBytes()
	// base64 inflates by 4/3
	limit := int64(ic.maxFiles)*(maxBytes/3*4+4) + multipartSlack
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, limit)

	var req struct {
		Images []base64Image `json:"images"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.Error(ctx, http.StatusRequestEntityTooLarge, 41301, "Payload too large")
			return
		}
		utils.Error(ctx, http.StatusBadRequest, 40003, "No images provided")
		return
	}
	if len(req.Images) == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40003, "No images provided")
		return
	}

	items := make([]services.Item, 0, len(req.Images))
	for i, img := range req.Images {
		if img.Data == "" || img.Filename == "" || img.MimeType == "" {
			continue
		}
		if !media.IsAccepted(img.MimeType) {
			continue
		}
		data, err := services.DecodeBase64(img.Data)
		if err != nil {
			ic.logger(ctx).Warn("skipping base64 item", zap.Int("index", i), zap.String("filename", img.Filename), zap.Error(err))
			continue
		}
		items = append(items, services.Item{
			Data:         data,
			OriginalName: img.Filename,
			MimeType:     media.CanonicalType(img.MimeType),
			KeyPrefix:    services.KeyPrefixBase64,
		})
	}

	ic.store(ctx, items)
}

func (ic *ImageController) store(ctx *gin.Context, items []services.Item) {
	stored, err := ic.ingest.IngestBatch(ctx.Request.Context(), items)
	if err != nil {
		if errors.Is(err, services.ErrAllItemsFailed) {
			utils.Error(ctx, http.StatusInternalServerError, 50001, "Failed to process any images")
			return
		}
		ic.logger(ctx).Error("upload failed", zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50002, "Upload failed")
		return
	}

	origin := ic.origin(ctx)
	out := make([]*models.Image, 0, len(stored))
	for _, img := range stored {
		out = append(out, img.WithShortURL(origin))
	}
	utils.Success(ctx, gin.H{"images": out})
}

// List returns live images newest first. Expired records found on the way are deleted.
func (ic *ImageController) List(ctx *gin.Context) {
	all, err := ic.images.List(ctx.Request.Context())
	if err != nil {
		ic.logger(ctx).Error("list images failed", zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50003, "Failed to fetch images")
		return
	}

	now := ic.now()
	origin := ic.origin(ctx)
	out := make([]*models.Image, 0, len(all))
	for i := range all {
		if all[i].IsExpired(now) {
			ic.expire(ctx, &all[i])
			continue
		}
		out = append(out, all[i].WithShortURL(origin))
	}
	utils.Success(ctx, gin.H{"images": out})
}

// GetMeta returns the metadata of a live image by short ID.
func (ic *ImageController) GetMeta(ctx *gin.Context) {
	img, ok := ic.liveImage(ctx, ctx.Param("shortId"))
	if !ok {
		return
	}
	utils.Success(ctx, gin.H{"image": img.WithShortURL(ic.origin(ctx))})
}

// Serve writes the image bytes for a short link.
func (ic *ImageController) Serve(ctx *gin.Context) {
	img, ok := ic.liveImage(ctx, ctx.Param("shortId"))
	if !ok {
		return
	}
	data, err := ic.images.ReadContent(ctx.Request.Context(), img)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			utils.Error(ctx, http.StatusNotFound, 40402, "Image file not found")
			return
		}
		ic.logger(ctx).Error("read image failed", zap.String("short_id", img.ShortID), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50004, "Failed to serve image")
		return
	}

	ctx.Header("Cache-Control", "public, max-age=31536000")
	ctx.Header("Content-Disposition", contentDisposition(img.OriginalName))
	ctx.Data(http.StatusOK, img.MimeType, data)
}

// Delete removes an image and its bytes.
func (ic *ImageController) Delete(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	deleted, err := ic.images.Delete(ctx.Request.Context(), id)
	if err != nil {
		ic.logger(ctx).Error("delete image failed", zap.Int64("id", id), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50005, "Failed to delete image")
		return
	}
	if !deleted {
		utils.Error(ctx, http.StatusNotFound, 40401, "Image not found")
		return
	}
	utils.Success(ctx, gin.H{"message": "Image deleted successfully"})
}

// SetExpiration makes an image expire the given number of days from now.
func (ic *ImageController) SetExpiration(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	var req struct {
		Days *int `json:"days"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil || req.Days == nil {
		utils.Error(ctx, http.StatusBadRequest, 40005, "Days must be between 1 and 365")
		return
	}

	updated, err := ic.images.SetExpiration(ctx.Request.Context(), id, *req.Days)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidDays) {
			utils.Error(ctx, http.StatusBadRequest, 40005, "Days must be between 1 and 365")
			return
		}
		ic.logger(ctx).Error("set expiration failed", zap.Int64("id", id), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50006, "Failed to set expiration")
		return
	}
	if !updated {
		utils.Error(ctx, http.StatusNotFound, 40401, "Image not found")
		return
	}
	utils.Success(ctx, gin.H{"message": fmt.Sprintf("Image will expire in %d days", *req.Days)})
}

// Cleanup runs the expiration sweep synchronously.
func (ic *ImageController) Cleanup(ctx *gin.Context) {
	n, err := ic.sweeper.RunOnce(ctx.Request.Context())
	if err != nil {
		ic.logger(ctx).Error("manual cleanup failed", zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50007, "Failed to cleanup expired images")
		return
	}
	utils.Success(ctx, gin.H{
		"message":      fmt.Sprintf("Deleted %d expired images", n),
		"deletedCount": n,
	})
}

// liveImage looks up a short ID and deletes the record on the spot when it has expired.
// It writes the 404 response itself.
func (ic *ImageController) liveImage(ctx *gin.Context, shortID string) (*models.Image, bool) {
	img, err := ic.images.GetByShortID(ctx.Request.Context(), shortID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			ic.logger(ctx).Error("lookup image failed", zap.String("short_id", shortID), zap.Error(err))
			utils.Error(ctx, http.StatusInternalServerError, 50008, "Failed to fetch image")
			return nil, false
		}
		utils.Error(ctx, http.StatusNotFound, 40401, "Image not found")
		return nil, false
	}
	if img.IsExpired(ic.now()) {
		ic.expire(ctx, img)
		utils.Error(ctx, http.StatusNotFound, 40401, "Image not found")
		return nil, false
	}
	return img, true
}

// expire deletes an expired record; losing the race to the sweeper is fine.
func (ic *ImageController) expire(ctx *gin.Context, img *models.Image) {
	if _, err := ic.images.Delete(ctx.Request.Context(), img.ID); err != nil {
		ic.logger(ctx).Warn("lazy expiry delete failed", zap.Int64("id", img.ID), zap.Error(err))
		return
	}
	ic.logger(ctx).Info("expired image removed on read", zap.Int64("id", img.ID), zap.String("short_id", img.ShortID))
}

func (ic *ImageController) origin(ctx *gin.Context) string {
	if ic.publicBaseURL != "" {
		return ic.publicBaseURL
	}
	scheme := "http"
	if ctx.Request.TLS != nil {
		scheme = "https"
	}
	if proto := ctx.GetHeader("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + ctx.Request.Host
}

func (ic *ImageController) logger(ctx *gin.Context) *zap.Logger {
	if id := ctx.GetString(utils.RequestIDKey); id != "" {
		return ic.log.With(zap.String("request_id", id))
	}
	return ic.log
}

func parseID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		utils.Error(ctx, http.StatusBadRequest, 40004, "Invalid image id")
		return 0, false
	}
	return id, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func contentDisposition(name string) string {
	name = strings.NewReplacer(`"`, "", `\`, "", "\r", "", "\n", "").Replace(name)
	if name == "" {
		name = "image"
	}
	return `inline; filename="` + name + `"`
}
