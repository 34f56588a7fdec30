package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/imghost/media"
	"github.com/cppla/imghost/models"
	"github.com/cppla/imghost/storage"
	"github.com/cppla/imghost/utils"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func pngData(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	return buf.Bytes()
}

// noisyPNG encodes random pixels, which PNG cannot compress much.
func noisyPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(1))
	rng.Read(img.Pix)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegData(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(w, h), nil))
	return buf.Bytes()
}

var fixedNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, maxBytes int64) (*Ingestor, *storage.MemoryStore, storage.BlobStore) {
	t.Helper()
	blobs, err := storage.NewFSBlobStore(afero.NewMemMapFs(), "uploads")
	require.NoError(t, err)
	now := func() time.Time { return fixedNow }
	store := storage.NewMemoryStore(blobs, storage.Options{Now: now})
	return NewIngestor(store, blobs, media.NewNormalizer(0, 0), maxBytes, now, nil), store, blobs
}

func TestIngest_SmallPNG(t *testing.T) {
	in, _, blobs := newPipeline(t, 10<<20)
	data := pngData(t, 500, 500)

	img, err := in.Ingest(context.Background(), Item{Data: data, OriginalName: "cat.png", MimeType: "image/png"})
	require.NoError(t, err)

	assert.True(t, utils.IsShortID(img.ShortID))
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, "cat.png", img.OriginalName)
	assert.Equal(t, int64(len(data)), img.Size)
	assert.Equal(t, 500, *img.Width)
	assert.Equal(t, 500, *img.Height)
	assert.True(t, strings.HasPrefix(img.Filename, "images-1714550400000-"))
	assert.True(t, strings.HasSuffix(img.Filename, ".png"))
	assert.NotEqual(t, "cat.png", img.Filename)

	stored, err := blobs.Get(context.Background(), img.Filename)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestIngest_WideJPEGIsCapped(t *testing.T) {
	in, _, blobs := newPipeline(t, 10<<20)

	img, err := in.Ingest(context.Background(), Item{Data: jpegData(t, 2000, 1000), OriginalName: "wide.jpg", MimeType: "image/jpeg", KeyPrefix: KeyPrefixBase64})
	require.NoError(t, err)
	assert.Equal(t, 1024, *img.Width)
	assert.Equal(t, 512, *img.Height)
	assert.Equal(t, "image/jpeg", img.MimeType)
	assert.True(t, strings.HasPrefix(img.Filename, "base64-"))
	assert.True(t, strings.HasSuffix(img.Filename, ".jpg"))

	stored, err := blobs.Get(context.Background(), img.Filename)
	require.NoError(t, err)
	assert.Equal(t, img.Size, int64(len(stored)))
}

func TestIngest_Rejections(t *testing.T) {
	in, store, _ := newPipeline(t, 1024)
	ctx := context.Background()

	big := noisyPNG(t, 64, 64)
	require.Greater(t, len(big), 1024)
	_, err := in.Ingest(ctx, Item{Data: big, MimeType: "image/png", OriginalName: "big.png"})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = in.Ingest(ctx, Item{Data: []byte("BM..."), MimeType: "image/bmp", OriginalName: "a.bmp"})
	assert.ErrorIs(t, err, media.ErrUnsupportedType)

	_, err = in.Ingest(ctx, Item{Data: []byte("garbage"), MimeType: "image/png", OriginalName: "fake.png"})
	var decErr *media.DecodeError
	assert.True(t, errors.As(err, &decErr))

	assert.Zero(t, store.Len())
}

func TestIngestBatch_SkipsFailuresInOrder(t *testing.T) {
	in, store, _ := newPipeline(t, 10<<20)
	items := []Item{
		{Data: pngData(t, 10, 10), MimeType: "image/png", OriginalName: "one.png"},
		{Data: []byte("nope"), MimeType: "image/png", OriginalName: "broken.png"},
		{Data: jpegData(t, 20, 20), MimeType: "image/jpg", OriginalName: "two.jpg"},
	}

	images, err := in.IngestBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "one.png", images[0].OriginalName)
	assert.Equal(t, "two.jpg", images[1].OriginalName)
	assert.Equal(t, "image/jpeg", images[1].MimeType)
	assert.Less(t, images[0].ID, images[1].ID)
	assert.NotEqual(t, images[0].ShortID, images[1].ShortID)
	assert.Equal(t, 2, store.Len())
}

func TestIngestBatch_AllFailed(t *testing.T) {
	in, _, _ := newPipeline(t, 10<<20)
	_, err := in.IngestBatch(context.Background(), []Item{{Data: []byte("x"), MimeType: "image/png"}})
	assert.ErrorIs(t, err, ErrAllItemsFailed)

	_, err = in.IngestBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAllItemsFailed)
}

// failingStore rejects every record so the pipeline must clean up the bytes it wrote.
type failingStore struct {
	storage.ImageStore
}

func (failingStore) ShortIDExists(context.Context, string) (bool, error) { return false, nil }

func (failingStore) CreateImage(context.Context, models.NewImage) (*models.Image, error) {
	return nil, errors.New("disk full")
}

func TestIngest_RemovesBytesWhenRecordFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	blobs, err := storage.NewFSBlobStore(fs, "uploads")
	require.NoError(t, err)
	in := NewIngestor(failingStore{}, blobs, nil, 0, nil, nil)

	_, err = in.Ingest(context.Background(), Item{Data: pngData(t, 4, 4), MimeType: "image/png", OriginalName: "x.png"})
	require.Error(t, err)

	entries, err := afero.ReadDir(fs, "uploads")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngest_SanitizesOriginalName(t *testing.T) {
	in, _, _ := newPipeline(t, 10<<20)
	img, err := in.Ingest(context.Background(), Item{Data: pngData(t, 4, 4), MimeType: "image/png", OriginalName: `../../<b>evil</b>".png`})
	require.NoError(t, err)
	assert.NotContains(t, img.OriginalName, "/")
	assert.NotContains(t, img.OriginalName, "<")
	assert.NotContains(t, img.OriginalName, `"`)
}

func TestDecodeBase64(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	enc := base64.StdEncoding.EncodeToString(raw)

	got, err := DecodeBase64(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = DecodeBase64("data:image/png;base64," + enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = DecodeBase64(strings.TrimRight(enc, "="))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = DecodeBase64("***")
	assert.ErrorIs(t, err, ErrInvalidBase64)
	_, err = DecodeBase64("data:image/png;base64,")
	assert.ErrorIs(t, err, ErrInvalidBase64)
}
