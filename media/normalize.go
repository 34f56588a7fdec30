package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxWidth caps the stored width; wider images are re-encoded.
	DefaultMaxWidth = 1024
	// DefaultJPEGQuality is used when re-encoding oversized images.
	DefaultJPEGQuality = 85
)

// ErrUnsupportedType marks content outside the accepted raster formats.
var ErrUnsupportedType = errors.New("unsupported image type")

var acceptedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// DecodeError is returned when the bytes are not a decodable image of an accepted type.
type DecodeError struct {
	MimeType string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.MimeType == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image (%s): %v", e.MimeType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CanonicalType lowercases a MIME type, drops parameters and folds the image/jpg alias.
func CanonicalType(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" || mime == "image/pjpeg" {
		return "image/jpeg"
	}
	return mime
}

// IsAccepted reports whether mime (after canonicalization) may be uploaded.
func IsAccepted(mime string) bool {
	_, ok := acceptedTypes[CanonicalType(mime)]
	return ok
}

// ExtensionFor returns the file extension used for storage keys of the given type.
func ExtensionFor(mime string) string {
	switch CanonicalType(mime) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// TypeForExtension maps a storage key extension back to its MIME type.
func TypeForExtension(ext string) (string, bool) {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg", true
	case ".png":
		return "image/png", true
	case ".gif":
		return "image/gif", true
	case ".webp":
		return "image/webp", true
	}
	return "", false
}

// Result is the outcome of Normalize.
type Result struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Size     int64
	Resized  bool
	// RecodeErr is set when the image was too wide but could not be re-encoded;
	// Data then holds the original bytes.
	RecodeErr error
}

// Normalizer caps image width by re-encoding to JPEG.
type Normalizer struct {
	maxWidth int
	quality  int
}

// NewNormalizer returns a Normalizer; non-positive arguments fall back to the defaults.
func NewNormalizer(maxWidth, quality int) *Normalizer {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Normalizer{maxWidth: maxWidth, quality: quality}
}

// MaxWidth returns the configured width cap.
func (n *Normalizer) MaxWidth() int { return n.maxWidth }

// Detect sniffs the MIME type of data and reports whether it is accepted.
func Detect(data []byte) (string, bool) {
	detected := CanonicalType(mimetype.Detect(data).String())
	_, ok := acceptedTypes[detected]
	return detected, ok
}

// Normalize probes data and re-encodes it when wider than the cap.
// Images within the cap are returned byte for byte with the declared type.
func (n *Normalizer) Normalize(data []byte, declaredMime string) (*Result, error) {
	if len(data) == 0 {
		return nil, &DecodeError{MimeType: declaredMime, Err: errors.New("empty payload")}
	}
	detected, ok := Detect(data)
	if !ok {
		return nil, &DecodeError{MimeType: detected, Err: ErrUnsupportedType}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{MimeType: detected, Err: err}
	}

	mime := CanonicalType(declaredMime)
	if !IsAccepted(mime) {
		mime = detected
	}

	res := &Result{
		Data:     data,
		MimeType: mime,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Size:     int64(len(data)),
	}
	if cfg.Width <= n.maxWidth {
		return res, nil
	}

	recoded, w, h, err := n.recode(data, cfg.Width, cfg.Height)
	if err != nil {
		res.RecodeErr = err
		return res, nil
	}
	return &Result{
		Data:     recoded,
		MimeType: "image/jpeg",
		Width:    w,
		Height:   h,
		Size:     int64(len(recoded)),
		Resized:  true,
	}, nil
}

// Dimensions reads only the image header.
func Dimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// ScaledHeight keeps the aspect ratio when width is reduced to maxWidth.
func ScaledHeight(width, height, maxWidth int) int {
	h := int(math.Round(float64(height) * float64(maxWidth) / float64(width)))
	if h < 1 {
		h = 1
	}
	return h
}

func (n *Normalizer) recode(data []byte, width, height int) ([]byte, int, int, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode for resize: %w", err)
	}
	h := ScaledHeight(width, height, n.maxWidth)
	dst := imaging.Resize(src, n.maxWidth, h, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(n.quality)); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	b := dst.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}
