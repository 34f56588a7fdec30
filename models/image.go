package models

import "time"

// Image is the metadata record of one hosted image. Only ExpiresAt changes after creation.
type Image struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ShortID      string     `gorm:"size:16;uniqueIndex;not null" json:"shortId"`
	Filename     string     `gorm:"size:255;not null" json:"filename"` // storage key, not the user supplied name
	OriginalName string     `gorm:"size:255" json:"originalName"`
	MimeType     string     `gorm:"size:32;not null" json:"mimeType"`
	Size         int64      `gorm:"not null" json:"size"`
	Width        *int       `json:"width"`
	Height       *int       `json:"height"`
	UploadedAt   time.Time  `gorm:"index;not null" json:"uploadedAt"`
	ExpiresAt    *time.Time `gorm:"index" json:"expiresAt"`
	ShortURL     string     `gorm:"-" json:"shortUrl,omitempty"`
}

// NewImage carries the fields supplied by the upload pipeline; the store assigns the rest.
type NewImage struct {
	ShortID      string
	Filename     string
	OriginalName string
	MimeType     string
	Size         int64
	Width        *int
	Height       *int
}

// IsExpired reports whether the image must no longer be served at now.
func (img *Image) IsExpired(now time.Time) bool {
	return img.ExpiresAt != nil && !img.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (img *Image) Clone() *Image {
	cp := *img
	if img.Width != nil {
		w := *img.Width
		cp.Width = &w
	}
	if img.Height != nil {
		h := *img.Height
		cp.Height = &h
	}
	if img.ExpiresAt != nil {
		e := *img.ExpiresAt
		cp.ExpiresAt = &e
	}
	return &cp
}

// WithShortURL returns a copy decorated with the public short link under origin.
func (img *Image) WithShortURL(origin string) *Image {
	cp := img.Clone()
	cp.ShortURL = origin + "/i/" + img.ShortID
	return cp
}

// IntPtr is a small helper for the optional dimension fields.
func IntPtr(v int) *int {
	return &v
}
