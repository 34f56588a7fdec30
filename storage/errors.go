package storage

import (
	"errors"
	"fmt"
)

const (
	// MinExpireDays and MaxExpireDays bound SetExpiration.
	MinExpireDays = 1
	MaxExpireDays = 365
)

var (
	// ErrNotFound is returned when no record (or no bytes) exist for the lookup key.
	ErrNotFound = errors.New("image not found")
	// ErrInvalidDays is returned by SetExpiration for days outside 1..365.
	ErrInvalidDays = fmt.Errorf("days must be between %d and %d", MinExpireDays, MaxExpireDays)
	// ErrBlobNotFound is returned by BlobStore.Get and BlobStore.Delete for a missing key.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrDuplicateShortID is returned by CreateImage when the short ID is already taken.
	ErrDuplicateShortID = errors.New("short id already in use")
)

// ValidateDays reports ErrInvalidDays unless days is within the accepted range.
func ValidateDays(days int) error {
	if days < MinExpireDays || days > MaxExpireDays {
		return ErrInvalidDays
	}
	return nil
}
