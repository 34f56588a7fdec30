package utils

import (
	"context"
	"errors"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// ShortIDLength is the length of every public image handle.
	ShortIDLength = 8

	shortIDAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	maxShortIDAttempts = 10
)

// ErrShortIDExhausted is returned when no unused short ID was found within the attempt budget.
var ErrShortIDExhausted = errors.New("could not allocate a unique short id")

// GenerateShortID returns a random URL-safe nanoid of ShortIDLength characters.
func GenerateShortID() (string, error) {
	return gonanoid.Generate(shortIDAlphabet, ShortIDLength)
}

// IsShortID reports whether s has the short ID length and alphabet.
func IsShortID(s string) bool {
	if len(s) != ShortIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// UniqueShortID generates IDs until exists reports one as unused.
func UniqueShortID(ctx context.Context, exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < maxShortIDAttempts; i++ {
		id, err := GenerateShortID()
		if err != nil {
			return "", fmt.Errorf("generate short id: %w", err)
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check short id: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrShortIDExhausted
}
