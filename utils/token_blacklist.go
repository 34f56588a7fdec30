package utils

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "jwt:blacklist:"

// TokenBlacklist remembers revoked session token ids until they would have expired.
// Redis is preferred so every instance sees a logout; without it an in-process cache is used.
type TokenBlacklist struct {
	rc     *redis.Client
	prefix string
	mem    *cache.Cache
}

// NewTokenBlacklist creates a blacklist; rc may be nil.
func NewTokenBlacklist(rc *redis.Client, prefix string) *TokenBlacklist {
	return &TokenBlacklist{
		rc:     rc,
		prefix: prefix + blacklistKeyPrefix,
		mem:    cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// Revoke stores a token id for ttl, the remaining lifetime of the token.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, ttl time.Duration) {
	if ttl <= 0 || tokenID == "" {
		return
	}
	if b.rc != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := b.rc.Set(ctx, b.prefix+tokenID, "1", ttl).Err(); err == nil {
			return
		}
		Sugar.Warnf("token blacklist redis set failed, using memory for id=%s", tokenID)
	}
	b.mem.Set(tokenID, struct{}{}, ttl)
}

// IsRevoked checks if a token id was revoked before natural expiration.
func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if _, ok := b.mem.Get(tokenID); ok {
		return true
	}
	if b.rc == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := b.rc.Exists(ctx, b.prefix+tokenID).Result()
	if err != nil {
		// fail open to avoid locking the admin out when redis is down
		return false
	}
	return n > 0
}
