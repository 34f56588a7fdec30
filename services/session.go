package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/imghost/utils"
)

var (
	// ErrInvalidPassword is returned by Login for a wrong admin password.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidSession is returned by Validate for a missing, expired or revoked token.
	ErrInvalidSession = errors.New("invalid session")
)

// Session is an issued admin session.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// SessionManager authenticates the single admin and issues signed session tokens.
type SessionManager struct {
	passwordHash string
	secret       []byte
	ttl          time.Duration
	blacklist    *utils.TokenBlacklist
	now          func() time.Time
	log          *zap.Logger
}

// NewSessionManager hashes the configured password once so it is never compared in plain text.
func NewSessionManager(password string, secret []byte, ttl time.Duration, blacklist *utils.TokenBlacklist, now func() time.Time, log *zap.Logger) (*SessionManager, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if blacklist == nil {
		blacklist = utils.NewTokenBlacklist(nil, "")
	}
	return &SessionManager{
		passwordHash: hash,
		secret:       secret,
		ttl:          ttl,
		blacklist:    blacklist,
		now:          now,
		log:          log.Named("session"),
	}, nil
}

// TTL is the lifetime of a new session.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Login checks the password and issues a session.
func (m *SessionManager) Login(password string) (*Session, error) {
	if password == "" || !utils.CheckPassword(m.passwordHash, password) {
		return nil, ErrInvalidPassword
	}
	token, claims, err := utils.GenerateToken(m.secret, m.ttl, m.now())
	if err != nil {
		return nil, err
	}
	m.log.Info("admin logged in", zap.String("session_id", claims.ID))
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Validate returns the claims of a live, unrevoked session token.
func (m *SessionManager) Validate(ctx context.Context, token string) (*utils.Claims, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	claims, err := utils.ParseToken(m.secret, token, m.now())
	if err != nil {
		return nil, ErrInvalidSession
	}
	if m.blacklist.IsRevoked(ctx, claims.ID) {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// Logout revokes token for the rest of its lifetime. Invalid tokens are ignored.
func (m *SessionManager) Logout(ctx context.Context, token string) {
	claims, err := utils.ParseToken(m.secret, token, m.now())
	if err != nil {
		return
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	m.blacklist.Revoke(ctx, claims.ID, ttl)
	m.log.Info("admin logged out", zap.String("session_id", claims.ID))
}
