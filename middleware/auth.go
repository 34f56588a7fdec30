package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/imghost/utils"
)

const (
	// SessionCookieName carries the admin session token.
	SessionCookieName = "admin_session"
	// ContextSessionIDKey stores the authenticated session id in Gin context.
	ContextSessionIDKey = "session_id"
)

// SessionValidator is satisfied by services.SessionManager.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*utils.Claims, error)
}

// SessionToken reads the session cookie, falling back to an Authorization bearer token.
func SessionToken(ctx *gin.Context) string {
	if cookie, err := ctx.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie
	}
	authHeader := ctx.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AdminRequired rejects requests without a valid admin session.
func AdminRequired(sessions SessionValidator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := SessionToken(ctx)
		if token == "" {
			utils.Abort(ctx, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		claims, err := sessions.Validate(ctx.Request.Context(), token)
		if err != nil {
			utils.Abort(ctx, http.StatusUnauthorized, 40105, "unauthorized")
			return
		}
		ctx.Set(ContextSessionIDKey, claims.ID)
		ctx.Next()
	}
}
