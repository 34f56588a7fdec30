package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cppla/imghost/middleware"
	"github.com/cppla/imghost/services"
	"github.com/cppla/imghost/utils"
)

// AuthController handles admin login and session status.
type AuthController struct {
	sessions     *services.SessionManager
	secureCookie bool
}

// NewAuthController creates a new AuthController. secureCookie marks the session cookie HTTPS only.
func NewAuthController(sessions *services.SessionManager, secureCookie bool) *AuthController {
	return &AuthController{sessions: sessions, secureCookie: secureCookie}
}

// Login checks the admin password and sets the session cookie.
func (a *AuthController) Login(ctx *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "invalid request payload")
		return
	}

	sess, err := a.sessions.Login(req.Password)
	if err != nil {
		utils.Error(ctx, http.StatusUnauthorized, 40106, "Invalid password")
		return
	}

	ctx.SetSameSite(http.SameSiteLaxMode)
	ctx.SetCookie(middleware.SessionCookieName, sess.Token, int(a.sessions.TTL().Seconds()), "/", "", a.secureCookie, true)
	utils.Success(ctx, gin.H{"success": true, "message": "Login successful", "token": sess.Token, "expiresAt": sess.ExpiresAt})
}

// Logout revokes the current session and clears the cookie.
func (a *AuthController) Logout(ctx *gin.Context) {
	if token := middleware.SessionToken(ctx); token != "" {
		a.sessions.Logout(ctx.Request.Context(), token)
	}
	ctx.SetSameSite(http.SameSiteLaxMode)
	ctx.SetCookie(middleware.SessionCookieName, "", -1, "/", "", a.secureCookie, true)
	utils.Success(ctx, gin.H{"success": true, "message": "Logout successful"})
}

// Status reports whether the caller holds a valid admin session.
func (a *AuthController) Status(ctx *gin.Context) {
	_, err := a.sessions.Validate(ctx.Request.Context(), middleware.SessionToken(ctx))
	utils.Success(ctx, gin.H{"isAuthenticated": err == nil})
}

// User returns the static admin profile.
func (a *AuthController) User(ctx *gin.Context) {
	utils.Success(ctx, gin.H{
		"id":              "admin",
		"email":           "admin@example.com",
		"firstName":       "Admin",
		"lastName":        "",
		"profileImageUrl": nil,
	})
}
