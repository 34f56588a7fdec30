package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/imghost/config"
	"github.com/cppla/imghost/controllers"
	"github.com/cppla/imghost/middleware"
	"github.com/cppla/imghost/utils"
)

// Deps are the constructed controllers and collaborators the router mounts.
type Deps struct {
	Config   config.AppConfig
	Images   *controllers.ImageController
	Auth     *controllers.AuthController
	Sessions middleware.SessionValidator
	// AccessLog receives one line per request; nil opens the rolling file at Config.GinPath.
	AccessLog *zap.Logger
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// multipart parts above this spill to temp files
	r.MaxMultipartMemory = 32 << 20

	gl := d.AccessLog
	if gl == nil && cfg.GinPath == "" {
		gl = utils.Logger
	}
	if gl == nil {
		var err error
		gl, err = utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
		if err != nil {
			utils.Sugar.Warnf("gin access log unavailable, using app logger: %v", err)
			gl = utils.Logger
		}
	}
	r.Use(middleware.RequestID())
	r.Use(utils.Ginzap(gl, time.RFC3339, true))
	r.Use(utils.RecoveryWithZap(gl, true))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		// credentials cannot be combined with a wildcard origin
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	// public short link
	r.GET("/i/:shortId", d.Images.Serve)

	api := r.Group("/api")
	limited := middleware.RateLimit(cfg.RateLimitPerMinute)
	admin := middleware.AdminRequired(d.Sessions)

	api.POST("/login", limited, d.Auth.Login)
	api.POST("/logout", d.Auth.Logout)
	api.GET("/auth/status", d.Auth.Status)
	api.GET("/auth/user", admin, d.Auth.User)

	api.POST("/upload", limited, d.Images.Upload)
	api.POST("/upload-base64", limited, d.Images.UploadBase64)
	api.GET("/images", d.Images.List)
	api.GET("/images/:shortId", d.Images.GetMeta)

	protected := api.Group("", admin)
	protected.DELETE("/images/:id", d.Images.Delete)
	protected.PATCH("/images/:id/expiration", d.Images.SetExpiration)
	protected.POST("/cleanup", d.Images.Cleanup)
	protected.POST("/cleanup-expired", d.Images.Cleanup)

	r.NoRoute(func(ctx *gin.Context) {
		if strings.HasPrefix(ctx.Request.URL.Path, "/api/") {
			utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
			return
		}
		utils.Error(ctx, http.StatusNotFound, 40400, "not found")
	})

	return r
}
