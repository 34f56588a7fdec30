package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/imghost/config"
	"github.com/cppla/imghost/controllers"
	"github.com/cppla/imghost/media"
	"github.com/cppla/imghost/models"
	"github.com/cppla/imghost/routes"
	"github.com/cppla/imghost/services"
	"github.com/cppla/imghost/storage"
	"github.com/cppla/imghost/utils"
)

// Options override collaborators, mainly for tests.
type Options struct {
	Fs        afero.Fs
	Now       func() time.Time
	Logger    *zap.Logger
	AccessLog *zap.Logger
	// Redis and DB are used instead of dialing when set; App does not close them.
	Redis *redis.Client
	DB    *gorm.DB
}

// App holds all application dependencies.
type App struct {
	Config   config.AppConfig
	Logger   *zap.Logger
	Backend  *storage.Backend
	Ingestor *services.Ingestor
	Sweeper  *services.Sweeper
	Sessions *services.SessionManager
	Router   *gin.Engine

	redis     *redis.Client
	db        *gorm.DB
	ownsRedis bool
	ownsDB    bool
}

// New connects the configured backend and builds the HTTP router.
func New(ctx context.Context, cfg config.AppConfig, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: opts.Logger, redis: opts.Redis, db: opts.DB}
	if a.Logger == nil {
		a.Logger = utils.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	backend, err := storage.Open(ctx, cfg, storage.Deps{Fs: opts.Fs, DB: a.db, Redis: a.redis}, storage.Options{
		Now:               opts.Now,
		DefaultExpireDays: cfg.DefaultExpireDays,
		Logger:            a.Logger.Named("storage"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.Backend = backend

	normalizer := media.NewNormalizer(cfg.MaxWidth, cfg.JPEGQuality)
	a.Ingestor = services.NewIngestor(backend.Images, backend.Blobs, normalizer, cfg.MaxUploadBytes(), opts.Now, a.Logger)
	a.Sweeper = services.NewSweeper(backend.Images, cfg.CleanupInterval, opts.Now, a.Logger)

	if cfg.JWTSecretGenerated {
		a.Logger.Warn("JWT_SECRET not set, admin sessions will not survive a restart")
	}
	blacklist := utils.NewTokenBlacklist(a.redis, cfg.RedisPrefix)
	a.Sessions, err = services.NewSessionManager(cfg.AdminPassword, []byte(cfg.JWTSecret), cfg.SessionTTL, blacklist, opts.Now, a.Logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	images := controllers.NewImageController(backend.Images, a.Ingestor, a.Sweeper, controllers.ImageControllerOptions{
		PublicBaseURL: cfg.PublicBaseURL,
		MaxFiles:      cfg.MaxUploadFiles,
		Now:           opts.Now,
		Logger:        a.Logger.Named("http"),
	})
	auth := controllers.NewAuthController(a.Sessions, cfg.TLSCertFile != "")
	a.Router = routes.SetupRouter(routes.Deps{
		Config:    cfg,
		Images:    images,
		Auth:      auth,
		Sessions:  a.Sessions,
		AccessLog: opts.AccessLog,
	})
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	switch a.Config.StorageBackend {
	case config.BackendRedis:
		if a.redis == nil {
			rc, err := utils.NewRedisClient(ctx, a.Config)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			a.redis, a.ownsRedis = rc, true
		}
	case config.BackendSQL:
		if a.db == nil {
			db, err := config.InitDatabase(a.Config, &models.Image{})
			if err != nil {
				return err
			}
			a.db, a.ownsDB = db, true
		}
	}
	return nil
}

// Run serves HTTP until SIGINT or SIGTERM. The sweeper runs alongside and stops with the server.
func (a *App) Run(ctx context.Context) error {
	a.Sweeper.Start(ctx)

	srv := utils.NewServer(":"+a.Config.AppPort, a.Router, 0, 0)
	srv.RegisterOnShutdown(a.Sweeper.Stop)

	a.Logger.Info("server listening",
		zap.String("port", a.Config.AppPort),
		zap.String("backend", a.Config.StorageBackend),
		zap.Duration("cleanup_interval", a.Config.CleanupInterval))

	var err error
	if a.Config.TLSCertFile != "" {
		err = srv.ListenAndServeTLS(a.Config.TLSCertFile, a.Config.TLSKeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	a.Sweeper.Stop()
	return err
}

// ErrSweepNeedsServer is returned by SweepOnce for the memory backend, whose expirations
// only exist inside the running server.
var ErrSweepNeedsServer = errors.New("memory backend keeps expirations in the server process; call POST /api/cleanup on the running server instead")

// SweepOnce deletes expired images and exits; used by the sweep command.
func (a *App) SweepOnce(ctx context.Context) (int, error) {
	if a.Config.StorageBackend == config.BackendMemory || a.Config.StorageBackend == "" {
		return 0, ErrSweepNeedsServer
	}
	return a.Sweeper.RunOnce(ctx)
}

// Close stops background work and releases connections opened by New.
func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	var errs []error
	if a.ownsDB && a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.ownsRedis && a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("close connections", zap.Error(err))
	}
}
