// Package app assembles the engine from configuration for both binaries.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"classattend/internal/api"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/events"
	"classattend/internal/fraud"
	"classattend/internal/httpmiddleware"
	"classattend/internal/queue"
	"classattend/internal/risk"
	"classattend/internal/selfie"
	"classattend/internal/session"
	"classattend/internal/store"
	"classattend/internal/store/memory"
	"classattend/internal/token"
	"classattend/internal/worker"
)

// Backend is everything the engine persists. Both the Postgres repository and
// the in-memory store implement it.
type Backend interface {
	session.Store
	token.Store
	attendance.Store
	selfie.Store
	fraud.Store
	risk.Store
	config.Source
	api.Permits
}

// App holds the wired components and the connections behind them.
type App struct {
	Config   config.App
	Log      *zap.Logger
	Backend  Backend
	Queue    queue.Queue
	Settings *config.Watcher
	Locker   store.Locker
	Blobs    selfie.BlobStore

	Sessions *session.Service
	Tokens   *token.Manager
	Scans    *attendance.Service
	Selfies  *selfie.Workflow
	Fraud    *fraud.Engine
	Risk     *risk.Engine
	Signer   *auth.Signer

	db    *store.DB
	redis *store.Redis
}

// NewLogger returns a production logger outside of dev environments.
func NewLogger(cfg config.App) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// Build connects the configured backends and constructs the services.
func Build(ctx context.Context, cfg config.App, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger}

	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		a.Backend = memory.New()
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.db = db
		if err := store.RunMigrations(ctx, db.Client, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Backend = store.NewRepository(db.Client)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.QueueBackend == "memory" {
		a.Queue = queue.NewInMemory(256)
		a.Locker = store.NewLocalLocker()
	} else {
		a.redis = store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if !a.redis.Healthy(ctx) {
			logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr))
		}
		a.Queue = queue.NewRedisQueue(a.redis.Client, cfg.QueueKey)
		a.Locker = store.NewRedisLocker(a.redis.Client, "attendance:lock:")
	}

	if cfg.CloudinaryConfigured() {
		a.Blobs = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("selfies stored in cloudinary", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Warn("cloudinary not configured, selfies kept in memory")
		a.Blobs = memory.NewBlobs()
	}

	a.Settings = config.NewWatcher(a.Backend, logger)
	if err := a.Settings.Refresh(ctx); err != nil {
		logger.Warn("settings not loaded, using defaults", zap.Error(err))
	}

	pub := events.NewQueuePublisher(a.Queue)
	a.Sessions = session.NewService(a.Backend, logger)
	a.Tokens = token.NewManager(a.Backend, logger)
	a.Scans = attendance.NewService(a.Backend, a.Tokens, a.Blobs, a.Locker, pub, logger)
	a.Selfies = selfie.NewWorkflow(a.Backend, pub, logger)
	a.Fraud = fraud.NewEngine(a.Backend, pub, logger)
	a.Risk = risk.NewEngine(a.Backend, logger)
	a.Signer = auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAccessTTL)
	return a, nil
}

// Router builds the HTTP handler over the wired services.
func (a *App) Router() http.Handler {
	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(a.Config.RateLimitPerMin, a.Config.RateLimitPerMin)
	if a.redis != nil {
		limiter = httpmiddleware.WithFallback{
			Primary:  httpmiddleware.NewRedisWindow(a.redis.Client, a.Config.RateLimitPerMin),
			Fallback: limiter,
			Log:      a.Log,
		}
	}
	checks := map[string]func(context.Context) bool{}
	if a.db != nil {
		checks["db"] = a.db.Healthy
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Healthy
	}
	return api.NewRouter(api.Deps{
		Sessions: a.Sessions,
		Tokens:   a.Tokens,
		Scans:    a.Scans,
		Selfies:  a.Selfies,
		Fraud:    a.Fraud,
		Risk:     a.Risk,
		Permits:  a.Backend,
		Settings: a.Settings,
		Signer:   a.Signer,
		Limiter:  limiter,
		Checks:   checks,
		Log:      a.Log,
	})
}

// Dispatcher builds the queue consumer over the wired services.
func (a *App) Dispatcher() *worker.Dispatcher {
	return worker.NewDispatcher(a.Fraud, a.Risk, a.Settings, a.Log, a.Config.WorkerConcurrency)
}

// Close releases connections.
func (a *App) Close() {
	if err := a.db.Close(); err != nil {
		a.Log.Warn("db close", zap.Error(err))
	}
	if err := a.redis.Close(); err != nil {
		a.Log.Warn("redis close", zap.Error(err))
	}
}
