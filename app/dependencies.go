package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/artifact-registry/auth"
	"github.com/upb/artifact-registry/config"
	"github.com/upb/artifact-registry/internal/observability"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/repositories"
	"github.com/upb/artifact-registry/repositories/memory"
	"github.com/upb/artifact-registry/repositories/postgres"
	"github.com/upb/artifact-registry/services/audit"
	"github.com/upb/artifact-registry/services/cleanup"
	"github.com/upb/artifact-registry/services/lease"
	"github.com/upb/artifact-registry/services/registry"
	"github.com/upb/artifact-registry/services/scheduler"
	"github.com/upb/artifact-registry/services/tokens"
	"github.com/upb/artifact-registry/services/webhook"
	"github.com/upb/artifact-registry/storage"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB // nil with the memory driver
	Tracer *observability.TracerProvider

	// Repository Factory, nil with the memory driver
	RepoFactory *postgres.RepositoryFactory

	Repos *repositories.Repositories
	Blobs *storage.Retrying

	// Services
	Leases     *lease.Manager
	Recorder   *audit.Recorder
	Dispatcher *webhook.Dispatcher
	Engine     *registry.Engine
	Tokens     *tokens.Service
	Webhooks   *webhook.Service
	Cleanup    *cleanup.Task
	Scheduler  *scheduler.Scheduler // nil when cleanup is disabled

	// Auth
	Sessions       *auth.SessionIssuer
	AuthMiddleware *middleware.AuthMiddleware

	dispatcherStarted bool
	schedulerStarted  bool
}

// NewDependencies creates and wires up all application dependencies.
// Background workers are not started; call Start for that.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	tracer, err := observability.NewTracerProvider(ctx, cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	deps.Tracer = tracer

	if err := deps.initDatabase(ctx, cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	blobs, err := storage.New(cfg.Storage, logger)
	if err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	deps.Blobs = blobs

	if err := deps.initServices(cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, err
	}

	if err := deps.seed(ctx, cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, err
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens the relational store selected by the driver setting
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Driver == "memory" {
		d.Repos = memory.NewStore(d.Logger).NewRepositories()
		d.Logger.Warn("using in-memory database; state is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB().DB

	// Test the connection
	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.Database.AutoMigrate {
		migrator, err := factory.Migrator()
		if err != nil {
			return err
		}
		if err := migrator.Up(); err != nil {
			return err
		}
	}

	d.Repos = factory.NewRepositories()
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	d.Leases = lease.NewManager(d.Repos.Leases, cfg.Leases.TTL, d.Logger)
	d.Recorder = audit.NewRecorder(d.Repos.Audit, d.Logger)
	d.Dispatcher = webhook.NewDispatcher(d.Repos.Webhooks, d.Recorder, d.Logger, webhook.ConfigFrom(cfg.Webhooks))

	d.Engine = registry.NewEngine(d.Repos, d.Blobs, d.Leases, d.Recorder, d.Dispatcher, d.Logger, registry.Options{
		UploadConcurrency: cfg.Storage.UploadConcurrency,
		Ignore:            cfg.Storage.IgnorePatterns,
	})
	d.Tokens = tokens.NewService(d.Repos, d.Recorder, cfg.Auth.TokenCacheTTL, d.Logger)
	d.Webhooks = webhook.NewService(d.Repos, d.Recorder, d.Logger).WithRetirer(d.Dispatcher)
	d.Cleanup = cleanup.NewTask(d.Repos, d.Engine, d.Leases, d.Recorder, d.Dispatcher, d.Logger)

	if cfg.Cleanup.Enabled {
		opts, err := scheduler.OptionsFromConfig(cfg.Cleanup)
		if err != nil {
			return fmt.Errorf("invalid cleanup schedule: %w", err)
		}
		d.Scheduler = scheduler.New(d.Cleanup, d.Engine, opts, d.Logger)
	}

	if cfg.Auth.SessionSecret == "" {
		d.Logger.Warn("SESSION_SECRET not set; console sessions will not survive a restart")
	}
	sessions, err := auth.NewSessionIssuer(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}
	d.Sessions = sessions
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, d.Sessions, d.Engine, d.Logger)
	return nil
}

// seed stores the configured retention defaults and the bootstrap admin token
func (d *Dependencies) seed(ctx context.Context, cfg *config.Config) error {
	if err := d.Engine.EnsureConfigDefaults(ctx, models.RegistryConfig{
		VersionRetentionLimit: cfg.Cleanup.DefaultRetentionLimit,
		AuditLogRetentionDays: cfg.Cleanup.DefaultAuditRetentionDays,
	}); err != nil {
		return fmt.Errorf("failed to seed registry config: %w", err)
	}

	created, err := d.Tokens.EnsureBootstrapAdmin(ctx, cfg.Auth.BootstrapAdminToken)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap admin token: %w", err)
	}
	if created {
		d.Logger.Warn("bootstrap admin token installed; rotate it once real tokens exist")
	}
	return nil
}

// Start launches the webhook dispatcher and the cleanup scheduler
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start webhook dispatcher: %w", err)
	}
	d.dispatcherStarted = true
	if d.Scheduler != nil {
		if err := d.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cleanup scheduler: %w", err)
		}
		d.schedulerStarted = true
	}
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.schedulerStarted {
		d.schedulerStarted = false
		if err := d.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop cleanup scheduler: %w", err))
		}
	}

	if d.dispatcherStarted {
		d.dispatcherStarted = false
		if err := d.Dispatcher.Stop(d.Config.Server.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop webhook dispatcher: %w", err))
		}
	}

	if d.Tracer != nil {
		tracer := d.Tracer
		d.Tracer = nil
		if err := tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		factory := d.RepoFactory
		d.RepoFactory = nil
		if err := factory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}

	return nil
}

func (d *Dependencies) closeQuietly(ctx context.Context) {
	if err := d.Close(ctx); err != nil {
		d.Logger.Warn("cleanup after failed initialization", zap.Error(err))
	}
}
