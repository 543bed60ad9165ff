// Package app wires configuration into a running Alexander Drive engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drive/internal/config"
	"github.com/prn-tf/alexander-drive/internal/handler"
	"github.com/prn-tf/alexander-drive/internal/lock"
	"github.com/prn-tf/alexander-drive/internal/metrics"
	"github.com/prn-tf/alexander-drive/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drive/internal/repository"
	"github.com/prn-tf/alexander-drive/internal/repository/postgres"
	"github.com/prn-tf/alexander-drive/internal/repository/sqlite"
	"github.com/prn-tf/alexander-drive/internal/service"
	"github.com/prn-tf/alexander-drive/internal/storage"
	"github.com/prn-tf/alexander-drive/internal/storage/filesystem"
	"github.com/prn-tf/alexander-drive/internal/storage/s3"
)

// App holds the engine's components.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       repository.Database
	Store    storage.BlobStore
	Locker   lock.Locker
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Files    *service.FileService
	GC       *service.GarbageCollector

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	localLocker lock.Locker
}

// WithLocalLocker replaces the in-memory locker used when Redis is
// disabled. Redis, when enabled, is always used.
func WithLocalLocker(l lock.Locker) Option {
	return func(o *options) { o.localLocker = l }
}

// New connects every backend named by cfg and builds the services.
// Migrations are not applied; call DB.Migrate.
// Backends opened before a failure are closed again.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.DB, err = OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)

	a.Store, err = openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	a.Locker, err = a.openLocker(ctx, cfg.Redis, o.localLocker, logger)
	if err != nil {
		return nil, err
	}

	hasher, err := crypto.NewHasher(cfg.Storage.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.New(a.Registry)
	}

	repos := a.DB.Repositories()
	a.Files = service.NewFileService(repos, a.Store, hasher, a.Locker, a.Metrics, logger, service.FileServiceConfig{
		DefaultQuota:        cfg.Service.DefaultQuota,
		TempDir:             cfg.Storage.TempDir,
		OperationTimeout:    cfg.Service.OperationTimeout,
		LockTTL:             cfg.Service.LockTTL,
		LockRetries:         cfg.Service.LockRetries,
		LockRetryDelay:      cfg.Service.LockRetryDelay,
		MaxTxRetries:        cfg.Service.MaxTxRetries,
		CompensationTimeout: cfg.Service.CompensationTimeout,
	})
	a.GC = service.NewGarbageCollector(repos, a.Store, a.Locker, a.Metrics, logger, service.GCConfig{
		Enabled:     cfg.GC.Enabled,
		Interval:    cfg.GC.Interval,
		GracePeriod: cfg.GC.GracePeriod,
		BatchSize:   cfg.GC.BatchSize,
		DryRun:      cfg.GC.DryRun,
	})

	logger.Info().
		Str("database", a.DB.Driver()).
		Str("storage", cfg.Storage.Backend).
		Str("hash", hasher.Algorithm()).
		Bool("redis_lock", cfg.Redis.Enabled).
		Msg("engine ready")

	return a, nil
}

// OpenDatabase connects to the configured database driver.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (repository.Database, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.NewDB(ctx, cfg, logger)
	case "sqlite":
		sc := sqlite.DefaultConfig(cfg.Path)
		if cfg.JournalMode != "" {
			sc.JournalMode = cfg.JournalMode
		}
		if cfg.BusyTimeout > 0 {
			sc.BusyTimeout = cfg.BusyTimeout
		}
		if cfg.CacheSize != 0 {
			sc.CacheSize = cfg.CacheSize
		}
		if cfg.SynchronousMode != "" {
			sc.SynchronousMode = cfg.SynchronousMode
		}
		return sqlite.NewDB(ctx, sc, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "filesystem":
		return filesystem.NewBackend(filesystem.DefaultConfig(filepath.Clean(cfg.DataDir)), logger)
	case "s3":
		sc := s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Path:            storage.DefaultPathConfig(),
		}
		client, err := s3.NewClient(ctx, sc)
		if err != nil {
			return nil, err
		}
		return s3.NewBackend(client, sc, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}

func (a *App) openLocker(ctx context.Context, cfg config.RedisConfig, local lock.Locker, logger zerolog.Logger) (lock.Locker, error) {
	if !cfg.Enabled {
		if local != nil {
			return local, nil
		}
		m := lock.NewMemoryLocker()
		a.closers = append(a.closers, m.Close)
		return m, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	a.closers = append(a.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return lock.NewRedisLocker(client, logger), nil
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler {
	cfg := handler.OpsConfig{
		Health:      a.DB,
		Storage:     a.Files,
		GC:          a.GC,
		MetricsPath: a.Config.Metrics.Path,
		Logger:      a.Logger,
	}
	if a.Registry != nil {
		cfg.Gatherer = a.Registry
	}
	return handler.NewOpsHandler(cfg).Router()
}

// Serve starts the collector and the ops server and blocks until ctx is
// done, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}

	if a.Config.GC.Enabled {
		a.GC.Start()
		defer a.GC.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down ops server: %w", err)
	}
	return nil
}

// Close releases every backend connection in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
