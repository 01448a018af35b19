// Package server assembles the collector from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/fpcollect/pkg/admission"
	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/config"
	"github.com/nicktill/fpcollect/pkg/export"
	"github.com/nicktill/fpcollect/pkg/fingerprint"
	"github.com/nicktill/fpcollect/pkg/flatten"
	"github.com/nicktill/fpcollect/pkg/ingest"
	"github.com/nicktill/fpcollect/pkg/server/monitor"
	"github.com/nicktill/fpcollect/pkg/storage"
	"github.com/nicktill/fpcollect/pkg/storage/badger"
	"github.com/nicktill/fpcollect/pkg/storage/memory"
	"github.com/nicktill/fpcollect/pkg/storage/postgres"
	"github.com/nicktill/fpcollect/pkg/storage/sqlite"
	"github.com/nicktill/fpcollect/pkg/values"
)

// Version is stamped at build time with -ldflags "-X .../pkg/server.Version=..."
var Version = "dev"

// OpenStorage opens the backend selected by cfg.Storage.Backend
func OpenStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case config.BackendMemory:
		logger.Info("using in-memory storage, nothing survives a restart")
		return memory.New(), nil

	case config.BackendBadger:
		if err := os.MkdirAll(sc.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        sc.DataDir,
			MaxMemoryMB: int64(sc.MaxMemoryMB),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("badger storage opened", zap.String("path", sc.DataDir), zap.Int("max_memory_mb", sc.MaxMemoryMB))
		return store, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlite.Open(ctx, sc.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite storage opened", zap.String("path", sc.SQLitePath))
		return store, nil

	case config.BackendPostgres:
		store, err := postgres.Open(ctx, sc.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("postgres storage opened")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// App is a fully wired collector
type App struct {
	cfg *config.Config
	log *zap.Logger

	Store   storage.Store
	Values  *values.Store
	Service *ingest.Service
	Hub     *ingest.FeedHub

	Ingest *ingest.Handler
	Export *export.Handler

	Storage    *monitor.StorageMonitor
	StorageJob *monitor.TaskMonitor
	GCJob      *monitor.TaskMonitor

	started time.Time
}

// Build wires every component over an already opened store
func Build(cfg *config.Config, store storage.Store, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		log:        logger,
		Store:      store,
		StorageJob: monitor.NewTaskMonitor("storage_check"),
		GCJob:      monitor.NewTaskMonitor("badger_gc"),
		started:    time.Now(),
	}

	if cfg.Storage.InternValues {
		vs, err := values.New(store, cfg.Values.CacheSize, logger)
		if err != nil {
			return nil, err
		}
		app.Values = vs
		logger.Info("fingerprints are stored as interned value ids", zap.Int("cache_size", cfg.Values.CacheSize))
	}

	guard, err := admission.NewGuard(store, admission.Policy{
		Window:       cfg.Admission.Window,
		BurstCeiling: cfg.Admission.BurstCeiling,
		FlagCeiling:  cfg.Admission.FlagCeiling,
	}, logger)
	if err != nil {
		return nil, err
	}

	fps := fingerprint.New(store, fingerprint.Config{
		ParseWorkers: cfg.Ingest.ParseWorkers,
		Values:       app.Values,
	}, logger)

	engine := aggregate.New(store, aggregate.Config{
		Workers: cfg.Aggregate.Workers,
		Flatten: flatten.Options{RecurseListMappings: cfg.Aggregate.RecurseListMappings},
		Values:  app.Values,
	}, logger)

	app.Hub = ingest.NewFeedHub(logger)
	app.Service = ingest.NewService(guard, fps, engine, ingest.Config{
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
		Feed:         app.Hub,
	}, logger)

	app.Ingest = ingest.NewHandler(app.Service, ingest.HandlerConfig{
		SessionCookie: cfg.Server.SessionCookie,
		QueryRate:     cfg.Ingest.QueryRate,
		QueryBurst:    cfg.Ingest.QueryBurst,
	}, logger)
	app.Export = export.NewHandler(app.Service, logger)

	maxBytes := int64(cfg.Storage.MaxStorageGB) * 1024 * 1024 * 1024
	switch cfg.Storage.Backend {
	case config.BackendBadger:
		app.Storage = monitor.NewStorageMonitor(monitor.DirSizer(cfg.Storage.DataDir), maxBytes)
	case config.BackendSQLite:
		app.Storage = monitor.NewStorageMonitor(monitor.DirSizer(filepath.Dir(cfg.Storage.SQLitePath)), maxBytes)
	default:
		app.Storage = monitor.NewStorageMonitor(monitor.StatsSizer(store), maxBytes)
	}

	return app, nil
}

// Uptime since Build
func (a *App) Uptime() time.Duration { return time.Since(a.started) }

// Run serves HTTP until ctx is done, then shuts down within
// config.ShutdownTimeout. Background tasks stop with the server.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		RunBadgerGC(ctx, a.Store, a.GCJob, a.log.Named("gc"), config.BadgerGCInterval)
		return nil
	})
	g.Go(func() error {
		RunStorageCheck(ctx, a.Storage, a.StorageJob, a.log.Named("storage"), config.StorageCheckInterval)
		return nil
	})

	g.Go(func() error {
		a.log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("backend", a.cfg.Storage.Backend),
			zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
