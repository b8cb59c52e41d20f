package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/datastore"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/backend"
	"github.com/panyam/pocketauth/client"
	"github.com/panyam/pocketauth/config"
	"github.com/panyam/pocketauth/stores"
	"github.com/panyam/pocketauth/stores/fs"
	"github.com/panyam/pocketauth/stores/gae"
	gormstore "github.com/panyam/pocketauth/stores/gorm"
	redisstore "github.com/panyam/pocketauth/stores/redis"
	"github.com/panyam/pocketauth/tokenstore"
)

// runtime holds one wired auth core
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	storage   pa.LocalStorage
	sdk       *backend.Client
	inspector *tokenstore.Inspector
	monitor   *tokenstore.HangMonitor
	coord     *client.Coordinator
	cleanupFn func()
}

// storageHandle is an opened storage driver
type storageHandle struct {
	storage  pa.LocalStorage
	profiles pa.ProfileStore
	close    func() error
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (*storageHandle, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &storageHandle{storage: stores.NewMemoryStorage()}, nil

	case config.DriverFS:
		s, err := fs.NewFSStorage(cfg.Path, cfg.AppName)
		if err != nil {
			return nil, err
		}
		return &storageHandle{storage: s}, nil

	case config.DriverRedis:
		rc, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		hashKey := cfg.RedisHashKey + ":" + cfg.Device
		return &storageHandle{storage: redisstore.NewRedisStorage(rc, hashKey), close: rc.Close}, nil

	case config.DriverPostgres:
		db, err := gormstore.Connect(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		closeDB := func() error { return gormstore.Close(db) }
		if err := gormstore.AutoMigrate(db); err != nil {
			_ = closeDB()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return &storageHandle{
			storage:  gormstore.NewStorage(db, cfg.Device),
			profiles: gormstore.NewProfileStore(db),
			close:    closeDB,
		}, nil

	case config.DriverDatastore:
		dc, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("connect datastore: %w", err)
		}
		return &storageHandle{
			storage:  gae.NewStorage(dc, cfg.DatastoreNamespace, cfg.Device),
			profiles: gae.NewProfileStore(dc, cfg.DatastoreNamespace),
			close:    dc.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// newRuntime wires storage, the backend client and the coordinator. The
// coordinator is not started.
func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	h, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if h.close != nil {
			if err := h.close(); err != nil {
				logger.Warn("close storage", "module", "cli", "error", err)
			}
		}
	}

	sdk, err := backend.NewClient(cfg.Backend.URL, cfg.Backend.AnonKey, h.storage,
		backend.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		backend.WithStorageKey(cfg.Backend.StorageKey),
		backend.WithProfileTable(cfg.Backend.ProfileTable),
		backend.WithLogger(logger))
	if err != nil {
		cleanup()
		return nil, err
	}

	var profiles pa.ProfileStore = sdk
	if cfg.Storage.LocalProfiles && h.profiles != nil {
		profiles = h.profiles
	}

	quick, standard, extended := cfg.Retry.Policies()
	monitor := tokenstore.NewHangMonitor(h.storage, cfg.Session.HangThreshold, logger)
	api := client.NewAPI(sdk, profiles,
		client.WithAPILogger(logger),
		client.WithCallTracker(monitor),
		client.WithRetryPolicies(quick, standard, extended))
	inspector := tokenstore.NewInspector(h.storage, sdk,
		tokenstore.WithRetryPolicy(quick),
		tokenstore.WithLogger(logger))
	coord := client.NewCoordinator(api, inspector,
		client.WithLogger(logger),
		client.WithHangMonitor(monitor),
		client.WithRefreshInterval(cfg.Session.RefreshInterval),
		client.WithTokenCheckInterval(cfg.Session.TokenCheckInterval),
		client.WithHangCheckInterval(cfg.Session.HangCheckInterval),
		client.WithSignInSafetyTimeout(cfg.Session.SignInSafetyTimeout))

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		storage:   h.storage,
		sdk:       sdk,
		inspector: inspector,
		monitor:   monitor,
		coord:     coord,
		cleanupFn: cleanup,
	}, nil
}

// start wipes stored tokens when forceClean is set, then starts the coordinator
func (r *runtime) start(ctx context.Context, forceClean bool) error {
	if forceClean {
		n, err := r.inspector.ClearAuthTokens(ctx)
		if err != nil {
			return fmt.Errorf("force clean: %w", err)
		}
		r.logger.Info("cleared stored tokens", "module", "cli", "operation", "force_clean", "removed", n)
	}
	return r.coord.Start(ctx)
}

func (r *runtime) close() {
	if err := r.coord.Close(); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("close coordinator", "module", "cli", "error", err)
	}
	r.cleanupFn()
}
