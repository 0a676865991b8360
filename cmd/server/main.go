package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/syncpad/syncpad/internal/api"
	"github.com/syncpad/syncpad/internal/app"
	"github.com/syncpad/syncpad/internal/app/maintenance"
	iauth "github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/cache"
	"github.com/syncpad/syncpad/internal/database"
	"github.com/syncpad/syncpad/internal/monitoring"
	"github.com/syncpad/syncpad/internal/realtime"
	"github.com/syncpad/syncpad/internal/services"
	"github.com/syncpad/syncpad/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("syncpad-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	store := initialiseStore(cfg, db, log)
	defer func() {
		if rs, ok := store.(*cache.RedisStore); ok && rs != nil {
			_ = rs.Close()
		}
	}()

	module, err := monitoring.NewModule(monitoring.Options{})
	if err != nil {
		return fmt.Errorf("initialise monitoring: %w", err)
	}
	monitoring.SetModule(module)

	authenticator, authorizer := buildStaticAuth(cfg, log)

	hub := realtime.NewHub()
	router := services.NewBroadcastRouter(hub)
	locks := services.NewKeyedMutex()
	presence := services.NewPresenceTracker(store, cfg.Collab.HeartbeatWindow)

	registry, err := services.NewParticipantRegistry(db, services.WithRegistryPresence(presence))
	if err != nil {
		return fmt.Errorf("initialise participant registry: %w", err)
	}
	cursors, err := services.NewCursorTracker(db, registry, services.WithCursorRouter(router))
	if err != nil {
		return fmt.Errorf("initialise cursor tracker: %w", err)
	}
	events, err := services.NewEventLogService(db, registry, authorizer, services.WithEventLogRouter(router))
	if err != nil {
		return fmt.Errorf("initialise event log: %w", err)
	}
	lifecycle, err := services.NewSessionLifecycleService(
		db, registry, authorizer,
		services.WithLifecycleRouter(router),
		services.WithLifecycleCursorTracker(cursors),
		services.WithLifecycleEventLog(events),
		services.WithLifecycleProfiles(authenticator),
		services.WithLifecycleLocks(locks),
		services.WithDefaultCapacity(cfg.Collab.DefaultCapacity),
		services.WithSnapshotOperationCount(cfg.Collab.SnapshotOperations),
	)
	if err != nil {
		return fmt.Errorf("initialise session lifecycle: %w", err)
	}
	sequencer, err := services.NewOperationSequencer(db, registry, authorizer,
		services.WithSequencerRouter(router),
		services.WithSequencerLocks(locks),
	)
	if err != nil {
		return fmt.Errorf("initialise operation sequencer: %w", err)
	}
	resolver, err := services.NewConflictResolver(db, registry, authorizer,
		services.WithResolverRouter(router),
		services.WithResolverLocks(locks),
	)
	if err != nil {
		return fmt.Errorf("initialise conflict resolver: %w", err)
	}

	sweeper := maintenance.NewSweeper(db, registry,
		maintenance.WithHeartbeatWindow(cfg.Collab.HeartbeatWindow),
		maintenance.WithPresenceSchedule(cfg.Collab.PresenceSweepEvery),
	)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := sweeper.Stop()
		if err := sweeper.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown sweep failed", zap.Error(err))
		}
	}()

	engine, err := api.NewRouter(api.Deps{
		Config:        cfg,
		Authenticator: authenticator,
		Store:         store,
		Hub:           hub,
		Router:        router,
		Registry:      registry,
		Cursors:       cursors,
		Events:        events,
		Lifecycle:     lifecycle,
		Sequencer:     sequencer,
		Resolver:      resolver,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	}

	return dbCfg
}

// initialiseStore prefers Redis when configured and falls back to the
// database-backed key-value store.
func initialiseStore(cfg *app.Config, db *gorm.DB, log *zap.Logger) cache.Store {
	if cfg.Cache.Redis.Enabled {
		redisStore, err := cache.NewRedisStore(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS:      cfg.Cache.Redis.TLS,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if err != nil {
			log.Warn("redis unavailable; falling back to database store", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
			return redisStore
		}
	}
	return cache.NewDatabaseStore(db)
}

func buildStaticAuth(cfg *app.Config, log *zap.Logger) (*iauth.StaticAuthenticator, *iauth.StaticAuthorizer) {
	identities := make(map[string]iauth.Identity, len(cfg.Auth.StaticUsers))
	levels := make(map[string]string, len(cfg.Auth.StaticUsers))
	for _, user := range cfg.Auth.StaticUsers {
		identities[user.Credential] = iauth.Identity{
			UserID:      user.UserID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
		}
		if user.Level != "" {
			levels[user.UserID] = user.Level
		}
	}
	if len(identities) == 0 {
		log.Warn("no static users configured; all requests will be rejected until auth is wired")
	}
	return iauth.NewStaticAuthenticator(identities), iauth.NewStaticAuthorizer(levels, cfg.Auth.DefaultLevel)
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database handle unavailable during shutdown", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}
