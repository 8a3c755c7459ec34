package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/sentinex/internal/audit"
	"github.com/Aidin1998/sentinex/internal/cache"
	"github.com/Aidin1998/sentinex/internal/config"
	"github.com/Aidin1998/sentinex/internal/decision"
	"github.com/Aidin1998/sentinex/internal/events"
	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/internal/orchestrator"
	"github.com/Aidin1998/sentinex/internal/patterns"
	"github.com/Aidin1998/sentinex/internal/policy"
	"github.com/Aidin1998/sentinex/internal/signals"
	"github.com/Aidin1998/sentinex/pkg/logger"
	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/validation"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewWithOptions(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Format == "console",
		Name:        "sentinex",
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transfer history backing the pattern detectors
	store := history.NewMemoryStore(cfg.History.MaxPerSubject)
	detectors := patterns.DefaultDetectors(store, zapLogger.Sugar())

	// Policy snapshots with hot reload
	fileProvider, err := policy.NewFileProvider(cfg.Policy.File, zapLogger, m)
	if err != nil {
		zapLogger.Fatal("Failed to load policy file", zap.Error(err))
	}
	if cfg.Policy.Watch {
		if err := fileProvider.Watch(ctx); err != nil {
			zapLogger.Fatal("Failed to watch policy file", zap.Error(err))
		}
	}
	policies := policy.WithFallback(fileProvider, cfg.Policy.DefaultJurisdiction)

	// Signal providers. Watchlist screening always runs; an empty list only
	// means it never matches.
	var entries []signals.Entry
	if cfg.Watchlist.File != "" {
		entries, err = loadWatchlist(cfg.Watchlist.File)
		if err != nil {
			zapLogger.Fatal("Failed to load watchlist", zap.Error(err))
		}
		zapLogger.Info("watchlist loaded",
			zap.String("path", cfg.Watchlist.File),
			zap.Int("entries", len(entries)))
	} else {
		zapLogger.Warn("no watchlist file configured; screening runs with an empty list")
	}
	providers := []signals.Provider{
		signals.NewWatchlistProvider(zapLogger.Sugar(), entries, cfg.Watchlist.FuzzyThreshold),
	}

	orch := orchestrator.New(providers, detectors, orchestrator.Config{
		SignalTimeout:    cfg.Sources.SignalTimeout,
		DetectorTimeout:  cfg.Detectors.Timeout,
		BreakerThreshold: cfg.Sources.BreakerThreshold,
		BreakerWindow:    cfg.Sources.BreakerWindow,
		BreakerCooldown:  cfg.Sources.BreakerCooldown,
	}, zapLogger, m)

	// Decision cache
	var decisionCache cache.Cache
	var redisClient redis.UniversalClient
	switch cfg.Engine.CacheBackend {
	case "redis":
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCache := cache.NewRedisCache(redisClient, cfg.Redis.KeyPrefix, m)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisCache.Ping(pingCtx)
		pingCancel()
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		decisionCache = redisCache
	default:
		decisionCache = cache.NewMemoryCache(cfg.Engine.CacheMaxEntries, m)
	}

	// Audit trail: hash-chained store behind a retrying sink
	db, err := audit.Open(cfg.Audit.DSN)
	if err != nil {
		zapLogger.Fatal("Failed to open audit database", zap.Error(err))
	}
	auditStore, err := audit.NewStore(db, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to migrate audit store", zap.Error(err))
	}
	auditSink := audit.NewRetryingSink(auditStore, zapLogger, m,
		audit.WithMaxAttempts(cfg.Audit.RetryAttempts),
		audit.WithBaseDelay(cfg.Audit.RetryBackoff),
	)

	// Decision events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, zapLogger, m)
		zapLogger.Info("decision event publishing enabled",
			zap.Strings("brokers", cfg.Events.Brokers),
			zap.String("topic", cfg.Events.Topic))
	}

	// The validator accepts only check names this deployment can serve.
	known := make([]string, 0, len(providers)+len(detectors))
	for _, p := range providers {
		known = append(known, p.Name())
	}
	for _, d := range detectors {
		known = append(known, d.Name())
	}
	validator := validation.NewValidator(zapLogger, known)

	engine := decision.NewEngine(decision.Deps{
		Validator:    validator,
		Policies:     policies,
		Orchestrator: orch,
		Cache:        decisionCache,
		Audit:        auditSink,
		Events:       publisher,
		History:      store,
		Logger:       zapLogger,
		Metrics:      m,
	}, decision.Config{
		CacheTTL:        cfg.Engine.CacheTTL,
		OverallDeadline: cfg.Engine.OverallDeadline,
	})

	checks := []readyCheck{
		{name: "audit", probe: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
	}
	if redisClient != nil {
		checks = append(checks, readyCheck{name: "redis", probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	app := &adminServer{
		engine: engine,
		store:  auditStore,
		checks: checks,
		logger: zapLogger,
	}
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zapLogger.Info("admin listener started", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Admin listener failed", zap.Error(err))
		}
	}()

	zapLogger.Info("decision engine ready",
		zap.Strings("checks", known),
		zap.String("cache_backend", cfg.Engine.CacheBackend),
		zap.String("policy_file", cfg.Policy.File))

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop admin listener", zap.Error(err))
	}

	cancel()
	if err := fileProvider.Close(); err != nil {
		zapLogger.Error("Failed to stop policy watcher", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		zapLogger.Error("Failed to close event publisher", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			zapLogger.Error("Failed to close audit database", zap.Error(err))
		}
	}

	zapLogger.Info("Server exited properly")
}

// watchlistFile is the on-disk shape of the screening list.
type watchlistFile struct {
	Entries []signals.Entry `yaml:"entries"`
}

func loadWatchlist(path string) ([]signals.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read watchlist")
	}
	var doc watchlistFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse watchlist %s", path)
	}
	return doc.Entries, nil
}
