package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/soundledger/permgate/pkg/async"
	"github.com/soundledger/permgate/pkg/audit"
	"github.com/soundledger/permgate/pkg/config"
	"github.com/soundledger/permgate/pkg/httputil"
	"github.com/soundledger/permgate/pkg/middleware"
	"github.com/soundledger/permgate/pkg/observability"
	"github.com/soundledger/permgate/pkg/rbac"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("permgate exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"version":       version,
		"cache_backend": cfg.RBAC.CacheBackend,
		"cache_ttl":     cfg.RBAC.CacheTTL.String(),
	}).Info("Starting permgate")

	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}

	otelCfg := cfg.Observability.OTel()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	cache, err := rbac.NewCache(cfg.RBAC)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create cache: %w", err)
	}

	auditLogger, searcher, err := buildAuditLogger(db, cfg.Audit)
	if err != nil {
		db.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	manager := rbac.NewManager(db, cache, auditLogger, logger, cfg.RBAC)
	manager.SetMetrics(metrics)

	if cfg.Policy.SeedOnStart {
		if err := initialize(ctx, manager, cfg.Policy.SeedFile, logger); err != nil {
			db.Close()
			return err
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newAPIHandler(cfg, manager, searcher, metrics, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var redisCache *rbac.RedisCache
	if rc, ok := cache.(*rbac.RedisCache); ok {
		redisCache = rc
	}
	healthServer := newHealthServer(cfg, db, redisCache, registry)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	// functions run last registered first
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return db.Close() })
	if redisCache != nil {
		shutdown.RegisterShutdownFunc("cache", func(context.Context) error { return redisCache.Close() })
	}
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error { return auditLogger.Close() })
	shutdown.RegisterShutdownFunc("otel", providers.Shutdown)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)

	if cfg.Policy.FlushSchedule != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddJob(cfg.Policy.FlushSchedule, &flushJob{manager: manager, logger: logger}); err != nil {
			db.Close()
			return fmt.Errorf("failed to schedule cache flush: %w", err)
		}
		scheduler.Start()
		logger.Infof("Scheduled cache flush: %s", cfg.Policy.FlushSchedule)

		shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	async.SafeGo(ctx, logger, 0, "db stats", func(ctx context.Context) error {
		return recordDBStats(ctx, db, metrics)
	})

	serve := func(name string, srv *http.Server) {
		logger.Infof("%s listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Errorf("%s failed", name)
			cancel()
		}
	}
	go serve("API server", server)
	go serve("Health server", healthServer)

	return shutdown.WaitForShutdown(ctx)
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// buildAuditLogger fans records out to the configured sinks. The returned
// searcher is nil unless the database sink is enabled.
func buildAuditLogger(db *sql.DB, cfg config.AuditConfig) (audit.Logger, audit.Searcher, error) {
	var (
		loggers  []audit.Logger
		searcher audit.Searcher
	)

	if cfg.FilePath != "" {
		fileLogger, err := audit.NewFileLogger(audit.FileLoggerConfig{
			BasePath: cfg.FilePath,
			Rotate:   true,
			MaxSize:  cfg.FileMaxSize,
			MaxFiles: cfg.FileMaxFiles,
			Sync:     cfg.FileSync,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create audit file logger: %w", err)
		}
		loggers = append(loggers, fileLogger)
	}

	if cfg.DBEnabled {
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			for _, l := range loggers {
				l.Close()
			}
			return nil, nil, fmt.Errorf("failed to create audit database logger: %w", err)
		}
		loggers = append(loggers, dbLogger)
		searcher = dbLogger
	}

	switch len(loggers) {
	case 0:
		return audit.NoopLogger{}, nil, nil
	case 1:
		return loggers[0], searcher, nil
	default:
		return audit.NewMultiLogger(loggers...), searcher, nil
	}
}

func initialize(ctx context.Context, manager *rbac.Manager, seedFile string, logger *observability.Logger) error {
	var (
		seed *rbac.Seed
		err  error
	)
	if seedFile != "" {
		seed, err = rbac.LoadSeed(seedFile)
	} else {
		seed, err = rbac.DefaultSeed()
	}
	if err != nil {
		return fmt.Errorf("failed to load seed: %w", err)
	}

	result, err := manager.InitializeWithSeed(ctx, seed)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"permissions_created": result.PermissionsCreated,
		"roles_created":       result.RolesCreated,
		"roles_updated":       result.RolesUpdated,
	}).Info("RBAC initialized")
	return nil
}

func newAPIHandler(cfg *config.Config, manager *rbac.Manager, searcher audit.Searcher, metrics *observability.Metrics, logger *observability.Logger) http.Handler {
	router := mux.NewRouter()
	// mux middleware runs after route matching, so the template is known
	router.Use(mux.MiddlewareFunc(observability.HTTPMetricsMiddleware(metrics, routeTemplate)))

	if searcher != nil {
		auditRouter := router.NewRoute().Subrouter()
		auditRouter.Use(mux.MiddlewareFunc(manager.GetMiddleware().RequirePermission(rbac.PermissionAdminRead)))
		audit.NewHandlers(searcher).RegisterRoutes(auditRouter)
	}
	manager.RegisterRoutes(router)

	handler := httputil.Chain(
		middleware.RequestID(logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(httputil.MaxBodyBytes),
		middleware.NewIdentity(cfg.Policy.IdentityHeader).Handler,
	)(router)

	return otelhttp.NewHandler(handler, "permgate")
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func newHealthServer(cfg *config.Config, db *sql.DB, redisCache *rbac.RedisCache, registry *prometheus.Registry) *http.Server {
	var redisClient *redis.Client
	if redisCache != nil {
		redisClient = redisCache.Client()
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}

	return &http.Server{
		Addr:         cfg.Server.HealthAddr(),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// flushJob drops every cached set on the configured schedule
type flushJob struct {
	manager *rbac.Manager
	logger  *observability.Logger
}

func (j *flushJob) Run() {
	defer observability.RecoverPanic(j.logger, "scheduled cache flush")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.manager.Flush(ctx, "scheduled flush"); err != nil {
		j.logger.WithError(err).Error("Scheduled cache flush failed")
		return
	}
	j.logger.Debug("Scheduled cache flush complete")
}

func recordDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			metrics.RecordDBStats(db.Stats())
		}
	}
}
