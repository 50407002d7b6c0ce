package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	inventoryapp "github.com/erp/stockledger/internal/application/inventory"
	projectionapp "github.com/erp/stockledger/internal/application/projection"
	"github.com/erp/stockledger/internal/infrastructure/cache"
	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"github.com/erp/stockledger/internal/interfaces/http/handler"
	"github.com/erp/stockledger/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logCfg := &logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	bootLog, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	telemetryCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		InstanceID:        cfg.App.InstanceID,
		Insecure:          cfg.Telemetry.Insecure,
	}

	// The OTEL log bridge is teed into the main logger when enabled.
	logsCfg := telemetryCfg
	logsCfg.Enabled = cfg.Telemetry.LogsEnabled
	logProvider, err := telemetry.NewLoggerProvider(ctx, logsCfg, bootLog)
	if err != nil {
		bootLog.Fatal("Failed to initialize OTEL logs", zap.Error(err))
	}
	log := bootLog
	if logProvider.IsEnabled() {
		otelCore := telemetry.NewZapOTELCore(cfg.Telemetry.ServiceName, logProvider, logger.ParseLevel(cfg.Log.Level))
		if log, err = logger.New(logCfg, otelCore); err != nil {
			bootLog.Fatal("Failed to initialize logger", zap.Error(err))
		}
	}
	defer func() {
		_ = log.Sync()
	}()
	zap.ReplaceGlobals(log)

	log.Info("Starting stock ledger",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("instance_id", cfg.App.InstanceID),
		zap.String("version", version),
	)

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetryCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Config:         withEnabled(telemetryCfg, cfg.Telemetry.MetricsEnabled),
		ExportInterval: cfg.Telemetry.MetricsExportInterval,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Profiling.Enabled,
		ServerAddress:   cfg.Profiling.ServerAddress,
		ApplicationName: cfg.App.Name,
		Tags: map[string]string{
			"env":      cfg.App.Env,
			"instance": cfg.App.InstanceID,
		},
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() && cfg.Profiling.SpanProfiles {
		tracerProvider.EnableSpanProfiles()
	}

	stockMetrics, err := telemetry.NewStockMetrics(meterProvider.Meter("stockledger"))
	if err != nil {
		log.Fatal("Failed to create stock metrics", zap.Error(err))
	}

	// Create GORM logger backed by zap
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithParameterizedQueries(cfg.Log.SQLParameterized))

	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully", zap.String("driver", cfg.Database.Driver))

	if err := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:        cfg.Database.Driver,
	}, log).Register(db.DB); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	// PostgreSQL schemas are managed by cmd/migrate; SQLite is migrated in place.
	if cfg.Database.Driver == config.DriverSQLite {
		if err := persistence.AutoMigrate(db.DB); err != nil {
			log.Fatal("Failed to migrate SQLite schema", zap.Error(err))
		}
	}

	// Storage
	events := persistence.NewGormEventStore(db.DB,
		persistence.WithInlineProjectors(persistence.DefaultInlineProjectors()...))
	viewReader := persistence.NewGormViewReader(db.DB)
	viewStore := persistence.NewViewStore(db.DB, cfg.Rebuild.BatchSize)
	progress := persistence.NewProgressStore(db.DB, nil)

	backends := cache.NewBackendFactory(cfg, cache.WithLogger(log))
	defer func() {
		if err := backends.Close(); err != nil {
			log.Error("Error closing Redis client", zap.Error(err))
		}
	}()
	dbLocks := persistence.NewGormLockStore(db.DB, nil)
	locks, err := backends.Lock(ctx, dbLocks)
	if err != nil {
		log.Fatal("Failed to initialize lock backend", zap.Error(err))
	}
	idempotency, err := backends.IdempotencyStore(ctx)
	if err != nil {
		log.Fatal("Failed to initialize idempotency store", zap.Error(err))
	}
	defer func() {
		_ = idempotency.Close()
	}()

	// Application services
	locker := inventoryapp.NewKeyLocker(locks, inventoryapp.LockSettings{
		TTL:            cfg.Lock.PickingTTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		RetryInterval:  cfg.Lock.RetryInterval,
	}, cfg.App.InstanceID, log)
	ledgerService := inventoryapp.NewStockLedgerService(events, locker, stockMetrics, log)
	reservationService := inventoryapp.NewReservationService(events, locker, log)
	pickingService := inventoryapp.NewPickingService(events, viewReader, locker, log,
		inventoryapp.WithIdempotency(idempotency, cfg.Idempotency.TTL),
		inventoryapp.WithPickingMetrics(stockMetrics),
	)
	queryService := inventoryapp.NewStockQueryService(viewReader)
	rebuildService := projectionapp.NewRebuildService(events, viewStore, progress, locks,
		projectionapp.RebuildConfig{LockTTL: cfg.Rebuild.LockTTL, InstanceID: cfg.App.InstanceID},
		log, projectionapp.WithRebuildMetrics(stockMetrics))

	// Async projection daemon
	var daemon *projectionapp.ProjectionDaemon
	if cfg.Projection.DaemonEnabled {
		var asyncProjections []projectionapp.AsyncProjection
		for _, p := range persistence.DefaultAsyncProjections(db.DB, progress) {
			asyncProjections = append(asyncProjections, p)
		}
		var daemonOpts []projectionapp.DaemonOption
		if cfg.Lock.Backend == config.BackendDatabase {
			daemonOpts = append(daemonOpts, projectionapp.WithLockPurge(dbLocks, cfg.Rebuild.LockTTL))
		}
		daemon, err = projectionapp.NewProjectionDaemon(events, locks, asyncProjections, projectionapp.DaemonConfig{
			PollInterval: cfg.Projection.PollInterval,
			BatchSize:    cfg.Projection.BatchSize,
			InstanceID:   cfg.App.InstanceID,
			Workers:      cfg.Projection.Workers,
			GapTimeout:   cfg.Projection.GapTimeout,
		}, stockMetrics, log, daemonOpts...)
		if err != nil {
			log.Fatal("Failed to create projection daemon", zap.Error(err))
		}
		if err := daemon.Start(ctx); err != nil {
			log.Fatal("Failed to start projection daemon", zap.Error(err))
		}
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := router.NewEngine(router.Config{
		ServiceName:        cfg.Telemetry.ServiceName,
		TracingEnabled:     tracerProvider.IsEnabled(),
		Meter:              meterProvider.Meter("stockledger/http"),
		ProfilingEnabled:   profiler.IsEnabled(),
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
	}, log)
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Invalid trusted proxies", zap.Error(err))
	}
	router.NewRouter(engine).
		Register(handler.NewInventoryHandler(ledgerService, reservationService, pickingService, queryService)).
		Register(handler.NewProjectionHandler(rebuildService)).
		RegisterRoot(handler.NewSystemHandler(db, version)).
		Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error("Server failed", zap.Error(err))
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if daemon != nil {
		if err := daemon.Stop(shutdownCtx); err != nil {
			log.Error("Projection daemon did not stop cleanly", zap.Error(err))
		}
	}
	if err := profiler.Stop(); err != nil {
		log.Error("Error stopping profiler", zap.Error(err))
	}
	_ = meterProvider.Shutdown(shutdownCtx)
	_ = tracerProvider.Shutdown(shutdownCtx)
	_ = logProvider.Shutdown(shutdownCtx)

	log.Info("Server exited gracefully")
	if len(serverErr) > 0 {
		os.Exit(1)
	}
}

func withEnabled(cfg telemetry.Config, enabled bool) telemetry.Config {
	cfg.Enabled = enabled
	return cfg
}
