// Command rebuild recomputes one materialized view from the event log into a
// shadow table, verifies it against production and swaps it in. It takes the
// same cluster-wide lock as the HTTP endpoint, so both can be used side by
// side.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	projectionapp "github.com/erp/stockledger/internal/application/projection"
	views "github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/cache"
	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

const (
	exitFailure  = 1
	exitMismatch = 2
	exitBusy     = 3
)

func main() {
	var (
		name          string
		verify        bool
		resetProgress bool
		status        bool
		list          bool
		logLevel      string
	)
	flag.StringVar(&name, "projection", "", "Projection to rebuild, e.g. AvailableStock")
	flag.BoolVar(&verify, "verify", true, "Compare checksums with production and abort on mismatch")
	flag.BoolVar(&resetProgress, "reset-progress", false, "Replay an async projection to the head and move its progress marker")
	flag.BoolVar(&status, "status", false, "Print lock and progress state instead of rebuilding")
	flag.BoolVar(&list, "list", false, "List known projections")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if list {
		for _, n := range views.Names() {
			def, _ := views.Lookup(n)
			fmt.Printf("%-16s table=%-18s mode=%s\n", def.Name, def.Table, def.Mode)
		}
		return
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "-projection is required (use -list to see names)")
		flag.Usage()
		os.Exit(exitFailure)
	}

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitFailure)
	}

	code := run(log, name, verify, resetProgress, status)
	_ = log.Sync()
	os.Exit(code)
}

func run(log *zap.Logger, name string, verify, resetProgress, status bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", zap.Error(err))
		return exitFailure
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(logLevelFor(cfg)),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithParameterizedQueries(cfg.Log.SQLParameterized))
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Error("Failed to connect to database", zap.Error(err))
		return exitFailure
	}
	defer db.Close()
	if cfg.Database.Driver == config.DriverSQLite {
		if err := persistence.AutoMigrate(db.DB); err != nil {
			log.Error("Failed to migrate SQLite schema", zap.Error(err))
			return exitFailure
		}
	}

	backends := cache.NewBackendFactory(cfg, cache.WithLogger(log))
	defer backends.Close()
	locks, err := backends.Lock(ctx, persistence.NewGormLockStore(db.DB, nil))
	if err != nil {
		log.Error("Failed to initialize lock backend", zap.Error(err))
		return exitFailure
	}

	service := projectionapp.NewRebuildService(
		persistence.NewGormEventStore(db.DB),
		persistence.NewViewStore(db.DB, cfg.Rebuild.BatchSize),
		persistence.NewProgressStore(db.DB, nil),
		locks,
		projectionapp.RebuildConfig{LockTTL: cfg.Rebuild.LockTTL, InstanceID: cfg.App.InstanceID + "/cli"},
		log,
	)

	var out any
	if status {
		out, err = service.GetRebuildStatus(ctx, name)
	} else {
		out, err = service.RebuildProjection(ctx, name, verify, resetProgress)
	}
	if err != nil {
		return report(log, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Error("Failed to write report", zap.Error(err))
		return exitFailure
	}
	return 0
}

func report(log *zap.Logger, err error) int {
	var mismatch *projectionapp.ChecksumMismatchError
	var busy *projectionapp.AlreadyInProgressError
	switch {
	case errors.As(err, &mismatch):
		log.Error("Rebuild aborted, production left unchanged",
			zap.String("shadow_table", mismatch.ShadowTable),
			zap.String("production_checksum", mismatch.Production),
			zap.String("shadow_checksum", mismatch.Shadow),
			zap.Int64("production_rows", mismatch.ProductionRows),
			zap.Int64("shadow_rows", mismatch.ShadowRows),
		)
		return exitMismatch
	case errors.As(err, &busy):
		log.Warn("Rebuild already in progress", zap.Error(err))
		return exitBusy
	default:
		log.Error("Rebuild failed", zap.Error(err))
		return exitFailure
	}
}

// logLevelFor keeps SQL quiet unless the configured level asks for it
func logLevelFor(cfg *config.Config) string {
	if cfg.Log.Level == "debug" {
		return "info"
	}
	return "warn"
}
