package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/catalog"
	"github.com/jonathan/price-tracker/internal/config"
	"github.com/jonathan/price-tracker/internal/db"
	"github.com/jonathan/price-tracker/internal/dispatch"
	"github.com/jonathan/price-tracker/internal/fanout"
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/metrics"
	"github.com/jonathan/price-tracker/internal/notify"
	"github.com/jonathan/price-tracker/internal/registration"
	"github.com/jonathan/price-tracker/internal/sites"
)

// callerUser marks runs started from the command line.
const callerUser = "user"

// app holds the collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	db      *db.DB
	metrics *metrics.Metrics
	ledger  *activitylog.Ledger
}

// loadConfig reads the config file and environment, then applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newApp loads the configuration and connects to the database. process names
// the command in every log line.
func newApp(ctx context.Context, process string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}
	log := base.With(
		logger.String("process_type", process),
		logger.String("run_id", uuid.New().String()),
	)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (config file or DATABASE_URL)")
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	ledger := activitylog.New(database, activitylog.WithObserver(activitylog.Observers(
		activitylog.LogObserver(log),
		m.Observer(),
	)))
	return &app{cfg: cfg, log: log, db: database, metrics: m, ledger: ledger}, nil
}

// Close releases the database pool and flushes the logger.
func (a *app) Close() {
	a.db.Close()
	_ = a.log.Sync()
}

func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	mode, err := fanout.ParseMode(a.cfg.Mode)
	if err != nil {
		return nil, err
	}
	cfg := dispatch.Config{
		Mode:           mode,
		MaxParallel:    a.cfg.MaxParallel,
		OKWait:         a.cfg.OKWait.Std(),
		NGWait:         a.cfg.NGWait.Std(),
		AdapterTimeout: a.cfg.AdapterTimeout.Std(),
		InferStock:     a.cfg.InferStockEnabled(),
		RequestOptions: sites.Options(a.cfg.RequestOptions),
	}
	registry := buildRegistry(a.cfg, a.log)
	return dispatch.New(a.db, a.ledger, registry, cfg, dispatch.WithLogger(a.log)), nil
}

func (a *app) syncer() (*notify.Syncer, error) {
	if a.cfg.CatalogBaseURL == "" {
		return nil, fmt.Errorf("catalog_base_url is required (config file or CATALOG_BASE_URL)")
	}
	mode, err := fanout.ParseMode(a.cfg.Mode)
	if err != nil {
		return nil, err
	}
	defaultRange, err := notify.ParseDefaultRange(a.cfg.DefaultRange)
	if err != nil {
		return nil, err
	}
	cfg := notify.Config{
		Mode:         mode,
		MaxParallel:  a.cfg.MaxParallel,
		DefaultRange: defaultRange,
		Location:     a.cfg.Location(),
	}
	client := catalog.New(a.cfg.CatalogBaseURL)
	return notify.New(a.db, a.ledger, client, cfg, notify.WithLogger(a.log)), nil
}

func (a *app) registrar() *registration.Service {
	return registration.New(a.db, a.log)
}
