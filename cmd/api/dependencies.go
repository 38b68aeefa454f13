package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/FACorreiaa/finance-portability/internal/domain/audit"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/handler"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/repository"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/service"

	"github.com/FACorreiaa/finance-portability/pkg/config"
	"github.com/FACorreiaa/finance-portability/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	Store repository.Store
	Audit audit.Recorder

	// Services
	PortabilityService *service.Service

	// Handlers
	PortabilityHandler *handler.PortabilityHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := deps.initHandlers(); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// OpenDatabase connects to Postgres and applies pending migrations.
func OpenDatabase(cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	database, err := db.New(db.Config{
		DSN:             cfg.Database.DSN(),
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := OpenDatabase(d.Config, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	d.Store = repository.NewPostgresStore(d.DB.Pool, graph.Finance(), d.Config.Portability.ExportReadWorkers, d.Logger)
	d.Audit = audit.MultiRecorder{
		audit.NewLogRecorder(d.Logger),
		audit.NewPostgresRecorder(d.DB.Pool),
	}

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	svc, err := service.NewService(d.Store, graph.Finance(), d.Audit, d.Logger, service.Config{
		ImportTimeout:   d.Config.Portability.ImportTimeout,
		ReadWorkers:     d.Config.Portability.ExportReadWorkers,
		SummaryCacheTTL: d.Config.Portability.SummaryCacheTTL,
	})
	if err != nil {
		return err
	}
	d.PortabilityService = svc

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.PortabilityHandler = handler.NewPortabilityHandler(d.PortabilityService, d.Logger, d.Config.Portability.MaxImportBytes)

	d.Logger.Info("handlers initialized")
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.PortabilityService != nil {
		d.PortabilityService.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
