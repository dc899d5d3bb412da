package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/config"
	"github.com/pandeptwidyaop/formexport/internal/database"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

// app holds the collaborators shared by the serve, export and forms commands.
type app struct {
	cfg     *config.Config
	db      *database.DB
	prefs   *services.PreferenceService
	source  *services.StorageFormSource
	catalog *services.FormCatalog
	runs    *services.RunService
	audit   *services.AuditService
	crypto  *services.CryptoService
}

// openApp opens the database and loads the form catalog from storageDir.
func openApp(ctx context.Context, cfg *config.Config, storageDir string) (*app, error) {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	a := &app{
		cfg:    cfg,
		db:     db,
		prefs:  services.NewPreferenceService(db),
		source: services.NewStorageFormSource(storageDir),
		runs:   services.NewRunService(db),
		audit:  services.NewAuditService(db),
	}

	key, err := cfg.Security.GetEncryptionKey()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if key != nil {
		if a.crypto, err = services.NewCryptoService(key); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if cfg.Security.StorePasswords {
		logrus.Warn("security.store_passwords is set without security.encryption_key, pull passwords will not be persisted")
	}

	policy := services.MergeKeepMissing
	if cfg.Export.DropMissingForms {
		policy = services.MergeDropMissing
	}
	a.catalog = services.NewFormCatalog(policy)
	if _, err := a.catalog.Refresh(ctx, a.source); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("list forms: %w", err)
	}

	entries, err := a.prefs.GetAll(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.catalog.RestoreExportTimes(entries)

	return a, nil
}

func (a *app) storeOptions() services.ConfigurationStoreOptions {
	return services.ConfigurationStoreOptions{
		StorePasswords: a.cfg.Security.StorePasswords,
		Crypto:         a.crypto,
	}
}

func (a *app) newOrchestrator(configs *services.ConfigurationStore, workers int) *services.ExportOrchestrator {
	transfer := services.NewAggregateTransfer(a.cfg.Transfer.GetTimeout())
	return services.NewExportOrchestrator(
		a.catalog,
		configs,
		services.NewPrecheckValidator(services.NewKeyFileValidator()),
		services.NewPullCoordinator(transfer, configs),
		services.NewCSVExporter(),
		services.OrchestratorOptions{
			MaxWorkers:  workers,
			Runs:        a.runs,
			Preferences: a.prefs,
		},
	)
}

func (a *app) Close() error {
	return a.db.Close()
}
