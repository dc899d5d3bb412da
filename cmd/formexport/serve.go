package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/router"
	"github.com/pandeptwidyaop/formexport/internal/services"
	"github.com/pandeptwidyaop/formexport/internal/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	log := logrus.WithField("component", "server")

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Security.APITokenHash == "" {
		log.Warn("security.api_token_hash is not set, the API accepts anonymous requests")
	}

	a, err := openApp(ctx, cfg, cfg.Storage.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}()

	fallback := models.ExportConfiguration{ExportDir: cfg.Export.DefaultExportDir}
	configs, err := services.LoadConfigurationStore(ctx, a.prefs, a.catalog.IDs(), fallback, a.storeOptions())
	if err != nil {
		return fmt.Errorf("load export configuration: %w", err)
	}
	dropped, err := configs.Prune(a.catalog.IDs())
	if err != nil {
		return fmt.Errorf("prune export configuration: %w", err)
	}
	if len(dropped) > 0 {
		log.WithField("forms", dropped).Info("Dropped configuration of unknown forms")
		if err := configs.Flush(ctx, a.prefs, a.catalog.IDs()); err != nil {
			return fmt.Errorf("save export configuration: %w", err)
		}
	}

	orchestrator := a.newOrchestrator(configs, cfg.Export.MaxWorkers)

	r := router.New(cfg, router.Services{
		Catalog:      a.catalog,
		Source:       a.source,
		Configs:      configs,
		Preferences:  a.prefs,
		Orchestrator: orchestrator,
		Runs:         a.runs,
		Audit:        a.audit,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher := services.NewFormWatcher(a.source.FormsDir(), time.Second, func(ctx context.Context) {
		dropped, err := services.SyncForms(ctx, a.catalog, a.source, configs, a.prefs)
		if err != nil {
			log.WithError(err).Error("Failed to refresh forms")
			return
		}
		log.WithFields(logrus.Fields{"forms": len(a.catalog.IDs()), "dropped": dropped}).Info("Forms refreshed")
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.WithError(err).Warn("Form watcher stopped, use POST /api/forms/refresh instead")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("formexport %s starting on %s", version.Version, addr)
		log.Infof("API at: http://%s%s/api", addr, cfg.Server.PathPrefix)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if run := orchestrator.Current(); run != nil && orchestrator.Cancel() {
		select {
		case <-run.Done():
		case <-shutdownCtx.Done():
			log.Warn("Export run did not stop before the shutdown timeout")
		}
	}

	return srv.Shutdown(shutdownCtx)
}
