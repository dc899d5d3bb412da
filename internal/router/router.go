// Package router wires the HTTP API.
package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/formexport/internal/config"
	"github.com/pandeptwidyaop/formexport/internal/handlers"
	"github.com/pandeptwidyaop/formexport/internal/middleware"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

// Services are the collaborators the API exposes.
type Services struct {
	Catalog      *services.FormCatalog
	Source       services.FormSource
	Configs      *services.ConfigurationStore
	Preferences  services.Preferences
	Orchestrator *services.ExportOrchestrator
	Runs         *services.RunService
	Audit        *services.AuditService
}

// New builds the gin engine serving the API under cfg.Server.PathPrefix.
func New(cfg *config.Config, svc Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.StrictTransportSecurity(31536000))

	prefix := r.Group(cfg.Server.PathPrefix)

	formHandler := handlers.NewFormHandler(svc.Catalog, svc.Source, svc.Configs, svc.Preferences)
	configurationHandler := handlers.NewConfigurationHandler(svc.Configs, svc.Catalog, svc.Preferences, svc.Audit)
	exportHandler := handlers.NewExportHandler(svc.Orchestrator, svc.Runs, svc.Audit)
	streamHandler := handlers.NewStreamHandler(svc.Orchestrator, svc.Runs)
	auditHandler := handlers.NewAuditHandler(svc.Audit)
	versionHandler := handlers.NewVersionHandler()

	exportLimiter := middleware.NewRateLimiter(30, time.Minute)

	api := prefix.Group("/api")
	{
		// Public version endpoint
		api.GET("/version", versionHandler.Get)

		protected := api.Group("")
		protected.Use(middleware.TokenRequired(cfg.Security.APITokenHash))
		protected.Use(middleware.ConfigurationBodyLimit())
		{
			protected.GET("/forms", formHandler.List)
			protected.GET("/forms/:id", formHandler.Get)
			protected.POST("/forms/refresh", formHandler.Refresh)
			protected.POST("/forms/selection", formHandler.SelectAll)
			protected.PUT("/forms/:id/selection", formHandler.Select)

			protected.GET("/configuration", configurationHandler.Get)
			protected.PUT("/configuration/default", configurationHandler.UpdateDefault)
			protected.PUT("/configuration/consent", configurationHandler.UpdateConsent)
			protected.PUT("/configuration/forms/:id", configurationHandler.UpdateOverride)
			protected.DELETE("/configuration/forms/:id", configurationHandler.ClearOverride)
			protected.PUT("/configuration/forms/:id/pull-settings", configurationHandler.UpdatePullSettings)

			protected.GET("/exports", exportHandler.List)
			protected.GET("/exports/state", exportHandler.State)
			protected.POST("/exports", exportLimiter.Middleware(), exportHandler.Start)
			protected.POST("/exports/cancel", exportLimiter.Middleware(), exportHandler.Cancel)
			protected.GET("/exports/:id", exportHandler.Get)
			protected.GET("/exports/:id/stream", streamHandler.Stream)
			protected.GET("/exports/:id/ws", streamHandler.WebSocket)

			protected.GET("/audit", auditHandler.List)
		}
	}

	// Redirect root to the version endpoint (only if prefix is not empty)
	if cfg.Server.PathPrefix != "" && cfg.Server.PathPrefix != "/" {
		r.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, cfg.Server.PathPrefix+"/api/version")
		})
	}

	return r
}
