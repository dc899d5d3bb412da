package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/formexport/internal/middleware"
	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
	"github.com/pandeptwidyaop/formexport/internal/validation"
)

// ConfigurationHandler handles the default configuration, per-form overrides
// and pull settings.
type ConfigurationHandler struct {
	configs      *services.ConfigurationStore
	catalog      *services.FormCatalog
	prefs        services.Preferences
	auditService *services.AuditService
}

// NewConfigurationHandler creates a new ConfigurationHandler instance.
func NewConfigurationHandler(configs *services.ConfigurationStore, catalog *services.FormCatalog, prefs services.Preferences, auditService *services.AuditService) *ConfigurationHandler {
	return &ConfigurationHandler{
		configs:      configs,
		catalog:      catalog,
		prefs:        prefs,
		auditService: auditService,
	}
}

// ConsentRequest changes the store-passwords consent.
type ConsentRequest struct {
	StorePasswords bool `json:"store_passwords"`
}

// Get returns the default configuration, the overrides and whether an export
// of the current selection can start.
func (h *ConfigurationHandler) Get(c *gin.Context) {
	def := h.configs.Default()
	selected := h.catalog.SelectedForms()

	c.JSON(http.StatusOK, gin.H{
		"default":         def,
		"default_valid":   def.IsValid(),
		"overrides":       h.configs.Overrides(),
		"store_passwords": h.configs.StorePasswords(),
		"export_enabled":  len(selected) > 0 && (def.IsValid() || h.configs.AllHaveValidOverride(selected)),
	})
}

// UpdateDefault replaces the default configuration.
func (h *ConfigurationHandler) UpdateDefault(c *gin.Context) {
	cfg, ok := bindConfiguration(c)
	if !ok {
		return
	}

	if err := h.configs.SetDefault(cfg); err != nil {
		respondError(c, err)
		return
	}
	if !h.flush(c) {
		return
	}

	h.audit(c, "update", "")
	c.JSON(http.StatusOK, gin.H{"default": cfg, "default_valid": cfg.IsValid()})
}

// UpdateOverride replaces the configuration of one form.
func (h *ConfigurationHandler) UpdateOverride(c *gin.Context) {
	formID := c.Param("id")
	if _, err := h.catalog.Get(formID); err != nil {
		respondError(c, err)
		return
	}

	cfg, ok := bindConfiguration(c)
	if !ok {
		return
	}

	if err := h.configs.SetOverride(formID, cfg); err != nil {
		respondError(c, err)
		return
	}
	if !h.flush(c) {
		return
	}

	h.audit(c, "update", formID)
	c.JSON(http.StatusOK, h.configs.Resolve(formID))
}

// ClearOverride makes a form inherit the default configuration.
func (h *ConfigurationHandler) ClearOverride(c *gin.Context) {
	formID := c.Param("id")
	if _, err := h.catalog.Get(formID); err != nil {
		respondError(c, err)
		return
	}

	if err := h.configs.ClearOverride(formID); err != nil {
		respondError(c, err)
		return
	}
	if !h.flush(c) {
		return
	}

	h.audit(c, "delete", formID)
	c.JSON(http.StatusOK, h.configs.Resolve(formID))
}

// UpdatePullSettings sets where a form pulls from before export.
func (h *ConfigurationHandler) UpdatePullSettings(c *gin.Context) {
	formID := c.Param("id")
	if _, err := h.catalog.Get(formID); err != nil {
		respondError(c, err)
		return
	}

	var settings models.PullSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidatePullSettings(settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.configs.PutPullSettings(formID, settings); err != nil {
		respondError(c, err)
		return
	}
	if !h.flush(c) {
		return
	}

	h.audit(c, "update_pull_settings", formID)
	c.JSON(http.StatusOK, gin.H{
		"server_url": settings.ServerURL,
		"username":   settings.Username,
		"persisted":  h.configs.StorePasswords(),
	})
}

// UpdateConsent changes whether pull credentials are persisted.
func (h *ConfigurationHandler) UpdateConsent(c *gin.Context) {
	var req ConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.configs.SetStorePasswordsConsent(req.StorePasswords); err != nil {
		respondError(c, err)
		return
	}
	if !h.flush(c) {
		return
	}

	h.audit(c, "update_consent", "")
	c.JSON(http.StatusOK, gin.H{"store_passwords": req.StorePasswords})
}

func bindConfiguration(c *gin.Context) (models.ExportConfiguration, bool) {
	var cfg models.ExportConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return cfg, false
	}
	if err := validation.ValidateExportConfiguration(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return cfg, false
	}
	return cfg, true
}

func (h *ConfigurationHandler) flush(c *gin.Context) bool {
	if err := h.configs.Flush(c.Request.Context(), h.prefs, h.catalog.IDs()); err != nil {
		respondError(c, err)
		return false
	}
	return true
}

func (h *ConfigurationHandler) audit(c *gin.Context, action, formID string) {
	if h.auditService == nil {
		return
	}
	h.auditService.LogConfigurationChange(c.Request.Context(), middleware.Actor(c), action, formID, c.ClientIP(), c.GetHeader("User-Agent"))
}
