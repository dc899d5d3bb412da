package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

// FormHandler handles the form catalog and selection.
type FormHandler struct {
	catalog *services.FormCatalog
	source  services.FormSource
	configs *services.ConfigurationStore
	prefs   services.Preferences
}

// NewFormHandler creates a new FormHandler instance.
func NewFormHandler(catalog *services.FormCatalog, source services.FormSource, configs *services.ConfigurationStore, prefs services.Preferences) *FormHandler {
	return &FormHandler{
		catalog: catalog,
		source:  source,
		configs: configs,
		prefs:   prefs,
	}
}

type formView struct {
	models.Form
	ConfigurationSource services.ConfigurationSource `json:"configuration_source"`
	HasPullSettings     bool                         `json:"has_pull_settings"`
}

func (h *FormHandler) view(f models.Form) formView {
	_, hasPull := h.configs.PullSettings(f.ID)
	return formView{
		Form:                f,
		ConfigurationSource: h.configs.Resolve(f.ID).Source,
		HasPullSettings:     hasPull,
	}
}

// List returns every known form.
func (h *FormHandler) List(c *gin.Context) {
	forms := h.catalog.All()
	views := make([]formView, 0, len(forms))
	for _, f := range forms {
		views = append(views, h.view(f))
	}
	c.JSON(http.StatusOK, views)
}

// Get returns one form with its effective configuration.
func (h *FormHandler) Get(c *gin.Context) {
	form, err := h.catalog.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"form":          h.view(form),
		"configuration": h.configs.Resolve(form.ID),
	})
}

// Refresh reloads the catalog from storage and drops configuration of forms
// that no longer exist.
func (h *FormHandler) Refresh(c *gin.Context) {
	dropped, err := services.SyncForms(c.Request.Context(), h.catalog, h.source, h.configs, h.prefs)
	if err != nil {
		respondError(c, err)
		return
	}

	if dropped == nil {
		dropped = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"forms":   len(h.catalog.IDs()),
		"dropped": dropped,
	})
}

// Select changes the selection of one form.
func (h *FormHandler) Select(c *gin.Context) {
	var req models.SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.catalog.Select(c.Param("id"), req.Selected); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": req.Selected})
}

// SelectAll selects or deselects every form.
func (h *FormHandler) SelectAll(c *gin.Context) {
	var req models.SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.catalog.ToggleAll(req.Selected)
	c.JSON(http.StatusOK, gin.H{
		"some_selected": h.catalog.SomeSelected(),
		"all_selected":  h.catalog.AllSelected(),
	})
}
