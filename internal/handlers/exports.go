package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/formexport/internal/middleware"
	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
	"github.com/pandeptwidyaop/formexport/internal/validation"
)

// ExportHandler starts, cancels and reports export runs.
type ExportHandler struct {
	orchestrator *services.ExportOrchestrator
	runService   *services.RunService
	auditService *services.AuditService
}

// NewExportHandler creates a new ExportHandler instance.
func NewExportHandler(orchestrator *services.ExportOrchestrator, runService *services.RunService, auditService *services.AuditService) *ExportHandler {
	return &ExportHandler{
		orchestrator: orchestrator,
		runService:   runService,
		auditService: auditService,
	}
}

// State returns the orchestrator state and the active run, if any.
func (h *ExportHandler) State(c *gin.Context) {
	resp := gin.H{"state": h.orchestrator.State()}
	if run := h.orchestrator.Current(); run != nil {
		resp["run_id"] = run.ID
		resp["started_at"] = run.StartedAt
	}
	c.JSON(http.StatusOK, resp)
}

// Start launches an export of the requested forms, or of the selection when
// no form is named. The run outlives the request.
func (h *ExportHandler) Start(c *gin.Context) {
	var req models.StartExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	for _, id := range req.FormIDs {
		if err := validation.ValidateFormID(id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form id"})
			return
		}
	}

	actor := middleware.Actor(c)
	run, err := h.orchestrator.StartForms(context.Background(), req.FormIDs, actor)
	if err != nil {
		respondError(c, err)
		return
	}

	if h.auditService != nil {
		h.auditService.LogExportRequest(c.Request.Context(), actor, run.ID, run.Forms, c.ClientIP(), c.GetHeader("User-Agent"))
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     run.ID,
		"forms":      len(run.Forms),
		"started_at": run.StartedAt,
	})
}

// Cancel signals the active run to stop.
func (h *ExportHandler) Cancel(c *gin.Context) {
	run := h.orchestrator.Current()
	if run == nil || !h.orchestrator.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "no export is running"})
		return
	}

	if h.auditService != nil {
		h.auditService.LogExportCancel(c.Request.Context(), middleware.Actor(c), run.ID, c.ClientIP(), c.GetHeader("User-Agent"))
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": "cancelling"})
}

// List returns recorded runs, newest first.
func (h *ExportHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	runs, err := h.runService.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// Get returns one run with its outcomes.
func (h *ExportHandler) Get(c *gin.Context) {
	run, err := h.runService.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
