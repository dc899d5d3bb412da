package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/formexport/internal/version"
)

// VersionHandler reports build information.
type VersionHandler struct{}

// NewVersionHandler creates a new VersionHandler instance.
func NewVersionHandler() *VersionHandler {
	return &VersionHandler{}
}

// Get returns the version of the running binary.
// GET /api/version
func (h *VersionHandler) Get(c *gin.Context) {
	info := version.Info()
	info["go_version"] = runtime.Version()
	c.JSON(http.StatusOK, info)
}
