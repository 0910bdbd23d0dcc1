package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// VersionHandler reports the build version.
type VersionHandler struct{}

// NewVersionHandler constructs a VersionHandler.
func NewVersionHandler() *VersionHandler {
	return &VersionHandler{}
}

// GetVersion returns the running build version.
func (h *VersionHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}
