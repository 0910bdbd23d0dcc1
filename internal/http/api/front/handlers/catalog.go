package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sssSonsss/devicefarm/internal/devices"
	"github.com/sssSonsss/devicefarm/internal/subscription"
)

// CatalogFrontHandler serves the groups and devices visible to the current
// user through their subscriptions.
type CatalogFrontHandler struct {
	matcher  *subscription.Matcher
	registry *devices.Registry
}

// NewCatalogFrontHandler constructs a CatalogFrontHandler.
func NewCatalogFrontHandler(matcher *subscription.Matcher, registry *devices.Registry) *CatalogFrontHandler {
	return &CatalogFrontHandler{matcher: matcher, registry: registry}
}

// ListGroups returns the groups the current user is subscribed to.
func (h *CatalogFrontHandler) ListGroups(c *gin.Context) {
	userID := currentUserID(c)
	groups, errList := h.matcher.ListVisibleGroups(userID)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list groups failed"})
		return
	}
	out := make([]gin.H, 0, len(groups))
	for _, group := range groups {
		out = append(out, gin.H{
			"id":        group.ID,
			"group_tag": group.GroupTag,
			"name":      group.Name,
			"locked":    group.Locked,
		})
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

// ListDevices returns the present devices in the user's visible groups.
func (h *CatalogFrontHandler) ListDevices(c *gin.Context) {
	userID := currentUserID(c)
	patterns, errPatterns := h.matcher.UserPatterns(userID)
	if errPatterns != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load subscriptions failed"})
		return
	}

	universal := false
	tags := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if pattern.Kind == subscription.KindUniversal {
			universal = true
			continue
		}
		tags = append(tags, pattern.Tag)
	}

	rows, errList := h.registry.ListPresentByTags(c.Request.Context(), tags, universal)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list devices failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"serial":    row.Serial,
			"group_tag": row.GroupTag,
			"model":     row.Model,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// currentUserID returns the authenticated user's ID from the gin context.
func currentUserID(c *gin.Context) uint64 {
	if value, ok := c.Get("userID"); ok {
		if id, okUint := value.(uint64); okUint {
			return id
		}
	}
	return 0
}
