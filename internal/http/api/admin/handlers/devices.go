package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	dbutil "github.com/sssSonsss/devicefarm/internal/db"
	"github.com/sssSonsss/devicefarm/internal/devices"
	"github.com/sssSonsss/devicefarm/internal/models"
)

// DeviceHandler exposes the device registry to admins.
type DeviceHandler struct {
	db     *gorm.DB
	syncer *devices.Syncer
}

// NewDeviceHandler constructs a DeviceHandler. syncer may be nil when no
// inventory source is configured.
func NewDeviceHandler(db *gorm.DB, syncer *devices.Syncer) *DeviceHandler {
	return &DeviceHandler{db: db, syncer: syncer}
}

// List returns devices with optional filters.
func (h *DeviceHandler) List(c *gin.Context) {
	var (
		tagQ     = strings.TrimSpace(c.Query("group_tag"))
		serialQ  = strings.TrimSpace(c.Query("serial"))
		presentQ = strings.TrimSpace(c.Query("present"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.Device{})
	if tagQ != "" {
		q = q.Where("group_tag = ?", tagQ)
	}
	if serialQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+serialQ+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "serial"), pattern)
	}
	if presentQ != "" {
		if present, errParse := strconv.ParseBool(presentQ); errParse == nil {
			q = q.Where("present = ?", present)
		}
	}

	var rows []models.Device
	if errFind := q.Order("serial ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list devices failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatDevice(&row))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// Get returns a device by serial.
func (h *DeviceHandler) Get(c *gin.Context) {
	serial := strings.TrimSpace(c.Param("serial"))
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid serial"})
		return
	}
	var device models.Device
	if errFind := h.db.WithContext(c.Request.Context()).Where("serial = ?", serial).First(&device).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatDevice(&device))
}

// Sync triggers an immediate inventory refresh.
func (h *DeviceHandler) Sync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no inventory source configured"})
		return
	}
	if errSync := h.syncer.SyncOnce(c.Request.Context()); errSync != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// formatDevice formats a device row into response JSON.
func formatDevice(d *models.Device) gin.H {
	return gin.H{
		"serial":       d.Serial,
		"group_tag":    d.GroupTag,
		"model":        d.Model,
		"present":      d.Present,
		"last_seen_at": d.LastSeenAt,
		"updated_at":   d.UpdatedAt,
	}
}
