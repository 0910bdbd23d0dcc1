package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/reservation"
)

// ReservationHandler exposes reservation inspection and forced release to
// admins.
type ReservationHandler struct {
	db        *gorm.DB
	scheduler *reservation.Scheduler
}

// NewReservationHandler constructs a ReservationHandler.
func NewReservationHandler(db *gorm.DB, scheduler *reservation.Scheduler) *ReservationHandler {
	return &ReservationHandler{db: db, scheduler: scheduler}
}

// List returns reservations with optional filters, newest first.
func (h *ReservationHandler) List(c *gin.Context) {
	var (
		stateQ  = strings.TrimSpace(c.Query("state"))
		userQ   = strings.TrimSpace(c.Query("user_id"))
		groupQ  = strings.TrimSpace(c.Query("group_id"))
		serialQ = strings.TrimSpace(c.Query("serial"))
		limitQ  = strings.TrimSpace(c.Query("limit"))
	)

	limit := 100
	if limitQ != "" {
		if parsed, errParse := strconv.Atoi(limitQ); errParse == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	q := h.db.WithContext(c.Request.Context()).Model(&models.Reservation{})
	if stateQ != "" {
		q = q.Where("state = ?", stateQ)
	}
	if userQ != "" {
		if userID, errParse := strconv.ParseUint(userQ, 10, 64); errParse == nil {
			q = q.Where("user_id = ?", userID)
		}
	}
	if groupQ != "" {
		if groupID, errParse := strconv.ParseUint(groupQ, 10, 64); errParse == nil {
			q = q.Where("group_id = ?", groupID)
		}
	}
	if serialQ != "" {
		q = q.Where("device_serial = ?", serialQ)
	}

	var rows []models.Reservation
	if errFind := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list reservations failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatReservation(&row))
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

// Get returns a reservation by ID.
func (h *ReservationHandler) Get(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	r, errGet := h.scheduler.Get(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, engine.ErrReservationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatReservation(&r))
}

// Release force-releases a reservation on behalf of an admin.
func (h *ReservationHandler) Release(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	r, errRelease := h.scheduler.Release(c.Request.Context(), id, adminActor(c))
	if errRelease != nil {
		if errors.Is(errRelease, engine.ErrReservationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		return
	}
	c.JSON(http.StatusOK, formatReservation(&r))
}

// ReleaseUser force-releases every active reservation a user holds.
func (h *ReservationHandler) ReleaseUser(c *gin.Context) {
	userID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	released, errForce := h.scheduler.ForceReleaseUser(c.Request.Context(), userID, adminActor(c))
	if errForce != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func adminActor(c *gin.Context) string {
	if username, ok := c.Get("adminUsername"); ok {
		if name, okStr := username.(string); okStr && name != "" {
			return "admin:" + name
		}
	}
	return "admin"
}

// formatReservation formats a reservation row into response JSON.
func formatReservation(r *models.Reservation) gin.H {
	return gin.H{
		"id":                    r.ID,
		"user_id":               r.UserID,
		"device_serial":         r.DeviceSerial,
		"group_id":              r.GroupID,
		"state":                 r.State,
		"requested_duration_ms": r.RequestedDuration,
		"granted_duration_ms":   r.GrantedDuration,
		"expires_at":            r.ExpiresAt,
		"repetition_count":      r.RepetitionCount,
		"reject_reason":         r.RejectReason,
		"released_by":           r.ReleasedBy,
		"created_at":            r.CreatedAt,
		"updated_at":            r.UpdatedAt,
	}
}
