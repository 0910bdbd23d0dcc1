package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/reservation"
)

// ReservationFrontHandler serves reservation endpoints for end users.
type ReservationFrontHandler struct {
	scheduler *reservation.Scheduler
}

// NewReservationFrontHandler constructs a ReservationFrontHandler.
func NewReservationFrontHandler(scheduler *reservation.Scheduler) *ReservationFrontHandler {
	return &ReservationFrontHandler{scheduler: scheduler}
}

// createReservationRequest defines the request body for a reservation.
type createReservationRequest struct {
	Serial     string `json:"serial"`
	DurationMs int64  `json:"duration_ms"`
}

// Create requests a device reservation for the current user.
func (h *ReservationFrontHandler) Create(c *gin.Context) {
	var body createReservationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	serial := strings.TrimSpace(body.Serial)
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing serial"})
		return
	}

	duration := time.Duration(body.DurationMs) * time.Millisecond
	r, errRequest := h.scheduler.Request(c.Request.Context(), currentUserID(c), serial, duration)
	if errRequest != nil {
		respondAdmissionError(c, errRequest)
		return
	}
	c.JSON(http.StatusCreated, formatReservation(&r))
}

// List returns the current user's reservations, newest first.
func (h *ReservationFrontHandler) List(c *gin.Context) {
	limit := 0
	if limitQ := strings.TrimSpace(c.Query("limit")); limitQ != "" {
		if parsed, errParse := strconv.Atoi(limitQ); errParse == nil {
			limit = parsed
		}
	}
	rows, errList := h.scheduler.ListByUser(c.Request.Context(), currentUserID(c), limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list reservations failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatReservation(&row))
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

// Get returns one of the current user's reservations.
func (h *ReservationFrontHandler) Get(c *gin.Context) {
	r, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, formatReservation(&r))
}

// renewReservationRequest defines the request body for a renewal.
type renewReservationRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

// Renew extends one of the current user's active reservations.
func (h *ReservationFrontHandler) Renew(c *gin.Context) {
	r, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var body renewReservationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	grant, errRenew := h.scheduler.Renew(c.Request.Context(), r.ID, time.Duration(body.DurationMs)*time.Millisecond)
	if errRenew != nil {
		respondAdmissionError(c, errRenew)
		return
	}
	c.JSON(http.StatusOK, gin.H{"extension_ms": grant.Duration.Milliseconds()})
}

// Release returns one of the current user's reservations.
func (h *ReservationFrontHandler) Release(c *gin.Context) {
	r, ok := h.loadOwned(c)
	if !ok {
		return
	}
	released, errRelease := h.scheduler.Release(c.Request.Context(), r.ID, "user")
	if errRelease != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		return
	}
	c.JSON(http.StatusOK, formatReservation(&released))
}

// loadOwned loads the reservation and enforces ownership.
func (h *ReservationFrontHandler) loadOwned(c *gin.Context) (models.Reservation, bool) {
	id := strings.TrimSpace(c.Param("id"))
	r, errGet := h.scheduler.Get(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, engine.ErrReservationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return models.Reservation{}, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return models.Reservation{}, false
	}
	if r.UserID != currentUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return models.Reservation{}, false
	}
	return r, true
}

// respondAdmissionError maps engine errors to HTTP statuses.
func respondAdmissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not available"})
	case errors.Is(err, engine.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, engine.ErrNotSubscribed):
		c.JSON(http.StatusForbidden, gin.H{"error": "not subscribed"})
	case errors.Is(err, engine.ErrGroupLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "group locked"})
	case errors.Is(err, engine.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota exceeded"})
	case errors.Is(err, engine.ErrRepetitionsExhausted):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "no renewals left"})
	case engine.Retryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

// formatReservation formats a reservation row into response JSON.
func formatReservation(r *models.Reservation) gin.H {
	return gin.H{
		"id":                  r.ID,
		"serial":              r.DeviceSerial,
		"state":               r.State,
		"granted_duration_ms": r.GrantedDuration,
		"expires_at":          r.ExpiresAt,
		"repetition_count":    r.RepetitionCount,
		"reject_reason":       r.RejectReason,
		"created_at":          r.CreatedAt,
	}
}
