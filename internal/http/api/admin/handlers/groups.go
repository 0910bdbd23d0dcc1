package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	dbutil "github.com/sssSonsss/devicefarm/internal/db"
	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/quota"
)

// GroupHandler manages device group and quota endpoints.
type GroupHandler struct {
	db     *gorm.DB
	ledger *quota.Ledger
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(db *gorm.DB, ledger *quota.Ledger) *GroupHandler {
	return &GroupHandler{db: db, ledger: ledger}
}

// createGroupRequest defines the request body for group creation.
type createGroupRequest struct {
	GroupTag string  `json:"group_tag"`
	Name     string  `json:"name"`
	OwnerID  *uint64 `json:"owner_id"`
	ParentID *uint64 `json:"parent_id"`
}

// Create creates a group, seeding its quota from the parent's defaults when
// a parent is given.
func (h *GroupHandler) Create(c *gin.Context) {
	var body createGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	groupTag := strings.TrimSpace(body.GroupTag)
	if groupTag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing group_tag"})
		return
	}

	now := time.Now().UTC()
	group := models.Group{
		GroupTag:  groupTag,
		Name:      strings.TrimSpace(body.Name),
		OwnerID:   body.OwnerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&group).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create group failed"})
		return
	}

	if body.ParentID != nil && *body.ParentID != 0 {
		if errSeed := h.ledger.ApplyDefaults(c.Request.Context(), *body.ParentID, group.ID); errSeed != nil {
			if errors.Is(errSeed, engine.ErrGroupNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "parent group not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "seed quota failed"})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        group.ID,
		"group_tag": group.GroupTag,
		"name":      group.Name,
	})
}

// List returns groups with optional filters.
func (h *GroupHandler) List(c *gin.Context) {
	var (
		tagQ    = strings.TrimSpace(c.Query("group_tag"))
		lockedQ = strings.TrimSpace(c.Query("locked"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.Group{})
	if tagQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+tagQ+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "group_tag"), pattern)
	}
	if lockedQ != "" {
		if locked, errParse := strconv.ParseBool(lockedQ); errParse == nil {
			q = q.Where("locked = ?", locked)
		}
	}

	var rows []models.Group
	if errFind := q.Order("group_tag ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list groups failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatGroup(&row))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

// Get returns a group by ID.
func (h *GroupHandler) Get(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var group models.Group
	if errFind := h.db.WithContext(c.Request.Context()).First(&group, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatGroup(&group))
}

// updateGroupRequest defines the request body for group updates.
type updateGroupRequest struct {
	Name    *string `json:"name"`
	OwnerID *uint64 `json:"owner_id"`
}

// Update modifies group display fields. Quota fields go through the quota
// endpoints so debits never race a blind write.
func (h *GroupHandler) Update(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updateGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if body.Name != nil {
		updates["name"] = strings.TrimSpace(*body.Name)
	}
	if body.OwnerID != nil {
		if *body.OwnerID == 0 {
			updates["owner_id"] = nil
		} else {
			updates["owner_id"] = *body.OwnerID
		}
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.Group{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a group. The root group and groups holding active
// reservations cannot be deleted.
func (h *GroupHandler) Delete(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()
	var group models.Group
	if errFind := h.db.WithContext(ctx).First(&group, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if group.IsRoot {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete root group"})
		return
	}

	var active int64
	if errCount := h.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("group_id = ? AND state = ?", id, models.ReservationActive).
		Count(&active).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if active > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "group has active reservations"})
		return
	}

	if errDelete := h.db.WithContext(ctx).Delete(&models.Group{}, id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// setQuotaRequest defines the request body for quota changes.
type setQuotaRequest struct {
	AllocatedNumber   *int64 `json:"allocated_number"`
	AllocatedDuration *int64 `json:"allocated_duration_ms"`
	Repetitions       *int64 `json:"repetitions"`
}

// SetQuota adjusts the group's allocated budgets through the ledger.
func (h *GroupHandler) SetQuota(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body setQuotaRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	if body.AllocatedNumber != nil || body.AllocatedDuration != nil {
		usage, errSnap := h.ledger.Snapshot(ctx, id)
		if errSnap != nil {
			respondLedgerError(c, errSnap)
			return
		}
		number := usage.AllocatedNumber
		duration := usage.AllocatedDuration
		if body.AllocatedNumber != nil {
			number = *body.AllocatedNumber
		}
		if body.AllocatedDuration != nil {
			duration = time.Duration(*body.AllocatedDuration) * time.Millisecond
		}
		if errSet := h.ledger.SetAllocated(ctx, id, number, duration); errSet != nil {
			if errors.Is(errSet, engine.ErrGroupNotFound) || errors.Is(errSet, engine.ErrStoreTimeout) {
				respondLedgerError(c, errSet)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation"})
			return
		}
	}
	if body.Repetitions != nil && *body.Repetitions < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repetitions"})
		return
	}
	if body.Repetitions != nil {
		if errSet := h.ledger.SetRepetitions(ctx, id, *body.Repetitions); errSet != nil {
			respondLedgerError(c, errSet)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Lock blocks new admissions for the group. Active reservations run out
// their clock.
func (h *GroupHandler) Lock(c *gin.Context) {
	h.setLocked(c, true)
}

// Unlock re-opens the group for admissions.
func (h *GroupHandler) Unlock(c *gin.Context) {
	h.setLocked(c, false)
}

func (h *GroupHandler) setLocked(c *gin.Context, locked bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var errSet error
	if locked {
		errSet = h.ledger.Lock(c.Request.Context(), id)
	} else {
		errSet = h.ledger.Unlock(c.Request.Context(), id)
	}
	if errSet != nil {
		respondLedgerError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// setUnlimitedRequest defines the request body for the unlimited override.
type setUnlimitedRequest struct {
	Unlimited bool `json:"unlimited"`
}

// SetUnlimited toggles the capacity-bypass override for the group.
func (h *GroupHandler) SetUnlimited(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body setUnlimitedRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errSet := h.ledger.SetUnlimited(c.Request.Context(), id, body.Unlimited); errSet != nil {
		respondLedgerError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, engine.ErrStoreTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store busy, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
	}
}

// formatGroup formats a group row into response JSON.
func formatGroup(g *models.Group) gin.H {
	return gin.H{
		"id":                    g.ID,
		"group_tag":             g.GroupTag,
		"name":                  g.Name,
		"owner_id":              g.OwnerID,
		"is_root":               g.IsRoot,
		"locked":                g.Locked,
		"unlimited":             g.Unlimited,
		"allocated_number":      g.AllocatedNumber,
		"allocated_duration_ms": g.AllocatedDuration,
		"consumed_number":       g.ConsumedNumber,
		"consumed_duration_ms":  g.ConsumedDuration,
		"repetitions":           g.Repetitions,
		"created_at":            g.CreatedAt,
		"updated_at":            g.UpdatedAt,
	}
}
