package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	dbutil "github.com/sssSonsss/devicefarm/internal/db"
	"github.com/sssSonsss/devicefarm/internal/models"
)

// QuotaHandler handles the admin quota usage view.
type QuotaHandler struct {
	db *gorm.DB
}

// NewQuotaHandler constructs a QuotaHandler.
func NewQuotaHandler(db *gorm.DB) *QuotaHandler {
	return &QuotaHandler{db: db}
}

// quotaListQuery defines filters for the quota list view.
type quotaListQuery struct {
	Page  int    `form:"page,default=1"`   // Page number.
	Limit int    `form:"limit,default=12"` // Page size.
	Tag   string `form:"group_tag"`        // Group tag filter.
}

// List returns per-group quota usage with paging and filters.
func (h *QuotaHandler) List(c *gin.Context) {
	var q quotaListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 12
	}

	ctx := c.Request.Context()
	base := h.db.WithContext(ctx).Model(&models.Group{})
	if tagQ := strings.TrimSpace(q.Tag); tagQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+tagQ+"%")
		base = base.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "group_tag"), pattern)
	}

	var total int64
	if errCount := base.Session(&gorm.Session{}).Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count quotas failed"})
		return
	}

	var rows []models.Group
	if errFind := base.Order("group_tag ASC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list quotas failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		remainingMs := row.AllocatedDuration - row.ConsumedDuration
		if remainingMs < 0 {
			remainingMs = 0
		}
		out = append(out, gin.H{
			"group_id":              row.ID,
			"group_tag":             row.GroupTag,
			"locked":                row.Locked,
			"unlimited":             row.Unlimited,
			"allocated_number":      row.AllocatedNumber,
			"consumed_number":       row.ConsumedNumber,
			"allocated_duration_ms": row.AllocatedDuration,
			"consumed_duration_ms":  row.ConsumedDuration,
			"remaining_duration_ms": remainingMs,
			"repetitions":           row.Repetitions,
			"updated_at":            row.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"quotas": out,
		"total":  total,
		"page":   q.Page,
		"limit":  q.Limit,
	})
}
