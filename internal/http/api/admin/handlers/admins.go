package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/security"
)

// AdminHandler manages operator account endpoints.
type AdminHandler struct {
	db *gorm.DB
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{db: db}
}

// createAdminRequest defines the request body for admin creation.
type createAdminRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Create creates a new operator account.
func (h *AdminHandler) Create(c *gin.Context) {
	var body createAdminRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}
	password := strings.TrimSpace(body.Password)
	if password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	now := time.Now().UTC()
	admin := models.Admin{
		Username:  username,
		Password:  hash,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&admin).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create admin failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       admin.ID,
		"username": admin.Username,
	})
}

// List returns all operator accounts.
func (h *AdminHandler) List(c *gin.Context) {
	var rows []models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Order("username ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list admins failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":             row.ID,
			"username":       row.Username,
			"active":         row.Active,
			"is_super_admin": row.IsSuperAdmin,
			"created_at":     row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"admins": out})
}

// Delete removes an operator account. The bootstrap super admin cannot be
// deleted.
func (h *AdminHandler) Delete(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).First(&admin, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if admin.IsSuperAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete super admin"})
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).Delete(&models.Admin{}, id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ChangePassword updates an operator's password.
func (h *AdminHandler) ChangePassword(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body changePasswordRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	password := strings.TrimSpace(body.Password)
	if password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}
	res := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).
		Where("id = ?", id).
		Updates(map[string]any{"password": hash, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "change password failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
