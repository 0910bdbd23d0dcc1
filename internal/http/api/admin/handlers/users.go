package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbutil "github.com/sssSonsss/devicefarm/internal/db"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/reservation"
	"github.com/sssSonsss/devicefarm/internal/security"
)

// UserHandler manages user account endpoints.
type UserHandler struct {
	db        *gorm.DB
	scheduler *reservation.Scheduler
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(db *gorm.DB, scheduler *reservation.Scheduler) *UserHandler {
	return &UserHandler{db: db, scheduler: scheduler}
}

// createUserRequest defines the request body for user creation.
type createUserRequest struct {
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Password      string   `json:"password"`
	Privilege     string   `json:"privilege"`
	Subscriptions []string `json:"subscriptions"`
}

// Create creates a new user account.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing email"})
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

	privilege := strings.TrimSpace(body.Privilege)
	if privilege == "" {
		privilege = models.PrivilegeStandard
	}

	now := time.Now().UTC()
	user := models.User{
		Email:         email,
		Name:          strings.TrimSpace(body.Name),
		Password:      hash,
		Privilege:     privilege,
		Subscriptions: marshalSubscriptions(body.Subscriptions),
		Forwards:      datatypes.JSON([]byte("[]")),
		Settings:      datatypes.JSON([]byte("{}")),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":            user.ID,
		"email":         user.Email,
		"name":          user.Name,
		"privilege":     user.Privilege,
		"subscriptions": body.Subscriptions,
	})
}

// List returns users with optional filters.
func (h *UserHandler) List(c *gin.Context) {
	var (
		emailQ  = strings.TrimSpace(c.Query("email"))
		idQ     = strings.TrimSpace(c.Query("id"))
		searchQ = strings.TrimSpace(c.Query("search"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if emailQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+emailQ+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "email"), pattern)
	}
	if idQ != "" {
		if id, errParse := strconv.ParseUint(idQ, 10, 64); errParse == nil {
			q = q.Where("id = ?", id)
		}
	}
	if searchQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+searchQ+"%")
		q = q.Where(
			dbutil.CaseInsensitiveLikeExpr(h.db, "email")+" OR "+
				dbutil.CaseInsensitiveLikeExpr(h.db, "name"),
			pattern,
			pattern,
		)
	}

	var rows []models.User
	if errFind := q.Order("created_at DESC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatUser(&row))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Get returns a user by ID.
func (h *UserHandler) Get(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatUser(&user))
}

// updateUserRequest defines the request body for user updates.
type updateUserRequest struct {
	Email         *string          `json:"email"`
	Name          *string          `json:"name"`
	Privilege     *string          `json:"privilege"`
	Subscriptions *[]string        `json:"subscriptions"`
	Forwards      *json.RawMessage `json:"forwards"`
	Active        *bool            `json:"active"`
}

// Update modifies a user account.
func (h *UserHandler) Update(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updateUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if body.Email != nil {
		email := strings.TrimSpace(*body.Email)
		if email != "" {
			updates["email"] = email
		}
	}
	if body.Name != nil {
		updates["name"] = strings.TrimSpace(*body.Name)
	}
	if body.Privilege != nil {
		privilege := strings.TrimSpace(*body.Privilege)
		if privilege != models.PrivilegeStandard && privilege != models.PrivilegeAdmin {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid privilege"})
			return
		}
		updates["privilege"] = privilege
	}
	if body.Subscriptions != nil {
		updates["subscriptions"] = marshalSubscriptions(*body.Subscriptions)
	}
	if body.Forwards != nil {
		var items []json.RawMessage
		if errForwards := json.Unmarshal(*body.Forwards, &items); errForwards != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "forwards must be a json array"})
			return
		}
		updates["forwards"] = datatypes.JSON(*body.Forwards)
	}
	if body.Active != nil {
		updates["active"] = *body.Active
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.User{}).Where("id = ?", id).Updates(updates)
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

// Delete removes a user account after releasing every reservation it holds.
func (h *UserHandler) Delete(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()
	var user models.User
	if errFind := h.db.WithContext(ctx).First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	if _, errForce := h.scheduler.ForceReleaseUser(ctx, id, "admin:delete"); errForce != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release reservations failed"})
		return
	}
	if errDelete := h.db.WithContext(ctx).Delete(&models.User{}, id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Disable deactivates a user account and releases its reservations.
func (h *UserHandler) Disable(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	res := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disable failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if _, errForce := h.scheduler.ForceReleaseUser(c.Request.Context(), id, "admin:disable"); errForce != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release reservations failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Enable reactivates a user account.
func (h *UserHandler) Enable(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	res := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enable failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// changePasswordRequest defines the request body for password changes.
type changePasswordRequest struct {
	Password string `json:"password"`
}

// ChangePassword updates a user's password.
func (h *UserHandler) ChangePassword(c *gin.Context) {
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
	res := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
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

func marshalSubscriptions(subscriptions []string) datatypes.JSON {
	if subscriptions == nil {
		subscriptions = []string{}
	}
	raw, errMarshal := json.Marshal(subscriptions)
	if errMarshal != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

// formatUser formats a user row into response JSON.
func formatUser(u *models.User) gin.H {
	var subscriptions []string
	_ = json.Unmarshal(u.Subscriptions, &subscriptions)
	return gin.H{
		"id":            u.ID,
		"email":         u.Email,
		"name":          u.Name,
		"privilege":     u.Privilege,
		"subscriptions": subscriptions,
		"forwards":      json.RawMessage(u.Forwards),
		"active":        u.Active,
		"created_at":    u.CreatedAt,
		"updated_at":    u.UpdatedAt,
	}
}
