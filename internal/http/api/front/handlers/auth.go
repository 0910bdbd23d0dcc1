package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/config"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/security"
	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
)

// AuthFrontHandler authenticates end users.
type AuthFrontHandler struct {
	db     *gorm.DB
	jwtCfg config.JWTConfig
}

// NewAuthFrontHandler constructs an AuthFrontHandler.
func NewAuthFrontHandler(db *gorm.DB, jwtCfg config.JWTConfig) *AuthFrontHandler {
	return &AuthFrontHandler{db: db, jwtCfg: jwtCfg}
}

// loginRequest defines the request body for user login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and issues a user token.
func (h *AuthFrontHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing credentials"})
		return
	}

	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if !user.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "account disabled"})
		return
	}
	if !security.CheckPassword(user.Password, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errSign := security.SignUserToken(h.jwtCfg.Secret, user.ID, user.Email, h.jwtCfg.Expiry)
	if errSign != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	now := time.Now().UTC()
	h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{"last_logged_in_at": now, "updated_at": now})

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"email": user.Email,
		"name":  user.Name,
	})
}

// Contact reports the site name and support contact address.
func (h *AuthFrontHandler) Contact(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"site_name":   internalsettings.StringValue(internalsettings.SiteNameKey, internalsettings.DefaultSiteName),
		"contact_url": internalsettings.StringValue(internalsettings.ContactURLKey, internalsettings.DefaultContactURL),
	})
}
