package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/config"
	"github.com/sssSonsss/devicefarm/internal/devices"
	"github.com/sssSonsss/devicefarm/internal/events"
	handlers "github.com/sssSonsss/devicefarm/internal/http/api/admin/handlers"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/quota"
	"github.com/sssSonsss/devicefarm/internal/reservation"
	"github.com/sssSonsss/devicefarm/internal/security"
)

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, scheduler *reservation.Scheduler, ledger *quota.Ledger, emitter *events.Emitter, syncer *devices.Syncer) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	versionHandler := handlers.NewVersionHandler()
	r.GET("/v0/version", versionHandler.GetVersion)

	adminGroup := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	adminGroup.POST("/login", authHandler.Login)

	authed := adminGroup.Group("")
	authed.Use(adminAuthMiddleware(db, jwtCfg))

	groupHandler := handlers.NewGroupHandler(db, ledger)
	authed.POST("/groups", groupHandler.Create)
	authed.GET("/groups", groupHandler.List)
	authed.GET("/groups/:id", groupHandler.Get)
	authed.PUT("/groups/:id", groupHandler.Update)
	authed.DELETE("/groups/:id", groupHandler.Delete)
	authed.PUT("/groups/:id/quota", groupHandler.SetQuota)
	authed.POST("/groups/:id/lock", groupHandler.Lock)
	authed.POST("/groups/:id/unlock", groupHandler.Unlock)
	authed.POST("/groups/:id/unlimited", groupHandler.SetUnlimited)

	userHandler := handlers.NewUserHandler(db, scheduler)
	authed.POST("/users", userHandler.Create)
	authed.GET("/users", userHandler.List)
	authed.GET("/users/:id", userHandler.Get)
	authed.PUT("/users/:id", userHandler.Update)
	authed.DELETE("/users/:id", userHandler.Delete)
	authed.POST("/users/:id/disable", userHandler.Disable)
	authed.POST("/users/:id/enable", userHandler.Enable)
	authed.PUT("/users/:id/password", userHandler.ChangePassword)

	deviceHandler := handlers.NewDeviceHandler(db, syncer)
	authed.GET("/devices", deviceHandler.List)
	authed.GET("/devices/:serial", deviceHandler.Get)
	authed.POST("/devices/sync", deviceHandler.Sync)

	reservationHandler := handlers.NewReservationHandler(db, scheduler)
	authed.GET("/reservations", reservationHandler.List)
	authed.GET("/reservations/:id", reservationHandler.Get)
	authed.POST("/reservations/:id/release", reservationHandler.Release)
	authed.POST("/users/:id/release-reservations", reservationHandler.ReleaseUser)

	quotaHandler := handlers.NewQuotaHandler(db)
	authed.GET("/quotas", quotaHandler.List)

	settingHandler := handlers.NewSettingHandler(db)
	authed.POST("/settings", settingHandler.Create)
	authed.GET("/settings", settingHandler.List)
	authed.GET("/settings/:key", settingHandler.Get)
	authed.PUT("/settings/:key", settingHandler.Update)
	authed.DELETE("/settings/:key", settingHandler.Delete)

	adminHandler := handlers.NewAdminHandler(db)
	authed.POST("/admins", adminHandler.Create)
	authed.GET("/admins", adminHandler.List)
	authed.DELETE("/admins/:id", adminHandler.Delete)
	authed.PUT("/admins/:id/password", adminHandler.ChangePassword)

	if emitter != nil {
		eventsHandler := handlers.NewEventsHandler(emitter)
		authed.GET("/events", eventsHandler.Stream)
	}
}

// adminAuthMiddleware validates admin JWTs and loads admin context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Set("adminUsername", admin.Username)
		c.Set("adminIsSuperAdmin", admin.IsSuperAdmin)
		c.Next()
	}
}
