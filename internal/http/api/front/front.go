// Package front registers the user-facing API: login, catalog browsing,
// and reservation lifecycle endpoints.
package front

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/config"
	"github.com/sssSonsss/devicefarm/internal/devices"
	handlers "github.com/sssSonsss/devicefarm/internal/http/api/front/handlers"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/ratelimit"
	"github.com/sssSonsss/devicefarm/internal/reservation"
	"github.com/sssSonsss/devicefarm/internal/security"
	"github.com/sssSonsss/devicefarm/internal/subscription"
)

// RegisterFrontRoutes registers user routes, middleware, and handlers.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, scheduler *reservation.Scheduler, matcher *subscription.Matcher, registry *devices.Registry, limiter *ratelimit.Manager) {
	if r == nil || db == nil {
		return
	}

	frontGroup := r.Group("/v0")

	authHandler := handlers.NewAuthFrontHandler(db, jwtCfg)
	frontGroup.POST("/auth/login", authHandler.Login)
	frontGroup.GET("/auth/contact", authHandler.Contact)

	authed := frontGroup.Group("")
	authed.Use(userAuthMiddleware(db, jwtCfg))
	authed.Use(rateLimitMiddleware(limiter))

	catalogHandler := handlers.NewCatalogFrontHandler(matcher, registry)
	authed.GET("/groups", catalogHandler.ListGroups)
	authed.GET("/devices", catalogHandler.ListDevices)

	reservationHandler := handlers.NewReservationFrontHandler(scheduler)
	authed.POST("/reservations", reservationHandler.Create)
	authed.GET("/reservations", reservationHandler.List)
	authed.GET("/reservations/:id", reservationHandler.Get)
	authed.POST("/reservations/:id/renew", reservationHandler.Renew)
	authed.POST("/reservations/:id/release", reservationHandler.Release)
}

// rateLimitMiddleware caps per-user request rates on the authed surface.
// A zero configured limit disables the check entirely.
func rateLimitMiddleware(limiter *ratelimit.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		limit := limiter.Limit()
		if limit <= 0 {
			c.Next()
			return
		}
		userID, _ := c.Get("userID")
		id, _ := userID.(uint64)
		key := ratelimit.KeyForUser(id)
		if key == "" {
			c.Next()
			return
		}
		result, errAllow := limiter.Allow(c.Request.Context(), key, limit)
		if errAllow != nil {
			c.Next()
			return
		}
		if !result.Allowed {
			retryAfter := int64(time.Until(result.Reset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// userAuthMiddleware validates user JWTs and loads user context.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
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

		claims, errJWT := security.ParseUserToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if !user.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account disabled"})
			return
		}

		c.Set("userID", user.ID)
		c.Set("userEmail", user.Email)
		c.Next()
	}
}
