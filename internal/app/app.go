// Package app wires the engine together: database, settings watcher, event
// emitter, quota ledger, scheduler, sweeper, device syncer, and the HTTP
// APIs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sssSonsss/devicefarm/internal/config"
	"github.com/sssSonsss/devicefarm/internal/db"
	"github.com/sssSonsss/devicefarm/internal/devices"
	"github.com/sssSonsss/devicefarm/internal/events"
	adminapi "github.com/sssSonsss/devicefarm/internal/http/api/admin"
	"github.com/sssSonsss/devicefarm/internal/http/api/front"
	"github.com/sssSonsss/devicefarm/internal/quota"
	"github.com/sssSonsss/devicefarm/internal/ratelimit"
	"github.com/sssSonsss/devicefarm/internal/reservation"
	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
	"github.com/sssSonsss/devicefarm/internal/subscription"
	"github.com/sssSonsss/devicefarm/internal/watcher"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the reservation engine with database-backed components and
// serves the admin and user APIs until the context is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	initialized, errInit := HasAdminInitialized(conn)
	if errInit != nil {
		return errInit
	}
	var initState atomic.Bool
	initState.Store(initialized)

	jwtConfig, _ := config.LoadJWTConfig(configPath)
	reservationConfig, _ := config.LoadReservationConfig(configPath)
	redisConfig, _ := config.LoadRedisConfig(configPath)
	serverConfig, _ := config.LoadServerConfig(configPath, defaultPort)
	inventoryURL, _ := config.LoadInventoryURL(configPath)

	// Settings watcher first so the emitter and sweeper read a warm snapshot.
	settingsWatcher := watcher.New(conn)
	if errWatch := settingsWatcher.Start(ctx); errWatch != nil {
		return errWatch
	}
	defer settingsWatcher.Stop()

	emitter := events.NewEmitter(emitterSettings(redisConfig), nil, nil)
	defer emitter.Close()

	ledger := quota.NewLedger(conn, emitter, nil)
	matcher := subscription.NewMatcher(conn)
	registry := devices.NewRegistry(conn)
	scheduler := reservation.NewScheduler(conn, matcher, ledger, registry, emitter, reservation.Config{
		DefaultDuration: reservationConfig.DefaultDuration,
		MaxDuration:     reservationConfig.MaxDuration,
	}, nil)

	sweeper := reservation.NewSweeper(conn, ledger, emitter, nil)
	go sweeper.Run(ctx)

	var syncer *devices.Syncer
	if inventoryURL != "" {
		syncInterval := time.Duration(internalsettings.IntValue(
			internalsettings.DeviceSyncIntervalSecondsKey,
			internalsettings.DefaultDeviceSyncIntervalSeconds,
		)) * time.Second
		syncer = devices.NewSyncer(registry, inventoryURL, syncInterval, emitter)
		syncer.Start(ctx)
	} else {
		log.Info("no inventory-url configured, device sync disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogMiddleware())

	limiter := ratelimit.NewManager(nil, nil, nil)

	adminapi.RegisterAdminRoutes(engine, conn, jwtConfig, scheduler, ledger, emitter, syncer)
	front.RegisterFrontRoutes(engine, conn, jwtConfig, scheduler, matcher, registry, limiter)
	registerInitRoutes(engine, conn, dsn, &initState)

	addr := fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Error("server shutdown failed")
		}
	}()

	log.Infof("starting reservation engine on %s with config=%s", addr, configPath)
	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	return nil
}

// emitterSettings bridges the static redis config into the emitter's
// settings provider. DB settings override the file when present.
func emitterSettings(redisConfig config.RedisConfig) events.SettingsProvider {
	return func() events.SettingsConfig {
		settings := events.LoadSettingsConfig()
		if settings.RedisAddr == "" && redisConfig.Addr != "" {
			settings.RedisEnabled = true
			settings.RedisAddr = redisConfig.Addr
			settings.RedisPassword = redisConfig.Password
			settings.RedisDB = redisConfig.DB
		}
		return settings
	}
}

// requestLogMiddleware logs completed requests at debug level.
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s -> %d in %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
