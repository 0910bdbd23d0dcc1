package ratelimit

import (
	"strings"

	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
)

// SettingsConfig captures rate limit settings stored in DB config. The Redis
// connection reuses the event fan-out settings so operators configure one
// Redis, not two.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LoadSettingsConfig loads the current rate limit settings snapshot.
func LoadSettingsConfig() SettingsConfig {
	cfg := SettingsConfig{
		Limit: internalsettings.IntValue(
			internalsettings.RequestRateLimitPerMinuteKey,
			internalsettings.DefaultRequestRateLimitPerMinute,
		),
		RedisEnabled:  internalsettings.BoolValue(internalsettings.EventsRedisEnabledKey, false),
		RedisAddr:     internalsettings.StringValue(internalsettings.EventsRedisAddrKey, ""),
		RedisPassword: internalsettings.StringValue(internalsettings.EventsRedisPasswordKey, ""),
		RedisDB:       internalsettings.IntValue(internalsettings.EventsRedisDBKey, 0),
		RedisPrefix:   internalsettings.DefaultRateLimitRedisPrefix,
	}

	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.RedisPassword = strings.TrimSpace(cfg.RedisPassword)
	if cfg.RedisAddr == "" {
		cfg.RedisEnabled = false
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return cfg
}
