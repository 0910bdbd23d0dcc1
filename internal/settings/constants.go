package settings

// DB config keys and defaults for settings.
const (
	// SiteNameKey is the DB config key for the UI site name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback UI site name.
	DefaultSiteName = "Device Farm"
	// ContactURLKey is the DB config key for the support contact address.
	ContactURLKey = "CONTACT_URL"
	// DefaultContactURL is the fallback support contact address.
	DefaultContactURL = "mailto:support@example.org"
	// SweepIntervalSecondsKey controls the expiry sweep interval in seconds.
	SweepIntervalSecondsKey = "SWEEP_INTERVAL_SECONDS"
	// ReservationRetentionDaysKey controls how long terminal reservations are kept.
	ReservationRetentionDaysKey = "RESERVATION_RETENTION_DAYS"
	// DeviceSyncIntervalSecondsKey controls the device registry sync interval.
	DeviceSyncIntervalSecondsKey = "DEVICE_SYNC_INTERVAL_SECONDS"
	// EventsRedisEnabledKey toggles Redis-backed event fan-out.
	EventsRedisEnabledKey = "EVENTS_REDIS_ENABLED"
	// EventsRedisAddrKey defines the Redis address for event fan-out.
	EventsRedisAddrKey = "EVENTS_REDIS_ADDR"
	// EventsRedisPasswordKey defines the Redis password for event fan-out.
	EventsRedisPasswordKey = "EVENTS_REDIS_PASSWORD"
	// EventsRedisDBKey defines the Redis DB index for event fan-out.
	EventsRedisDBKey = "EVENTS_REDIS_DB"
	// EventsRedisChannelKey defines the Redis channel for event fan-out.
	EventsRedisChannelKey = "EVENTS_REDIS_CHANNEL"
	// RequestRateLimitPerMinuteKey caps per-user front API requests per minute.
	RequestRateLimitPerMinuteKey = "REQUEST_RATE_LIMIT_PER_MINUTE"
	// DefaultSweepIntervalSeconds is the fallback sweep interval (seconds).
	DefaultSweepIntervalSeconds = 10
	// DefaultReservationRetentionDays is the fallback terminal retention (days).
	DefaultReservationRetentionDays = 30
	// DefaultDeviceSyncIntervalSeconds is the fallback device sync interval.
	DefaultDeviceSyncIntervalSeconds = 60
	// DefaultEventsRedisChannel is the fallback Redis event channel.
	DefaultEventsRedisChannel = "farm:events"
	// DefaultRequestRateLimitPerMinute is the fallback per-user request cap.
	// Zero disables limiting.
	DefaultRequestRateLimitPerMinute = 0
	// DefaultRateLimitRedisPrefix namespaces limiter counters in Redis.
	DefaultRateLimitRedisPrefix = "farm:rl"
)
