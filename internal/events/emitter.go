package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

type redisConfig struct {
	addr     string
	password string
	channel  string
	db       int
}

// Emitter publishes events to the in-process bus and, when enabled, a Redis
// channel. Redis failures trip a breaker so local delivery never stalls.
type Emitter struct {
	provider       SettingsProvider
	nowFn          func() time.Time
	bus            *Bus
	newRedisClient RedisClientFactory
	mu             sync.Mutex
	redisClient    *redis.Client
	redisCfg       redisConfig
	breakerUntil   time.Time
}

// NewEmitter constructs an Emitter with default dependencies when nil.
func NewEmitter(provider SettingsProvider, nowFn func() time.Time, newRedisClient RedisClientFactory) *Emitter {
	if provider == nil {
		provider = LoadSettingsConfig
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Emitter{
		provider:       provider,
		nowFn:          nowFn,
		bus:            NewBus(),
		newRedisClient: newRedisClient,
	}
}

// Subscribe registers an in-process subscriber.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// Publish delivers the event locally and mirrors it to Redis when enabled.
func (e *Emitter) Publish(ctx context.Context, evt Event) {
	if e == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.At.IsZero() {
		evt.At = e.nowFn().UTC()
	}

	e.bus.Publish(ctx, evt)

	cfg := e.provider()
	if !cfg.RedisEnabled {
		return
	}
	e.publishRedis(ctx, evt, cfg)
}

// Close releases the Redis client and shuts the local bus down.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.redisClient != nil {
		_ = e.redisClient.Close()
		e.redisClient = nil
	}
	e.mu.Unlock()
	e.bus.Close()
}

func (e *Emitter) publishRedis(ctx context.Context, evt Event, cfg SettingsConfig) {
	now := e.nowFn()
	if e.isBreakerActive(now) {
		return
	}
	client, channel, errEnsure := e.ensureRedis(ctx, cfg)
	if errEnsure != nil {
		e.tripBreaker(errEnsure, now)
		return
	}
	payload, errMarshal := json.Marshal(evt)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("events: marshal event failed")
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPublish := client.Publish(pctx, channel, payload).Err(); errPublish != nil {
		e.tripBreaker(errPublish, now)
	}
}

func (e *Emitter) isBreakerActive(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.breakerUntil.IsZero() {
		return false
	}
	if now.Before(e.breakerUntil) {
		return true
	}
	e.breakerUntil = time.Time{}
	return false
}

func (e *Emitter) tripBreaker(err error, now time.Time) {
	if err == nil || e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.breakerUntil.IsZero() && now.Before(e.breakerUntil) {
		return
	}
	e.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("events: redis unavailable, keeping fan-out in process")
}

func (e *Emitter) ensureRedis(ctx context.Context, cfg SettingsConfig) (*redis.Client, string, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, "", errors.New("events redis: missing address")
	}

	nextCfg := redisConfig{
		addr:     addr,
		password: strings.TrimSpace(cfg.RedisPassword),
		channel:  strings.TrimSpace(cfg.Channel),
		db:       cfg.RedisDB,
	}
	if nextCfg.db < 0 {
		nextCfg.db = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.redisClient != nil && e.redisCfg == nextCfg {
		return e.redisClient, nextCfg.channel, nil
	}
	if e.redisClient != nil {
		_ = e.redisClient.Close()
		e.redisClient = nil
	}

	client := e.newRedisClient(&redis.Options{
		Addr:     nextCfg.addr,
		Password: nextCfg.password,
		DB:       nextCfg.db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, "", errPing
	}
	e.redisClient = client
	e.redisCfg = nextCfg
	return client, nextCfg.channel, nil
}
