package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvInventoryURL = "INVENTORY_URL"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// ReservationConfig holds reservation admission defaults.
type ReservationConfig struct {
	DefaultDuration time.Duration `yaml:"default-duration"`
	MaxDuration     time.Duration `yaml:"max-duration"`
}

// RedisConfig holds the event fan-out broker settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// Reservation duration defaults applied when the config omits them.
const (
	defaultReservationDuration = 15 * time.Minute
	defaultReservationMax      = 4 * time.Hour
)

// LoadReservationConfig loads reservation admission defaults from the YAML
// config file.
func LoadReservationConfig(configPath string) (ReservationConfig, error) {
	// fileConfig maps the YAML fields needed for reservation settings.
	type fileConfig struct {
		Reservation ReservationConfig `yaml:"reservation"`
	}

	result := ReservationConfig{
		DefaultDuration: defaultReservationDuration,
		MaxDuration:     defaultReservationMax,
	}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			if cfg.Reservation.DefaultDuration > 0 {
				result.DefaultDuration = cfg.Reservation.DefaultDuration
			}
			if cfg.Reservation.MaxDuration > 0 {
				result.MaxDuration = cfg.Reservation.MaxDuration
			}
		}
	}

	if result.MaxDuration < result.DefaultDuration {
		result.MaxDuration = result.DefaultDuration
	}
	return result, nil
}

// LoadRedisConfig loads the event broker settings from the YAML config file.
// An empty address disables the broker and keeps fan-out in process.
func LoadRedisConfig(configPath string) (RedisConfig, error) {
	// fileConfig maps the YAML fields needed for redis settings.
	type fileConfig struct {
		Redis RedisConfig `yaml:"redis"`
	}

	var result RedisConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.Redis
		}
	}

	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		result.Addr = addr
	}
	result.Addr = strings.TrimSpace(result.Addr)
	return result, nil
}

// ServerConfig holds the HTTP listen settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoadServerConfig loads listen settings from the YAML config file.
func LoadServerConfig(configPath string, defaultPort int) (ServerConfig, error) {
	var result ServerConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg ServerConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg
		}
	}

	if result.Port <= 0 {
		result.Port = defaultPort
	}
	return result, nil
}

// LoadInventoryURL loads the device inventory endpoint from the YAML config
// file. An empty URL disables device syncing.
func LoadInventoryURL(configPath string) (string, error) {
	// fileConfig maps the YAML field for the inventory endpoint.
	type fileConfig struct {
		InventoryURL string `yaml:"inventory-url"`
	}

	if fromEnv := strings.TrimSpace(os.Getenv(EnvInventoryURL)); fromEnv != "" {
		return fromEnv, nil
	}

	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		return "", nil
	}
	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", nil
	}
	return strings.TrimSpace(cfg.InventoryURL), nil
}
