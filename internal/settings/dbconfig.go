package settings

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// dbConfig holds the latest settings snapshot loaded from the database.
type dbConfig struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

var (
	dbConfigMu    sync.RWMutex
	dbConfigState dbConfig
)

// StoreDBConfig replaces the cached settings snapshot.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	copied := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		copied[key] = append(json.RawMessage(nil), value...)
	}
	dbConfigMu.Lock()
	dbConfigState = dbConfig{updatedAt: updatedAt, values: copied}
	dbConfigMu.Unlock()
}

// DBConfigValue returns the raw value for a settings key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	dbConfigMu.RLock()
	defer dbConfigMu.RUnlock()
	value, ok := dbConfigState.values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), value...), true
}

// DBConfigUpdatedAt returns when the cached snapshot was last refreshed.
func DBConfigUpdatedAt() time.Time {
	dbConfigMu.RLock()
	defer dbConfigMu.RUnlock()
	return dbConfigState.updatedAt
}

// IntValue returns an integer setting or the fallback when absent or invalid.
func IntValue(key string, fallback int) int {
	raw, ok := DBConfigValue(key)
	if !ok {
		return fallback
	}
	var value int
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return fallback
	}
	return value
}

// BoolValue returns a boolean setting or the fallback when absent or invalid.
func BoolValue(key string, fallback bool) bool {
	raw, ok := DBConfigValue(key)
	if !ok {
		return fallback
	}
	var value bool
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return fallback
	}
	return value
}

// StringValue returns a string setting or the fallback when absent or empty.
func StringValue(key string, fallback string) string {
	raw, ok := DBConfigValue(key)
	if !ok {
		return fallback
	}
	var value string
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return fallback
	}
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
