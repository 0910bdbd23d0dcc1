package models

import (
	"encoding/json"
	"time"
)

// Setting stores a JSON runtime setting keyed by name.
type Setting struct {
	Key   string          `gorm:"type:text;primaryKey"`  // Setting key.
	Value json.RawMessage `gorm:"type:jsonb"` // JSON value payload.

	UpdatedAt time.Time `gorm:"not null"` // Last update timestamp.
}
