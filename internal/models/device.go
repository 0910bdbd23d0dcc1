package models

import "time"

// Device mirrors a remote device known to the device registry.
// The engine reads serial, group tag, and presence; the registry
// owns the rest of the device state.
type Device struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Serial   string `gorm:"type:text;not null;uniqueIndex"` // Device serial identifier.
	GroupTag string `gorm:"type:text;not null;index"`       // Owning group tag.

	Present bool `gorm:"not null;default:false"` // Whether the device is currently connected.

	Model string `gorm:"type:text"` // Hardware model label.

	LastSeenAt *time.Time // Last presence report time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
