package models

import "time"

// Group is a pool of devices sharing a single quota allocation.
// Quota counters are embedded on the row so that admission debits
// are a single-row compare-and-swap.
type Group struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupTag string `gorm:"type:text;not null;uniqueIndex"` // Tag matched by device group tags and subscriptions.
	Name     string `gorm:"type:text"`                      // Display name.

	OwnerID *uint64 `gorm:"index"`              // Contact user ID.
	Owner   *User   `gorm:"foreignKey:OwnerID"` // Contact user.

	IsRoot    bool `gorm:"not null;default:false"` // Marks the bootstrap root group.
	Locked    bool `gorm:"not null;default:false"` // When true, no new reservations are admitted.
	Unlimited bool `gorm:"not null;default:false"` // Admin override bypassing capacity checks.

	AllocatedNumber   int64 `gorm:"not null;default:0"` // Max concurrent reservations.
	AllocatedDuration int64 `gorm:"not null;default:0"` // Max total reserved duration (ms).
	ConsumedNumber    int64 `gorm:"not null;default:0"` // Reservations currently held.
	ConsumedDuration  int64 `gorm:"not null;default:0"` // Duration currently booked (ms).

	Repetitions int64 `gorm:"not null;default:0"` // Remaining renewal count.

	DefaultGroupsNumber      int64 `gorm:"not null;default:0"` // allocated.number seed for sub-groups.
	DefaultGroupsDuration    int64 `gorm:"not null;default:0"` // allocated.duration seed for sub-groups (ms).
	DefaultGroupsRepetitions int64 `gorm:"not null;default:0"` // Repetitions seed for sub-groups.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
