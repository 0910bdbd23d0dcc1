package models

import (
	"time"

	"gorm.io/datatypes"
)

// Privilege levels assignable to a user account.
const (
	// PrivilegeStandard marks a regular user.
	PrivilegeStandard = "standard"
	// PrivilegeAdmin marks an administrator.
	PrivilegeAdmin = "admin"
)

// User represents an end-user account stored in the database.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email     string `gorm:"type:text;not null;uniqueIndex"`   // Unique login email.
	Name      string `gorm:"type:text"`                        // Display name.
	Password  string `gorm:"type:text;not null"`               // Hashed password.
	Privilege string `gorm:"type:text;not null;default:standard"` // Privilege level.

	GroupID *uint64 `gorm:"index"`              // Personal group ID.
	Group   *Group  `gorm:"foreignKey:GroupID"` // Personal group.

	Subscriptions datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Subscription pattern list.
	Forwards      datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Auxiliary routing targets.
	Settings      datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // User preferences blob.

	Active bool `gorm:"not null;default:true"` // Whether the user can sign in.

	LastLoggedInAt *time.Time // Last successful login time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
