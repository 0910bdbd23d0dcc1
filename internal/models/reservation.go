package models

import "time"

// ReservationState represents the lifecycle state of a reservation.
type ReservationState string

// ReservationState constants define reservation lifecycle states.
const (
	// ReservationRequested marks a reservation awaiting admission.
	ReservationRequested ReservationState = "requested"
	// ReservationActive marks an admitted reservation holding capacity.
	ReservationActive ReservationState = "active"
	// ReservationReleased marks a reservation returned by its holder.
	ReservationReleased ReservationState = "released"
	// ReservationExpired marks a reservation reclaimed by the expiry sweep.
	ReservationExpired ReservationState = "expired"
	// ReservationRejected marks a reservation denied at admission.
	ReservationRejected ReservationState = "rejected"
)

// Terminal reports whether the state absorbs all further transitions.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationReleased, ReservationExpired, ReservationRejected:
		return true
	default:
		return false
	}
}

// Reservation records a user's hold on a device against a group quota.
type Reservation struct {
	ID string `gorm:"type:text;primaryKey"` // Reservation UUID.

	UserID uint64 `gorm:"not null;index"`    // Requesting user ID.
	User   User   `gorm:"foreignKey:UserID"` // Requesting user.

	DeviceSerial string `gorm:"type:text;not null;index"` // Reserved device serial.

	GroupID uint64 `gorm:"not null;index:idx_reservations_group_state,priority:1"` // Group whose quota was debited.
	Group   Group  `gorm:"foreignKey:GroupID"`                                     // Debited group.

	State ReservationState `gorm:"type:text;not null;index:idx_reservations_group_state,priority:2"` // Lifecycle state.

	RequestedDuration int64 `gorm:"not null;default:0"` // Duration asked for (ms).
	GrantedDuration   int64 `gorm:"not null;default:0"` // Total duration booked, renewals included (ms).

	ExpiresAt time.Time `gorm:"index"` // Granted expiry timestamp.

	RepetitionCount int64  `gorm:"not null;default:0"` // Renewals applied so far.
	RejectReason    string `gorm:"type:text"`          // Rejection reason, when rejected.
	ReleasedBy      string `gorm:"type:text"`          // Actor that released the reservation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
