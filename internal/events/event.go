// Package events fans reservation and quota lifecycle events out to
// in-process subscribers and, when configured, a Redis channel.
package events

import (
	"context"
	"time"
)

// Event types published by the engine.
const (
	TypeReservationCreated  = "reservation.created"
	TypeReservationActive   = "reservation.active"
	TypeReservationReleased = "reservation.released"
	TypeReservationExpired  = "reservation.expired"
	TypeReservationRejected = "reservation.rejected"
	TypeReservationRenewed  = "reservation.renewed"
	TypeQuotaUpdated        = "quota.updated"
	TypeGroupLocked         = "group.locked"
	TypeGroupUnlocked       = "group.unlocked"
	TypeDeviceUpdated       = "device.updated"
)

// Event is a single lifecycle notification.
type Event struct {
	Type          string         `json:"type"`
	At            time.Time      `json:"at"`
	GroupID       uint64         `json:"group_id,omitempty"`
	UserID        uint64         `json:"user_id,omitempty"`
	ReservationID string         `json:"reservation_id,omitempty"`
	DeviceSerial  string         `json:"device_serial,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Publisher delivers events to subscribers. Publish never blocks the caller
// on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) {}
