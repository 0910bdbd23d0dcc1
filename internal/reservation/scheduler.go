// Package reservation admits, renews, releases, and expires device
// reservations against the per-group quota ledger.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/devices"
	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/events"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/quota"
	"github.com/sssSonsss/devicefarm/internal/subscription"
)

// Config carries admission duration bounds.
type Config struct {
	// DefaultDuration applies when a request omits a duration.
	DefaultDuration time.Duration
	// MaxDuration caps any single request or renewal.
	MaxDuration time.Duration
}

// Scheduler coordinates the admission pipeline: device lookup, subscription
// visibility, quota debit, and the reservation state machine.
type Scheduler struct {
	db        *gorm.DB
	matcher   *subscription.Matcher
	ledger    *quota.Ledger
	registry  *devices.Registry
	publisher events.Publisher
	cfg       Config
	nowFn     func() time.Time
}

// NewScheduler constructs a Scheduler. A nil publisher disables events and a
// nil nowFn uses wall-clock time.
func NewScheduler(conn *gorm.DB, matcher *subscription.Matcher, ledger *quota.Ledger, registry *devices.Registry, publisher events.Publisher, cfg Config, nowFn func() time.Time) *Scheduler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 15 * time.Minute
	}
	if cfg.MaxDuration < cfg.DefaultDuration {
		cfg.MaxDuration = cfg.DefaultDuration
	}
	return &Scheduler{
		db:        conn,
		matcher:   matcher,
		ledger:    ledger,
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
		nowFn:     nowFn,
	}
}

// EffectiveState reports the reservation's logical state at the given time.
// An active reservation past its expiry reads as expired even before the
// sweep has transitioned the row.
func EffectiveState(r models.Reservation, now time.Time) models.ReservationState {
	if r.State == models.ReservationActive && !r.ExpiresAt.After(now) {
		return models.ReservationExpired
	}
	return r.State
}

// Request admits a reservation for the device. Admission failures persist a
// rejected reservation for audit and return the matching sentinel error.
func (s *Scheduler) Request(ctx context.Context, userID uint64, deviceSerial string, duration time.Duration) (models.Reservation, error) {
	device, errDevice := s.registry.Lookup(ctx, deviceSerial)
	if errDevice != nil {
		return models.Reservation{}, errDevice
	}
	if !device.Present {
		return models.Reservation{}, engine.ErrDeviceNotFound
	}

	group, errGroup := s.groupByTag(ctx, device.GroupTag)
	if errGroup != nil {
		return models.Reservation{}, errGroup
	}

	duration = s.clampDuration(duration)

	visible, errVisible := s.matcher.IsVisible(userID, device.GroupTag)
	if errVisible != nil {
		return models.Reservation{}, errVisible
	}
	if !visible {
		return s.reject(ctx, userID, device.Serial, group.ID, duration, engine.ErrNotSubscribed)
	}

	grant, errDebit := s.ledger.TryDebit(ctx, group.ID, duration, quota.DebitOptions{CountDevice: true})
	if errDebit != nil {
		if engine.RejectReason(errDebit) != "" {
			return s.reject(ctx, userID, device.Serial, group.ID, duration, errDebit)
		}
		return models.Reservation{}, errDebit
	}

	now := s.nowFn().UTC()
	r := models.Reservation{
		ID:                uuid.NewString(),
		UserID:            userID,
		DeviceSerial:      device.Serial,
		GroupID:           group.ID,
		State:             models.ReservationActive,
		RequestedDuration: duration.Milliseconds(),
		GrantedDuration:   grant.Duration.Milliseconds(),
		ExpiresAt:         now.Add(grant.Duration),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if errCreate := s.db.WithContext(ctx).Create(&r).Error; errCreate != nil {
		// Return the slot before surfacing the failure.
		if errCredit := s.ledger.Credit(ctx, group.ID, grant.Duration, true); errCredit != nil {
			log.WithError(errCredit).Warnf("reservation: compensating credit failed for group %d", group.ID)
		}
		return models.Reservation{}, fmt.Errorf("reservation: create: %w", errCreate)
	}

	s.publish(ctx, events.TypeReservationCreated, r, nil)
	s.publish(ctx, events.TypeReservationActive, r, nil)
	return r, nil
}

// Release transitions an active reservation to released and credits the full
// granted duration back to the group. Releasing a terminal reservation is an
// idempotent no-op.
func (s *Scheduler) Release(ctx context.Context, reservationID, releasedBy string) (models.Reservation, error) {
	r, errLoad := s.load(ctx, reservationID)
	if errLoad != nil {
		return models.Reservation{}, errLoad
	}

	now := s.nowFn().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND state = ?", r.ID, models.ReservationActive).
		Updates(map[string]any{
			"state":       models.ReservationReleased,
			"released_by": releasedBy,
			"updated_at":  now,
		})
	if result.Error != nil {
		return models.Reservation{}, fmt.Errorf("reservation: release %s: %w", r.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		// Already terminal; the earlier transition credited the group.
		return s.load(ctx, reservationID)
	}

	// Re-read the granted duration after winning the transition: a renewal
	// committing between the load and the update extends it, and once the row
	// is terminal no further renewal can touch it.
	if updated, errReload := s.load(ctx, reservationID); errReload == nil {
		r = updated
	} else {
		log.WithError(errReload).Warnf("reservation: reload %s after release failed, crediting loaded duration", r.ID)
	}
	granted := time.Duration(r.GrantedDuration) * time.Millisecond
	if errCredit := s.ledger.Credit(ctx, r.GroupID, granted, true); errCredit != nil {
		log.WithError(errCredit).Warnf("reservation: credit failed for group %d after release of %s", r.GroupID, r.ID)
	}

	r.State = models.ReservationReleased
	r.ReleasedBy = releasedBy
	r.UpdatedAt = now
	s.publish(ctx, events.TypeReservationReleased, r, map[string]any{"released_by": releasedBy})
	return r, nil
}

// Renew extends an active reservation by extraDuration, debiting the group's
// duration budget and one repetition. The sweep winning the race surfaces as
// ErrReservationNotFound.
func (s *Scheduler) Renew(ctx context.Context, reservationID string, extraDuration time.Duration) (quota.Grant, error) {
	if extraDuration <= 0 {
		extraDuration = s.cfg.DefaultDuration
	}
	if extraDuration > s.cfg.MaxDuration {
		extraDuration = s.cfg.MaxDuration
	}

	r, errLoad := s.load(ctx, reservationID)
	if errLoad != nil {
		return quota.Grant{}, errLoad
	}
	now := s.nowFn().UTC()
	if EffectiveState(r, now) != models.ReservationActive {
		return quota.Grant{}, engine.ErrReservationNotFound
	}

	grant, errDebit := s.ledger.TryDebit(ctx, r.GroupID, extraDuration, quota.DebitOptions{CountRepetition: true})
	if errDebit != nil {
		return quota.Grant{}, errDebit
	}

	result := s.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND state = ? AND expires_at = ?", r.ID, models.ReservationActive, r.ExpiresAt).
		Updates(map[string]any{
			"expires_at":       r.ExpiresAt.Add(grant.Duration),
			"granted_duration": r.GrantedDuration + grant.Duration.Milliseconds(),
			"repetition_count": r.RepetitionCount + 1,
			"updated_at":       now,
		})
	if result.Error != nil {
		return quota.Grant{}, fmt.Errorf("reservation: renew %s: %w", r.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the race against a release, sweep, or concurrent renewal.
		if errCredit := s.ledger.Credit(ctx, r.GroupID, grant.Duration, false); errCredit != nil {
			log.WithError(errCredit).Warnf("reservation: compensating credit failed for group %d", r.GroupID)
		}
		return quota.Grant{}, engine.ErrReservationNotFound
	}

	r.ExpiresAt = r.ExpiresAt.Add(grant.Duration)
	r.GrantedDuration += grant.Duration.Milliseconds()
	r.RepetitionCount++
	s.publish(ctx, events.TypeReservationRenewed, r, map[string]any{
		"extension_ms": grant.Duration.Milliseconds(),
	})
	return grant, nil
}

// ForceReleaseUser releases every active reservation the user holds and
// returns how many were released. Per-reservation failures are logged and
// skipped.
func (s *Scheduler) ForceReleaseUser(ctx context.Context, userID uint64, releasedBy string) (int, error) {
	var ids []string
	if errList := s.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("user_id = ? AND state = ?", userID, models.ReservationActive).
		Pluck("id", &ids).Error; errList != nil {
		return 0, fmt.Errorf("reservation: list active for user %d: %w", userID, errList)
	}

	released := 0
	for _, id := range ids {
		if _, errRelease := s.Release(ctx, id, releasedBy); errRelease != nil {
			log.WithError(errRelease).Warnf("reservation: force release %s failed", id)
			continue
		}
		released++
	}
	return released, nil
}

// Get returns the reservation with its state adjusted by the read-path
// staleness rule.
func (s *Scheduler) Get(ctx context.Context, reservationID string) (models.Reservation, error) {
	r, errLoad := s.load(ctx, reservationID)
	if errLoad != nil {
		return models.Reservation{}, errLoad
	}
	r.State = EffectiveState(r, s.nowFn().UTC())
	return r, nil
}

// ListByUser returns the user's reservations, newest first, with effective
// states applied.
func (s *Scheduler) ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Reservation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Reservation
	if errList := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; errList != nil {
		return nil, fmt.Errorf("reservation: list for user %d: %w", userID, errList)
	}
	now := s.nowFn().UTC()
	for i := range rows {
		rows[i].State = EffectiveState(rows[i], now)
	}
	return rows, nil
}

func (s *Scheduler) load(ctx context.Context, reservationID string) (models.Reservation, error) {
	var r models.Reservation
	if errFind := s.db.WithContext(ctx).First(&r, "id = ?", reservationID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Reservation{}, engine.ErrReservationNotFound
		}
		return models.Reservation{}, fmt.Errorf("reservation: load %s: %w", reservationID, errFind)
	}
	return r, nil
}

func (s *Scheduler) groupByTag(ctx context.Context, groupTag string) (models.Group, error) {
	var group models.Group
	if errFind := s.db.WithContext(ctx).First(&group, "group_tag = ?", groupTag).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Group{}, engine.ErrGroupNotFound
		}
		return models.Group{}, fmt.Errorf("reservation: load group %s: %w", groupTag, errFind)
	}
	return group, nil
}

func (s *Scheduler) clampDuration(duration time.Duration) time.Duration {
	if duration <= 0 {
		return s.cfg.DefaultDuration
	}
	if duration > s.cfg.MaxDuration {
		return s.cfg.MaxDuration
	}
	return duration
}

// reject persists a rejected reservation for audit and returns the sentinel.
func (s *Scheduler) reject(ctx context.Context, userID uint64, deviceSerial string, groupID uint64, duration time.Duration, cause error) (models.Reservation, error) {
	now := s.nowFn().UTC()
	r := models.Reservation{
		ID:                uuid.NewString(),
		UserID:            userID,
		DeviceSerial:      deviceSerial,
		GroupID:           groupID,
		State:             models.ReservationRejected,
		RequestedDuration: duration.Milliseconds(),
		RejectReason:      engine.RejectReason(cause),
		ExpiresAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if errCreate := s.db.WithContext(ctx).Create(&r).Error; errCreate != nil {
		log.WithError(errCreate).Warn("reservation: persist rejection failed")
	}
	s.publish(ctx, events.TypeReservationRejected, r, map[string]any{"reason": r.RejectReason})
	return r, cause
}

func (s *Scheduler) publish(ctx context.Context, eventType string, r models.Reservation, detail map[string]any) {
	s.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		GroupID:       r.GroupID,
		UserID:        r.UserID,
		ReservationID: r.ID,
		DeviceSerial:  r.DeviceSerial,
		Detail:        detail,
	})
}
