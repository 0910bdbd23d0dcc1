// Package quota tracks per-group device and duration budgets with atomic
// debit and credit operations.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/events"
	"github.com/sssSonsss/devicefarm/internal/models"
)

// maxCASRetries bounds optimistic update attempts under contention.
const maxCASRetries = 5

// Usage is a point-in-time view of a group's budget.
type Usage struct {
	AllocatedNumber   int64
	ConsumedNumber    int64
	AllocatedDuration time.Duration
	ConsumedDuration  time.Duration
	Repetitions       int64
	Unlimited         bool
	Locked            bool
}

// Grant reports what a successful debit actually reserved. The granted
// duration may be shorter than requested when the remaining budget is.
type Grant struct {
	Duration time.Duration
}

// DebitOptions selects which counters a debit touches.
type DebitOptions struct {
	// CountDevice debits one device slot. Renewals extend duration only.
	CountDevice bool
	// CountRepetition debits one repetition from the shared group counter.
	CountRepetition bool
}

// Ledger performs atomic budget operations against group rows. Concurrent
// debits race on a guarded update; the loser reloads and revalidates.
type Ledger struct {
	db        *gorm.DB
	publisher events.Publisher
	nowFn     func() time.Time
}

// NewLedger constructs a Ledger. A nil publisher disables event emission and
// a nil nowFn uses wall-clock time.
func NewLedger(conn *gorm.DB, publisher events.Publisher, nowFn func() time.Time) *Ledger {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ledger{db: conn, publisher: publisher, nowFn: nowFn}
}

// TryDebit reserves budget for a session and returns the granted duration,
// clamped to the group's remaining duration budget. It fails without side
// effects when the group is locked, over capacity, or out of repetitions.
// Unlimited groups still record consumption but bypass capacity and
// repetition checks.
func (l *Ledger) TryDebit(ctx context.Context, groupID uint64, duration time.Duration, opts DebitOptions) (Grant, error) {
	durationMs := duration.Milliseconds()
	if durationMs < 0 {
		return Grant{}, fmt.Errorf("quota: negative duration")
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		group, errLoad := l.loadGroup(ctx, groupID)
		if errLoad != nil {
			return Grant{}, errLoad
		}
		if group.Locked {
			return Grant{}, engine.ErrGroupLocked
		}
		grantMs := durationMs
		if !group.Unlimited {
			if opts.CountDevice && group.ConsumedNumber+1 > group.AllocatedNumber {
				return Grant{}, engine.ErrQuotaExceeded
			}
			if opts.CountRepetition && group.Repetitions <= 0 {
				return Grant{}, engine.ErrRepetitionsExhausted
			}
			remaining := group.AllocatedDuration - group.ConsumedDuration
			if durationMs > 0 && remaining <= 0 {
				return Grant{}, engine.ErrQuotaExceeded
			}
			if grantMs > remaining {
				grantMs = remaining
			}
		}

		nextNumber := group.ConsumedNumber
		if opts.CountDevice {
			nextNumber++
		}
		nextDuration := group.ConsumedDuration + grantMs
		nextRepetitions := group.Repetitions
		if opts.CountRepetition && !group.Unlimited {
			nextRepetitions--
		}

		applied, errApply := l.casUpdate(ctx, group, map[string]any{
			"consumed_number":   nextNumber,
			"consumed_duration": nextDuration,
			"repetitions":       nextRepetitions,
			"updated_at":        l.nowFn().UTC(),
		}, true)
		if errApply != nil {
			return Grant{}, errApply
		}
		if applied {
			l.publishUsage(ctx, group.ID, nextNumber, nextDuration)
			return Grant{Duration: time.Duration(grantMs) * time.Millisecond}, nil
		}
	}
	return Grant{}, engine.ErrStoreTimeout
}

// Credit returns budget after a session ends. Consumed counters clamp at
// zero; an underflow is logged rather than propagated. Repetitions are never
// refunded.
func (l *Ledger) Credit(ctx context.Context, groupID uint64, duration time.Duration, countDevice bool) error {
	durationMs := duration.Milliseconds()
	if durationMs < 0 {
		return fmt.Errorf("quota: negative duration")
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		group, errLoad := l.loadGroup(ctx, groupID)
		if errLoad != nil {
			return errLoad
		}

		nextNumber := group.ConsumedNumber
		if countDevice {
			nextNumber--
		}
		nextDuration := group.ConsumedDuration - durationMs
		if nextNumber < 0 || nextDuration < 0 {
			log.Warnf("quota: consumed underflow for group %d (number=%d duration_ms=%d), clamping", group.ID, nextNumber, nextDuration)
		}
		if nextNumber < 0 {
			nextNumber = 0
		}
		if nextDuration < 0 {
			nextDuration = 0
		}

		applied, errApply := l.casUpdate(ctx, group, map[string]any{
			"consumed_number":   nextNumber,
			"consumed_duration": nextDuration,
			"updated_at":        l.nowFn().UTC(),
		}, false)
		if errApply != nil {
			return errApply
		}
		if applied {
			l.publishUsage(ctx, group.ID, nextNumber, nextDuration)
			return nil
		}
	}
	return engine.ErrStoreTimeout
}

// Snapshot returns the group's current budget view.
func (l *Ledger) Snapshot(ctx context.Context, groupID uint64) (Usage, error) {
	group, errLoad := l.loadGroup(ctx, groupID)
	if errLoad != nil {
		return Usage{}, errLoad
	}
	return Usage{
		AllocatedNumber:   group.AllocatedNumber,
		ConsumedNumber:    group.ConsumedNumber,
		AllocatedDuration: time.Duration(group.AllocatedDuration) * time.Millisecond,
		ConsumedDuration:  time.Duration(group.ConsumedDuration) * time.Millisecond,
		Repetitions:       group.Repetitions,
		Unlimited:         group.Unlimited,
		Locked:            group.Locked,
	}, nil
}

// SetAllocated overrides a group's device and duration budget.
func (l *Ledger) SetAllocated(ctx context.Context, groupID uint64, number int64, duration time.Duration) error {
	if number < 0 || duration < 0 {
		return fmt.Errorf("quota: negative allocation")
	}
	if errUpdate := l.updateGroup(ctx, groupID, map[string]any{
		"allocated_number":   number,
		"allocated_duration": duration.Milliseconds(),
		"updated_at":         l.nowFn().UTC(),
	}); errUpdate != nil {
		return errUpdate
	}
	l.publisher.Publish(ctx, events.Event{
		Type:    events.TypeQuotaUpdated,
		GroupID: groupID,
		Detail: map[string]any{
			"allocated_number":      number,
			"allocated_duration_ms": duration.Milliseconds(),
		},
	})
	return nil
}

// SetRepetitions overrides a group's remaining repetition counter.
func (l *Ledger) SetRepetitions(ctx context.Context, groupID uint64, repetitions int64) error {
	if repetitions < 0 {
		return fmt.Errorf("quota: negative repetitions")
	}
	return l.updateGroup(ctx, groupID, map[string]any{
		"repetitions": repetitions,
		"updated_at":  l.nowFn().UTC(),
	})
}

// SetUnlimited toggles the group's unlimited flag.
func (l *Ledger) SetUnlimited(ctx context.Context, groupID uint64, unlimited bool) error {
	return l.updateGroup(ctx, groupID, map[string]any{
		"unlimited":  unlimited,
		"updated_at": l.nowFn().UTC(),
	})
}

// Lock blocks new admissions for the group. Active sessions are unaffected.
func (l *Ledger) Lock(ctx context.Context, groupID uint64) error {
	if errUpdate := l.updateGroup(ctx, groupID, map[string]any{
		"locked":     true,
		"updated_at": l.nowFn().UTC(),
	}); errUpdate != nil {
		return errUpdate
	}
	l.publisher.Publish(ctx, events.Event{Type: events.TypeGroupLocked, GroupID: groupID})
	return nil
}

// Unlock re-enables admissions for the group.
func (l *Ledger) Unlock(ctx context.Context, groupID uint64) error {
	if errUpdate := l.updateGroup(ctx, groupID, map[string]any{
		"locked":     false,
		"updated_at": l.nowFn().UTC(),
	}); errUpdate != nil {
		return errUpdate
	}
	l.publisher.Publish(ctx, events.Event{Type: events.TypeGroupUnlocked, GroupID: groupID})
	return nil
}

// ApplyDefaults seeds a group's budget from the parent group's defaults.
func (l *Ledger) ApplyDefaults(ctx context.Context, parentGroupID, groupID uint64) error {
	parent, errParent := l.loadGroup(ctx, parentGroupID)
	if errParent != nil {
		return errParent
	}
	return l.updateGroup(ctx, groupID, map[string]any{
		"allocated_number":   parent.DefaultGroupsNumber,
		"allocated_duration": parent.DefaultGroupsDuration,
		"repetitions":        parent.DefaultGroupsRepetitions,
		"updated_at":         l.nowFn().UTC(),
	})
}

// IsUnlimited reports whether the group bypasses capacity checks.
func (l *Ledger) IsUnlimited(ctx context.Context, groupID uint64) (bool, error) {
	group, errLoad := l.loadGroup(ctx, groupID)
	if errLoad != nil {
		return false, errLoad
	}
	return group.Unlimited, nil
}

// IsLocked reports whether the group rejects new admissions.
func (l *Ledger) IsLocked(ctx context.Context, groupID uint64) (bool, error) {
	group, errLoad := l.loadGroup(ctx, groupID)
	if errLoad != nil {
		return false, errLoad
	}
	return group.Locked, nil
}

func (l *Ledger) loadGroup(ctx context.Context, groupID uint64) (models.Group, error) {
	var group models.Group
	if errFind := l.db.WithContext(ctx).First(&group, "id = ?", groupID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Group{}, engine.ErrGroupNotFound
		}
		return models.Group{}, fmt.Errorf("quota: load group %d: %w", groupID, errFind)
	}
	return group, nil
}

// casUpdate applies updates guarded by the counters observed at load time.
// It reports false when another writer won the race.
func (l *Ledger) casUpdate(ctx context.Context, group models.Group, updates map[string]any, requireUnlocked bool) (bool, error) {
	query := l.db.WithContext(ctx).
		Model(&models.Group{}).
		Where(
			"id = ? AND consumed_number = ? AND consumed_duration = ? AND repetitions = ?",
			group.ID, group.ConsumedNumber, group.ConsumedDuration, group.Repetitions,
		)
	if requireUnlocked {
		query = query.Where("locked = ?", false)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("quota: update group %d: %w", group.ID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (l *Ledger) updateGroup(ctx context.Context, groupID uint64, updates map[string]any) error {
	result := l.db.WithContext(ctx).
		Model(&models.Group{}).
		Where("id = ?", groupID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("quota: update group %d: %w", groupID, result.Error)
	}
	if result.RowsAffected == 0 {
		return engine.ErrGroupNotFound
	}
	return nil
}

func (l *Ledger) publishUsage(ctx context.Context, groupID uint64, consumedNumber, consumedDurationMs int64) {
	l.publisher.Publish(ctx, events.Event{
		Type:    events.TypeQuotaUpdated,
		GroupID: groupID,
		Detail: map[string]any{
			"consumed_number":      consumedNumber,
			"consumed_duration_ms": consumedDurationMs,
		},
	})
}
