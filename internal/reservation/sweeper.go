package reservation

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/events"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/quota"
	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
)

const (
	defaultSweepInterval = 10 * time.Second
	sweepBatchSize       = 100
	pruneInterval        = time.Hour
)

// Sweeper expires overdue reservations and prunes terminal rows past the
// retention window.
type Sweeper struct {
	db        *gorm.DB
	ledger    *quota.Ledger
	publisher events.Publisher
	nowFn     func() time.Time
}

// NewSweeper constructs a Sweeper. A nil publisher disables events and a nil
// nowFn uses wall-clock time.
func NewSweeper(conn *gorm.DB, ledger *quota.Ledger, publisher events.Publisher, nowFn func() time.Time) *Sweeper {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Sweeper{db: conn, ledger: ledger, publisher: publisher, nowFn: nowFn}
}

// Run sweeps on the configured interval until the context is cancelled. The
// interval is re-read from settings each tick so updates apply without a
// restart.
func (w *Sweeper) Run(ctx context.Context) {
	interval := w.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastPrune := w.nowFn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, errSweep := w.SweepOnce(ctx); errSweep != nil {
				log.WithError(errSweep).Warn("reservation: sweep failed")
			}
			if w.nowFn().Sub(lastPrune) >= pruneInterval {
				if _, errPrune := w.PruneTerminal(ctx); errPrune != nil {
					log.WithError(errPrune).Warn("reservation: prune failed")
				}
				lastPrune = w.nowFn()
			}
			if next := w.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// SweepOnce expires every active reservation past its expiry and returns how
// many were transitioned. Rows are handled in bounded batches and a failed
// row never blocks the rest of the batch.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired := 0
	for {
		if errCtx := ctx.Err(); errCtx != nil {
			return expired, errCtx
		}
		now := w.nowFn().UTC()
		var rows []models.Reservation
		if errScan := w.db.WithContext(ctx).
			Where("state = ? AND expires_at <= ?", models.ReservationActive, now).
			Order("expires_at ASC").
			Limit(sweepBatchSize).
			Find(&rows).Error; errScan != nil {
			return expired, fmt.Errorf("reservation: scan overdue: %w", errScan)
		}
		if len(rows) == 0 {
			return expired, nil
		}
		batchExpired := 0
		for _, r := range rows {
			if w.expireOne(ctx, r, now) {
				batchExpired++
			}
		}
		expired += batchExpired
		if len(rows) < sweepBatchSize {
			return expired, nil
		}
		// A full batch with zero transitions would re-fetch the same rows
		// forever; leave them for the next tick.
		if batchExpired == 0 {
			return expired, nil
		}
	}
}

// expireOne transitions a single overdue reservation and credits its group.
// The guard pins the expiry observed at scan time: a renewal committing after
// the scan moves expires_at forward, so the row is left alone and the scanned
// granted duration stays consistent with the credit. The state guard keeps
// the credit single-shot against a concurrent release.
func (w *Sweeper) expireOne(ctx context.Context, r models.Reservation, now time.Time) bool {
	result := w.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND state = ? AND expires_at = ?", r.ID, models.ReservationActive, r.ExpiresAt).
		Updates(map[string]any{
			"state":      models.ReservationExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		log.WithError(result.Error).Warnf("reservation: expire %s failed", r.ID)
		return false
	}
	if result.RowsAffected == 0 {
		return false
	}

	granted := time.Duration(r.GrantedDuration) * time.Millisecond
	if errCredit := w.ledger.Credit(ctx, r.GroupID, granted, true); errCredit != nil {
		log.WithError(errCredit).Warnf("reservation: credit failed for group %d after expiry of %s", r.GroupID, r.ID)
	}

	w.publisher.Publish(ctx, events.Event{
		Type:          events.TypeReservationExpired,
		GroupID:       r.GroupID,
		UserID:        r.UserID,
		ReservationID: r.ID,
		DeviceSerial:  r.DeviceSerial,
	})
	return true
}

// PruneTerminal deletes terminal reservations older than the configured
// retention window and returns how many rows were removed.
func (w *Sweeper) PruneTerminal(ctx context.Context) (int64, error) {
	days := internalsettings.IntValue(internalsettings.ReservationRetentionDaysKey, internalsettings.DefaultReservationRetentionDays)
	if days <= 0 {
		return 0, nil
	}
	cutoff := w.nowFn().UTC().AddDate(0, 0, -days)
	result := w.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", []models.ReservationState{
			models.ReservationReleased,
			models.ReservationExpired,
			models.ReservationRejected,
		}, cutoff).
		Delete(&models.Reservation{})
	if result.Error != nil {
		return 0, fmt.Errorf("reservation: prune terminal: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Infof("reservation: pruned %d terminal reservations older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

func (w *Sweeper) interval() time.Duration {
	seconds := internalsettings.IntValue(internalsettings.SweepIntervalSecondsKey, internalsettings.DefaultSweepIntervalSeconds)
	if seconds <= 0 {
		return defaultSweepInterval
	}
	return time.Duration(seconds) * time.Second
}
