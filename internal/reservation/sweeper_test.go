package reservation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
)

func TestSweepOnce_ExpiresOverdueAndCreditsOnce(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: time.Hour.Milliseconds(),
	})
	user := f.createUser(t, "liam@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}

	sweeper := NewSweeper(f.conn, f.ledger, f.publisher, func() time.Time { return f.now })

	// Nothing is overdue yet.
	expired, errSweep := sweeper.SweepOnce(context.Background())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if expired != 0 {
		t.Fatalf("expired = %d, want 0", expired)
	}

	f.now = f.now.Add(31 * time.Minute)
	expired, errSweep = sweeper.SweepOnce(context.Background())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	var stored models.Reservation
	if errFind := f.conn.First(&stored, "id = ?", r.ID).Error; errFind != nil {
		t.Fatalf("load: %v", errFind)
	}
	if stored.State != models.ReservationExpired {
		t.Fatalf("state = %s, want expired", stored.State)
	}

	// Releasing after the sweep is a no-op; the credit happened exactly once.
	if _, errRelease := f.scheduler.Release(context.Background(), r.ID, "owner"); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	g := f.group(t, group.ID)
	if g.ConsumedNumber != 0 {
		t.Fatalf("consumed number = %d, want 0", g.ConsumedNumber)
	}
	if g.ConsumedDuration != 0 {
		t.Fatalf("consumed duration = %d, want 0", g.ConsumedDuration)
	}

	// Re-sweeping finds nothing.
	expired, errSweep = sweeper.SweepOnce(context.Background())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if expired != 0 {
		t.Fatalf("expired = %d, want 0", expired)
	}
}

func TestSweepOnce_LeavesFutureReservations(t *testing.T) {
	f := newFixture(t)
	f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (2 * time.Hour).Milliseconds(),
	})
	user := f.createUser(t, "mia@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)
	f.createDevice(t, "SER-2", "qa-pool", true)

	short, errShort := f.scheduler.Request(context.Background(), user.ID, "SER-1", 10*time.Minute)
	if errShort != nil {
		t.Fatalf("request: %v", errShort)
	}
	long, errLong := f.scheduler.Request(context.Background(), user.ID, "SER-2", time.Hour)
	if errLong != nil {
		t.Fatalf("request: %v", errLong)
	}

	f.now = f.now.Add(11 * time.Minute)
	sweeper := NewSweeper(f.conn, f.ledger, f.publisher, func() time.Time { return f.now })
	expired, errSweep := sweeper.SweepOnce(context.Background())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	gotShort, _ := f.scheduler.Get(context.Background(), short.ID)
	if gotShort.State != models.ReservationExpired {
		t.Fatalf("short state = %s, want expired", gotShort.State)
	}
	gotLong, _ := f.scheduler.Get(context.Background(), long.ID)
	if gotLong.State != models.ReservationActive {
		t.Fatalf("long state = %s, want active", gotLong.State)
	}
}

func TestSweep_SkipsReservationRenewedAfterScan(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (2 * time.Hour).Milliseconds(),
		Repetitions:       3,
	})
	user := f.createUser(t, "noah@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}

	// Stale copy stands in for a sweep scan that read the row before the
	// renewal committed.
	var stale models.Reservation
	if errFind := f.conn.First(&stale, "id = ?", r.ID).Error; errFind != nil {
		t.Fatalf("load: %v", errFind)
	}

	f.now = f.now.Add(29 * time.Minute)
	if _, errRenew := f.scheduler.Renew(context.Background(), r.ID, 20*time.Minute); errRenew != nil {
		t.Fatalf("renew: %v", errRenew)
	}

	f.now = f.now.Add(2 * time.Minute) // past the original expiry
	sweeper := NewSweeper(f.conn, f.ledger, f.publisher, func() time.Time { return f.now })
	if sweeper.expireOne(context.Background(), stale, f.now) {
		t.Fatalf("expected renewed reservation to be left alone")
	}

	var stored models.Reservation
	if errFind := f.conn.First(&stored, "id = ?", r.ID).Error; errFind != nil {
		t.Fatalf("load: %v", errFind)
	}
	if stored.State != models.ReservationActive {
		t.Fatalf("state = %s, want active", stored.State)
	}
	if stored.GrantedDuration != (50 * time.Minute).Milliseconds() {
		t.Fatalf("granted = %d, want 50m", stored.GrantedDuration)
	}
	g := f.group(t, group.ID)
	if g.ConsumedNumber != 1 {
		t.Fatalf("consumed number = %d, want 1", g.ConsumedNumber)
	}
	if g.ConsumedDuration != (50 * time.Minute).Milliseconds() {
		t.Fatalf("consumed duration = %d, want 50m", g.ConsumedDuration)
	}

	// A later sweep honors the extended expiry and credits the full grant.
	f.now = f.now.Add(20 * time.Minute)
	expired, errSweep := sweeper.SweepOnce(context.Background())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	g = f.group(t, group.ID)
	if g.ConsumedNumber != 0 || g.ConsumedDuration != 0 {
		t.Fatalf("expected counters back to zero, got number=%d duration=%d", g.ConsumedNumber, g.ConsumedDuration)
	}
}

func TestSweepOnce_StopsWhenBatchMakesNoProgress(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   int64(sweepBatchSize),
		AllocatedDuration: (200 * time.Hour).Milliseconds(),
	})

	overdue := f.now.Add(-time.Hour)
	for i := 0; i < sweepBatchSize; i++ {
		r := models.Reservation{
			ID:              fmt.Sprintf("res-%03d", i),
			UserID:          1,
			DeviceSerial:    fmt.Sprintf("SER-%03d", i),
			GroupID:         group.ID,
			State:           models.ReservationActive,
			GrantedDuration: time.Hour.Milliseconds(),
			ExpiresAt:       overdue,
		}
		if errCreate := f.conn.Create(&r).Error; errCreate != nil {
			t.Fatalf("create reservation: %v", errCreate)
		}
	}

	// Fail every reservation transition so the batch cannot shrink.
	errCb := f.conn.Callback().Update().Before("gorm:update").Register("failTransitions", func(tx *gorm.DB) {
		if tx.Statement.Table == "reservations" {
			tx.AddError(errors.New("transition unavailable"))
		}
	})
	if errCb != nil {
		t.Fatalf("register callback: %v", errCb)
	}
	defer func() {
		if errRemove := f.conn.Callback().Update().Remove("failTransitions"); errRemove != nil {
			t.Fatalf("remove callback: %v", errRemove)
		}
	}()

	sweeper := NewSweeper(f.conn, f.ledger, f.publisher, func() time.Time { return f.now })
	expired, errSweep := sweeper.SweepOnce(context.Background())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if expired != 0 {
		t.Fatalf("expired = %d, want 0", expired)
	}

	var active int64
	if errCount := f.conn.Model(&models.Reservation{}).
		Where("state = ?", models.ReservationActive).
		Count(&active).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if active != int64(sweepBatchSize) {
		t.Fatalf("active = %d, want %d", active, sweepBatchSize)
	}
}

func TestSweepOnce_HonorsCancelledContext(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.conn, f.ledger, f.publisher, func() time.Time { return f.now })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, errSweep := sweeper.SweepOnce(ctx); !errors.Is(errSweep, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", errSweep)
	}
}

func TestPruneTerminal_RemovesOldRows(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: time.Hour.Milliseconds(),
	})

	old := models.Reservation{
		ID:           "old-released",
		UserID:       1,
		DeviceSerial: "SER-1",
		GroupID:      group.ID,
		State:        models.ReservationReleased,
		ExpiresAt:    f.now.AddDate(0, 0, -45),
		CreatedAt:    f.now.AddDate(0, 0, -45),
		UpdatedAt:    f.now.AddDate(0, 0, -45),
	}
	recent := models.Reservation{
		ID:           "recent-expired",
		UserID:       1,
		DeviceSerial: "SER-2",
		GroupID:      group.ID,
		State:        models.ReservationExpired,
		ExpiresAt:    f.now.AddDate(0, 0, -2),
		CreatedAt:    f.now.AddDate(0, 0, -2),
		UpdatedAt:    f.now.AddDate(0, 0, -2),
	}
	for _, r := range []models.Reservation{old, recent} {
		if errCreate := f.conn.Create(&r).Error; errCreate != nil {
			t.Fatalf("create reservation: %v", errCreate)
		}
	}

	sweeper := NewSweeper(f.conn, f.ledger, f.publisher, func() time.Time { return f.now })
	pruned, errPrune := sweeper.PruneTerminal(context.Background())
	if errPrune != nil {
		t.Fatalf("prune: %v", errPrune)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	var remaining int64
	if errCount := f.conn.Model(&models.Reservation{}).Count(&remaining).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
}
