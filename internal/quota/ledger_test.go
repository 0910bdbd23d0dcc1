package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("pool: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.Group{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func createGroup(t *testing.T, conn *gorm.DB, group models.Group) models.Group {
	t.Helper()
	if group.GroupTag == "" {
		group.GroupTag = "qa-pool"
	}
	if group.Name == "" {
		group.Name = "QA Pool"
	}
	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now
	if errCreate := conn.Create(&group).Error; errCreate != nil {
		t.Fatalf("create group: %v", errCreate)
	}
	return group
}

func TestTryDebit_DebitsCounters(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (time.Hour).Milliseconds(),
		Repetitions:       3,
	})
	ledger := NewLedger(conn, nil, nil)

	grant, errDebit := ledger.TryDebit(context.Background(), group.ID, 30*time.Minute, DebitOptions{
		CountDevice:     true,
		CountRepetition: true,
	})
	if errDebit != nil {
		t.Fatalf("expected debit to succeed, got %v", errDebit)
	}
	if grant.Duration != 30*time.Minute {
		t.Fatalf("expected full grant, got %s", grant.Duration)
	}

	usage, errSnapshot := ledger.Snapshot(context.Background(), group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.ConsumedNumber != 1 {
		t.Fatalf("expected consumed number 1, got %d", usage.ConsumedNumber)
	}
	if usage.ConsumedDuration != 30*time.Minute {
		t.Fatalf("expected consumed duration 30m, got %s", usage.ConsumedDuration)
	}
	if usage.Repetitions != 2 {
		t.Fatalf("expected repetitions 2, got %d", usage.Repetitions)
	}
}

func TestTryDebit_QuotaExceeded(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   1,
		AllocatedDuration: (10 * time.Minute).Milliseconds(),
		Repetitions:       10,
	})
	ledger := NewLedger(conn, nil, nil)
	ctx := context.Background()

	if _, err := ledger.TryDebit(ctx, group.ID, 10*time.Minute, DebitOptions{CountDevice: true}); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	_, errNumber := ledger.TryDebit(ctx, group.ID, 0, DebitOptions{CountDevice: true})
	if !errors.Is(errNumber, engine.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded on device slot, got %v", errNumber)
	}
	_, errDuration := ledger.TryDebit(ctx, group.ID, time.Minute, DebitOptions{})
	if !errors.Is(errDuration, engine.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded on duration, got %v", errDuration)
	}

	// A failed debit must not change the counters.
	usage, errSnapshot := ledger.Snapshot(ctx, group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.ConsumedNumber != 1 || usage.ConsumedDuration != 10*time.Minute {
		t.Fatalf("expected counters unchanged after rejection, got %+v", usage)
	}
}

func TestTryDebit_RepetitionsExhausted(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   5,
		AllocatedDuration: (time.Hour).Milliseconds(),
		Repetitions:       0,
	})
	ledger := NewLedger(conn, nil, nil)

	_, errDebit := ledger.TryDebit(context.Background(), group.ID, time.Minute, DebitOptions{
		CountDevice:     true,
		CountRepetition: true,
	})
	if !errors.Is(errDebit, engine.ErrRepetitionsExhausted) {
		t.Fatalf("expected repetitions exhausted, got %v", errDebit)
	}
}

func TestTryDebit_LockedGroup(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   5,
		AllocatedDuration: (time.Hour).Milliseconds(),
		Repetitions:       5,
		Locked:            true,
	})
	ledger := NewLedger(conn, nil, nil)

	_, errDebit := ledger.TryDebit(context.Background(), group.ID, time.Minute, DebitOptions{CountDevice: true})
	if !errors.Is(errDebit, engine.ErrGroupLocked) {
		t.Fatalf("expected group locked, got %v", errDebit)
	}
}

func TestTryDebit_UnlimitedBypassesCapacityNotLock(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{Unlimited: true})
	ledger := NewLedger(conn, nil, nil)
	ctx := context.Background()

	if _, err := ledger.TryDebit(ctx, group.ID, 8*time.Hour, DebitOptions{CountDevice: true, CountRepetition: true}); err != nil {
		t.Fatalf("expected unlimited debit to succeed, got %v", err)
	}

	usage, errSnapshot := ledger.Snapshot(ctx, group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.ConsumedNumber != 1 || usage.ConsumedDuration != 8*time.Hour {
		t.Fatalf("expected consumption tracked for unlimited group, got %+v", usage)
	}
	if usage.Repetitions != 0 {
		t.Fatalf("expected repetitions untouched for unlimited group, got %d", usage.Repetitions)
	}

	if err := ledger.Lock(ctx, group.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, errLocked := ledger.TryDebit(ctx, group.ID, time.Minute, DebitOptions{CountDevice: true})
	if !errors.Is(errLocked, engine.ErrGroupLocked) {
		t.Fatalf("expected lock to apply to unlimited group, got %v", errLocked)
	}
}

func TestCredit_ClampsAtZero(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (time.Hour).Milliseconds(),
		ConsumedNumber:    1,
		ConsumedDuration:  (10 * time.Minute).Milliseconds(),
		Repetitions:       2,
	})
	ledger := NewLedger(conn, nil, nil)
	ctx := context.Background()

	if err := ledger.Credit(ctx, group.ID, time.Hour, true); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Credit(ctx, group.ID, time.Minute, true); err != nil {
		t.Fatalf("second credit: %v", err)
	}

	usage, errSnapshot := ledger.Snapshot(ctx, group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.ConsumedNumber != 0 || usage.ConsumedDuration != 0 {
		t.Fatalf("expected counters clamped to zero, got %+v", usage)
	}
	if usage.Repetitions != 2 {
		t.Fatalf("expected repetitions untouched by credit, got %d", usage.Repetitions)
	}
}

func TestTryDebit_ConcurrentAdmission(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (time.Hour).Milliseconds(),
		Repetitions:       10,
	})
	ledger := NewLedger(conn, nil, nil)

	const workers = 3
	results := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			// A worker losing every guarded update surfaces the retryable
			// sentinel; retry until the debit settles one way or the other.
			for {
				_, errDebit := ledger.TryDebit(context.Background(), group.ID, time.Minute, DebitOptions{
					CountDevice:     true,
					CountRepetition: true,
				})
				if engine.Retryable(errDebit) {
					continue
				}
				results[idx] = errDebit
				return
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, errDebit := range results {
		switch {
		case errDebit == nil:
			succeeded++
		case errors.Is(errDebit, engine.ErrQuotaExceeded):
		default:
			t.Fatalf("unexpected debit error: %v", errDebit)
		}
	}
	if succeeded != 2 {
		t.Fatalf("expected exactly 2 admissions, got %d", succeeded)
	}

	usage, errSnapshot := ledger.Snapshot(context.Background(), group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.ConsumedNumber != 2 {
		t.Fatalf("expected consumed number 2, got %d", usage.ConsumedNumber)
	}
	if usage.Repetitions != 8 {
		t.Fatalf("expected repetitions 8, got %d", usage.Repetitions)
	}
}

func TestTryDebit_ClampsGrantToRemainingBudget(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (time.Hour).Milliseconds(),
		ConsumedDuration:  (40 * time.Minute).Milliseconds(),
		Repetitions:       5,
	})
	ledger := NewLedger(conn, nil, nil)

	grant, errDebit := ledger.TryDebit(context.Background(), group.ID, time.Hour, DebitOptions{CountDevice: true})
	if errDebit != nil {
		t.Fatalf("expected clamped grant, got %v", errDebit)
	}
	if grant.Duration != 20*time.Minute {
		t.Fatalf("expected grant clamped to 20m, got %s", grant.Duration)
	}

	usage, errSnapshot := ledger.Snapshot(context.Background(), group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.ConsumedDuration != time.Hour {
		t.Fatalf("expected consumed duration capped at allocation, got %s", usage.ConsumedDuration)
	}
}

func TestApplyDefaults_CopiesParentBudget(t *testing.T) {
	conn := openTestDB(t)
	root := createGroup(t, conn, models.Group{
		GroupTag:                 "common",
		Name:                     "Common",
		IsRoot:                   true,
		Unlimited:                true,
		DefaultGroupsNumber:      4,
		DefaultGroupsDuration:    (2 * time.Hour).Milliseconds(),
		DefaultGroupsRepetitions: 6,
	})
	group := createGroup(t, conn, models.Group{GroupTag: "team-a", Name: "Team A"})
	ledger := NewLedger(conn, nil, nil)

	if err := ledger.ApplyDefaults(context.Background(), root.ID, group.ID); err != nil {
		t.Fatalf("apply defaults: %v", err)
	}
	usage, errSnapshot := ledger.Snapshot(context.Background(), group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.AllocatedNumber != 4 {
		t.Fatalf("expected allocated number 4, got %d", usage.AllocatedNumber)
	}
	if usage.AllocatedDuration != 2*time.Hour {
		t.Fatalf("expected allocated duration 2h, got %s", usage.AllocatedDuration)
	}
	if usage.Repetitions != 6 {
		t.Fatalf("expected repetitions 6, got %d", usage.Repetitions)
	}
}

func TestSetAllocated_RejectsNegative(t *testing.T) {
	conn := openTestDB(t)
	group := createGroup(t, conn, models.Group{})
	ledger := NewLedger(conn, nil, nil)

	if err := ledger.SetAllocated(context.Background(), group.ID, -1, time.Hour); err == nil {
		t.Fatal("expected negative allocation to be rejected")
	}
	if err := ledger.SetAllocated(context.Background(), group.ID, 3, 45*time.Minute); err != nil {
		t.Fatalf("set allocated: %v", err)
	}
	usage, errSnapshot := ledger.Snapshot(context.Background(), group.ID)
	if errSnapshot != nil {
		t.Fatalf("snapshot: %v", errSnapshot)
	}
	if usage.AllocatedNumber != 3 || usage.AllocatedDuration != 45*time.Minute {
		t.Fatalf("unexpected allocation: %+v", usage)
	}
}

func TestUpdateMissingGroup(t *testing.T) {
	conn := openTestDB(t)
	ledger := NewLedger(conn, nil, nil)

	if err := ledger.Lock(context.Background(), 999); !errors.Is(err, engine.ErrGroupNotFound) {
		t.Fatalf("expected group not found, got %v", err)
	}
	if _, err := ledger.TryDebit(context.Background(), 999, time.Minute, DebitOptions{}); !errors.Is(err, engine.ErrGroupNotFound) {
		t.Fatalf("expected group not found, got %v", err)
	}
}
