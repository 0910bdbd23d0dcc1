package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/devices"
	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/events"
	"github.com/sssSonsss/devicefarm/internal/models"
	"github.com/sssSonsss/devicefarm/internal/quota"
	"github.com/sssSonsss/devicefarm/internal/subscription"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fixture struct {
	conn      *gorm.DB
	scheduler *Scheduler
	ledger    *quota.Ledger
	publisher *capturePublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
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
	if errMigrate := conn.AutoMigrate(&models.User{}, &models.Group{}, &models.Device{}, &models.Reservation{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	f := &fixture{
		conn:      conn,
		publisher: &capturePublisher{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return f.now }
	f.ledger = quota.NewLedger(conn, f.publisher, nowFn)
	f.scheduler = NewScheduler(conn, subscription.NewMatcher(conn), f.ledger, devices.NewRegistry(conn), f.publisher, Config{
		DefaultDuration: 15 * time.Minute,
		MaxDuration:     time.Hour,
	}, nowFn)
	return f
}

func (f *fixture) createGroup(t *testing.T, group models.Group) models.Group {
	t.Helper()
	if group.GroupTag == "" {
		group.GroupTag = "qa-pool"
	}
	if errCreate := f.conn.Create(&group).Error; errCreate != nil {
		t.Fatalf("create group: %v", errCreate)
	}
	return group
}

func (f *fixture) createUser(t *testing.T, email string, subscriptions string) models.User {
	t.Helper()
	user := models.User{
		Email:         email,
		Password:      "x",
		Privilege:     models.PrivilegeStandard,
		Subscriptions: datatypes.JSON([]byte(subscriptions)),
		Active:        true,
	}
	if errCreate := f.conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

func (f *fixture) createDevice(t *testing.T, serial, groupTag string, present bool) models.Device {
	t.Helper()
	device := models.Device{Serial: serial, GroupTag: groupTag, Present: present}
	if errCreate := f.conn.Create(&device).Error; errCreate != nil {
		t.Fatalf("create device: %v", errCreate)
	}
	return device
}

func (f *fixture) group(t *testing.T, id uint64) models.Group {
	t.Helper()
	var group models.Group
	if errFind := f.conn.First(&group, "id = ?", id).Error; errFind != nil {
		t.Fatalf("load group: %v", errFind)
	}
	return group
}

func TestRequest_AdmitsActiveReservation(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (2 * time.Hour).Milliseconds(),
	})
	user := f.createUser(t, "alice@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}
	if r.State != models.ReservationActive {
		t.Fatalf("state = %s, want active", r.State)
	}
	if r.GrantedDuration != (30 * time.Minute).Milliseconds() {
		t.Fatalf("granted = %d", r.GrantedDuration)
	}
	if want := f.now.Add(30 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", r.ExpiresAt, want)
	}

	stored := f.group(t, group.ID)
	if stored.ConsumedNumber != 1 {
		t.Fatalf("consumed number = %d, want 1", stored.ConsumedNumber)
	}
	if stored.ConsumedDuration != (30 * time.Minute).Milliseconds() {
		t.Fatalf("consumed duration = %d", stored.ConsumedDuration)
	}

	types := f.publisher.types()
	sawCreated, sawActive := false, false
	for _, eventType := range types {
		switch eventType {
		case events.TypeReservationCreated:
			sawCreated = true
		case events.TypeReservationActive:
			sawActive = true
		}
	}
	if !sawCreated || !sawActive {
		t.Fatalf("events = %v, want created and active", types)
	}
}

func TestRequest_NotSubscribedPersistsRejection(t *testing.T) {
	f := newFixture(t)
	f.createGroup(t, models.Group{AllocatedNumber: 2, AllocatedDuration: time.Hour.Milliseconds()})
	user := f.createUser(t, "bob@example.org", `["other-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	_, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if !errors.Is(errRequest, engine.ErrNotSubscribed) {
		t.Fatalf("err = %v, want ErrNotSubscribed", errRequest)
	}

	var r models.Reservation
	if errFind := f.conn.First(&r, "user_id = ?", user.ID).Error; errFind != nil {
		t.Fatalf("load rejection: %v", errFind)
	}
	if r.State != models.ReservationRejected {
		t.Fatalf("state = %s, want rejected", r.State)
	}
	if r.RejectReason != "NotSubscribed" {
		t.Fatalf("reason = %q", r.RejectReason)
	}
}

func TestRequest_LockedGroupPersistsRejection(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		Locked:            true,
		AllocatedNumber:   2,
		AllocatedDuration: time.Hour.Milliseconds(),
	})
	user := f.createUser(t, "carol@example.org", `["*"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	_, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if !errors.Is(errRequest, engine.ErrGroupLocked) {
		t.Fatalf("err = %v, want ErrGroupLocked", errRequest)
	}

	var count int64
	if errCount := f.conn.Model(&models.Reservation{}).
		Where("state = ? AND reject_reason = ?", models.ReservationRejected, "GroupLocked").
		Count(&count).Error; errCount != nil {
		t.Fatalf("count rejections: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("rejections = %d, want 1", count)
	}
	if stored := f.group(t, group.ID); stored.ConsumedNumber != 0 {
		t.Fatalf("consumed number = %d, want 0", stored.ConsumedNumber)
	}
}

func TestRequest_AbsentDevice(t *testing.T) {
	f := newFixture(t)
	f.createGroup(t, models.Group{AllocatedNumber: 2, AllocatedDuration: time.Hour.Milliseconds()})
	user := f.createUser(t, "dave@example.org", `["*"]`)
	f.createDevice(t, "SER-1", "qa-pool", false)

	_, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if !errors.Is(errRequest, engine.ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", errRequest)
	}

	var count int64
	if errCount := f.conn.Model(&models.Reservation{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("reservations = %d, want 0", count)
	}
}

func TestRequest_ClampsDurationToMax(t *testing.T) {
	f := newFixture(t)
	f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (8 * time.Hour).Milliseconds(),
	})
	user := f.createUser(t, "erin@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 6*time.Hour)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}
	if r.GrantedDuration != time.Hour.Milliseconds() {
		t.Fatalf("granted = %d, want max 1h", r.GrantedDuration)
	}
}

func TestRelease_CreditsOnce(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: time.Hour.Milliseconds(),
	})
	user := f.createUser(t, "frank@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}

	released, errRelease := f.scheduler.Release(context.Background(), r.ID, "owner")
	if errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	if released.State != models.ReservationReleased {
		t.Fatalf("state = %s, want released", released.State)
	}
	if released.ReleasedBy != "owner" {
		t.Fatalf("released_by = %q", released.ReleasedBy)
	}

	// A second release is a no-op and never double-credits.
	again, errAgain := f.scheduler.Release(context.Background(), r.ID, "admin")
	if errAgain != nil {
		t.Fatalf("second release: %v", errAgain)
	}
	if again.ReleasedBy != "owner" {
		t.Fatalf("released_by = %q after no-op release", again.ReleasedBy)
	}

	stored := f.group(t, group.ID)
	if stored.ConsumedNumber != 0 {
		t.Fatalf("consumed number = %d, want 0", stored.ConsumedNumber)
	}
	if stored.ConsumedDuration != 0 {
		t.Fatalf("consumed duration = %d, want 0", stored.ConsumedDuration)
	}
}

func TestRelease_CreditsRenewalCommittedMidRelease(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (2 * time.Hour).Milliseconds(),
		Repetitions:       3,
	})
	user := f.createUser(t, "gina@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}

	// Commit a renewal between Release's load and its guarded transition;
	// the release must credit the extended duration, not the stale one.
	fired := false
	errCb := f.conn.Callback().Update().Before("gorm:update").Register("renewMidRelease", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "reservations" {
			return
		}
		fired = true
		if _, errRenew := f.scheduler.Renew(context.Background(), r.ID, 20*time.Minute); errRenew != nil {
			t.Errorf("renew: %v", errRenew)
		}
	})
	if errCb != nil {
		t.Fatalf("register callback: %v", errCb)
	}
	defer func() {
		if errRemove := f.conn.Callback().Update().Remove("renewMidRelease"); errRemove != nil {
			t.Fatalf("remove callback: %v", errRemove)
		}
	}()

	released, errRelease := f.scheduler.Release(context.Background(), r.ID, "owner")
	if errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	if released.State != models.ReservationReleased {
		t.Fatalf("state = %s, want released", released.State)
	}
	if released.GrantedDuration != (50 * time.Minute).Milliseconds() {
		t.Fatalf("granted = %d, want 50m", released.GrantedDuration)
	}

	stored := f.group(t, group.ID)
	if stored.ConsumedNumber != 0 {
		t.Fatalf("consumed number = %d, want 0", stored.ConsumedNumber)
	}
	if stored.ConsumedDuration != 0 {
		t.Fatalf("consumed duration = %d, want 0 (renewal debit returned)", stored.ConsumedDuration)
	}
}

func TestRelease_MissingReservation(t *testing.T) {
	f := newFixture(t)
	_, errRelease := f.scheduler.Release(context.Background(), "no-such-id", "admin")
	if !errors.Is(errRelease, engine.ErrReservationNotFound) {
		t.Fatalf("err = %v, want ErrReservationNotFound", errRelease)
	}
}

func TestRenew_ExtendsAndDebitsRepetition(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: (2 * time.Hour).Milliseconds(),
		Repetitions:       1,
	})
	user := f.createUser(t, "grace@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}

	grant, errRenew := f.scheduler.Renew(context.Background(), r.ID, 20*time.Minute)
	if errRenew != nil {
		t.Fatalf("renew: %v", errRenew)
	}
	if grant.Duration != 20*time.Minute {
		t.Fatalf("grant = %v, want 20m", grant.Duration)
	}

	renewed, errGet := f.scheduler.Get(context.Background(), r.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if want := r.ExpiresAt.Add(20 * time.Minute); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", renewed.ExpiresAt, want)
	}
	if renewed.RepetitionCount != 1 {
		t.Fatalf("repetition count = %d, want 1", renewed.RepetitionCount)
	}
	if renewed.GrantedDuration != (50 * time.Minute).Milliseconds() {
		t.Fatalf("granted = %d, want 50m", renewed.GrantedDuration)
	}

	stored := f.group(t, group.ID)
	if stored.Repetitions != 0 {
		t.Fatalf("repetitions = %d, want 0", stored.Repetitions)
	}

	// Renewals debit duration and repetitions, never a second device slot.
	if stored.ConsumedNumber != 1 {
		t.Fatalf("consumed number = %d, want 1", stored.ConsumedNumber)
	}

	_, errExhausted := f.scheduler.Renew(context.Background(), r.ID, 20*time.Minute)
	if !errors.Is(errExhausted, engine.ErrRepetitionsExhausted) {
		t.Fatalf("err = %v, want ErrRepetitionsExhausted", errExhausted)
	}
}

func TestRenew_TerminalReservation(t *testing.T) {
	f := newFixture(t)
	f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: time.Hour.Milliseconds(),
		Repetitions:       3,
	})
	user := f.createUser(t, "henry@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}
	if _, errRelease := f.scheduler.Release(context.Background(), r.ID, "owner"); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}

	_, errRenew := f.scheduler.Renew(context.Background(), r.ID, 20*time.Minute)
	if !errors.Is(errRenew, engine.ErrReservationNotFound) {
		t.Fatalf("err = %v, want ErrReservationNotFound", errRenew)
	}
}

func TestEffectiveState_ExpiredReadsAsExpired(t *testing.T) {
	f := newFixture(t)
	f.createGroup(t, models.Group{
		AllocatedNumber:   2,
		AllocatedDuration: time.Hour.Milliseconds(),
	})
	user := f.createUser(t, "iris@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)

	r, errRequest := f.scheduler.Request(context.Background(), user.ID, "SER-1", 30*time.Minute)
	if errRequest != nil {
		t.Fatalf("request: %v", errRequest)
	}

	f.now = f.now.Add(31 * time.Minute)
	got, errGet := f.scheduler.Get(context.Background(), r.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if got.State != models.ReservationExpired {
		t.Fatalf("state = %s, want expired on read", got.State)
	}

	// The stored row is still active until the sweep runs.
	var stored models.Reservation
	if errFind := f.conn.First(&stored, "id = ?", r.ID).Error; errFind != nil {
		t.Fatalf("load: %v", errFind)
	}
	if stored.State != models.ReservationActive {
		t.Fatalf("stored state = %s, want active", stored.State)
	}
}

func TestForceReleaseUser(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, models.Group{
		AllocatedNumber:   3,
		AllocatedDuration: (3 * time.Hour).Milliseconds(),
	})
	user := f.createUser(t, "judy@example.org", `["qa-pool"]`)
	other := f.createUser(t, "kate@example.org", `["qa-pool"]`)
	f.createDevice(t, "SER-1", "qa-pool", true)
	f.createDevice(t, "SER-2", "qa-pool", true)
	f.createDevice(t, "SER-3", "qa-pool", true)

	for _, serial := range []string{"SER-1", "SER-2"} {
		if _, errRequest := f.scheduler.Request(context.Background(), user.ID, serial, 30*time.Minute); errRequest != nil {
			t.Fatalf("request %s: %v", serial, errRequest)
		}
	}
	keep, errKeep := f.scheduler.Request(context.Background(), other.ID, "SER-3", 30*time.Minute)
	if errKeep != nil {
		t.Fatalf("request: %v", errKeep)
	}

	released, errForce := f.scheduler.ForceReleaseUser(context.Background(), user.ID, "admin")
	if errForce != nil {
		t.Fatalf("force release: %v", errForce)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}

	kept, errGet := f.scheduler.Get(context.Background(), keep.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if kept.State != models.ReservationActive {
		t.Fatalf("other user's reservation state = %s, want active", kept.State)
	}
	if stored := f.group(t, group.ID); stored.ConsumedNumber != 1 {
		t.Fatalf("consumed number = %d, want 1", stored.ConsumedNumber)
	}
}
