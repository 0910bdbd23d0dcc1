package devices

import (
	"context"
	"errors"
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
	if errMigrate := conn.AutoMigrate(&models.Device{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestStoreInventory_UpsertAndMarkAbsent(t *testing.T) {
	conn := openTestDB(t)
	registry := NewRegistry(conn)
	ctx := context.Background()

	first := []models.Device{
		{Serial: "R58M123", GroupTag: "qa-pool", Model: "SM-G991B"},
		{Serial: "R58M456", GroupTag: "common", Model: "Pixel 7"},
	}
	if err := registry.StoreInventory(ctx, first, time.Now().UTC()); err != nil {
		t.Fatalf("store inventory: %v", err)
	}

	// Second sync drops one device and moves the other to a new group.
	second := []models.Device{
		{Serial: "R58M123", GroupTag: "perf-pool", Model: "SM-G991B"},
	}
	if err := registry.StoreInventory(ctx, second, time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("second store inventory: %v", err)
	}

	moved, errLookup := registry.Lookup(ctx, "R58M123")
	if errLookup != nil {
		t.Fatalf("lookup moved device: %v", errLookup)
	}
	if moved.GroupTag != "perf-pool" || !moved.Present {
		t.Fatalf("expected moved device present in perf-pool, got %+v", moved)
	}

	dropped, errDropped := registry.Lookup(ctx, "R58M456")
	if errDropped != nil {
		t.Fatalf("lookup dropped device: %v", errDropped)
	}
	if dropped.Present {
		t.Fatal("expected dropped device to be marked absent")
	}
}

func TestLookup_NotFound(t *testing.T) {
	conn := openTestDB(t)
	registry := NewRegistry(conn)

	_, errLookup := registry.Lookup(context.Background(), "missing")
	if !errors.Is(errLookup, engine.ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", errLookup)
	}
}

func TestListPresentByTags(t *testing.T) {
	conn := openTestDB(t)
	registry := NewRegistry(conn)
	ctx := context.Background()

	inventory := []models.Device{
		{Serial: "a1", GroupTag: "qa-pool"},
		{Serial: "b2", GroupTag: "perf-pool"},
		{Serial: "c3", GroupTag: "qa-pool"},
	}
	if err := registry.StoreInventory(ctx, inventory, time.Now().UTC()); err != nil {
		t.Fatalf("store inventory: %v", err)
	}

	qa, errQA := registry.ListPresentByTags(ctx, []string{"qa-pool"}, false)
	if errQA != nil {
		t.Fatalf("list qa: %v", errQA)
	}
	if len(qa) != 2 {
		t.Fatalf("expected 2 qa devices, got %d", len(qa))
	}

	all, errAll := registry.ListPresentByTags(ctx, nil, true)
	if errAll != nil {
		t.Fatalf("list all: %v", errAll)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(all))
	}

	none, errNone := registry.ListPresentByTags(ctx, nil, false)
	if errNone != nil {
		t.Fatalf("list none: %v", errNone)
	}
	if len(none) != 0 {
		t.Fatalf("expected no devices without tags, got %d", len(none))
	}
}
