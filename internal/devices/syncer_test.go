package devices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
)

func TestSyncOnce_FetchesAndStores(t *testing.T) {
	payload := []byte(`{"devices":[
		{"serial":"R58M123","group":"qa-pool","model":"SM-G991B"},
		{"serial":"R58M456","group":"","model":"Pixel 7"},
		{"serial":"","group":"qa-pool"}
	]}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.Device{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	registry := NewRegistry(conn)
	syncer := NewSyncer(registry, server.URL, time.Minute, nil)
	if errSync := syncer.SyncOnce(context.Background()); errSync != nil {
		t.Fatalf("sync once: %v", errSync)
	}

	device, errLookup := registry.Lookup(context.Background(), "R58M123")
	if errLookup != nil {
		t.Fatalf("lookup: %v", errLookup)
	}
	if device.GroupTag != "qa-pool" || !device.Present {
		t.Fatalf("unexpected device row: %+v", device)
	}

	// Empty group falls back to the root group tag.
	fallback, errFallback := registry.Lookup(context.Background(), "R58M456")
	if errFallback != nil {
		t.Fatalf("lookup fallback: %v", errFallback)
	}
	if fallback.GroupTag != "common" {
		t.Fatalf("expected root group tag, got %q", fallback.GroupTag)
	}
}

func TestParseInventoryPayload_BareArrayAndDuplicates(t *testing.T) {
	payload := []byte(`[
		{"serial":"a1","group":"qa-pool"},
		{"serial":"a1","group":"perf-pool"},
		{"serial":"b2","group":"perf-pool"}
	]`)

	inventory, errParse := ParseInventoryPayload(payload)
	if errParse != nil {
		t.Fatalf("parse payload: %v", errParse)
	}
	if len(inventory) != 2 {
		t.Fatalf("expected 2 devices after dedup, got %d", len(inventory))
	}
	if inventory[0].Serial != "a1" || inventory[0].GroupTag != "qa-pool" {
		t.Fatalf("expected first occurrence kept, got %+v", inventory[0])
	}
}
