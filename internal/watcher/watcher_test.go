package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestPollSettings_LoadsSnapshot(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	setting := models.Setting{
		Key:       internalsettings.SweepIntervalSecondsKey,
		Value:     json.RawMessage(`25`),
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		t.Fatalf("create setting: %v", errCreate)
	}
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })

	w := New(conn)
	w.pollSettings(context.Background(), true)

	if got := internalsettings.IntValue(internalsettings.SweepIntervalSecondsKey, 0); got != 25 {
		t.Fatalf("expected sweep interval 25, got %d", got)
	}
	if !w.hasSettingsLatest {
		t.Fatal("expected latest marker to be set")
	}
}

func TestPollSettings_SkipsWhenUnchanged(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	setting := models.Setting{
		Key:       internalsettings.ContactURLKey,
		Value:     json.RawMessage(`"mailto:ops@example.org"`),
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		t.Fatalf("create setting: %v", errCreate)
	}
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })

	w := New(conn)
	w.pollSettings(context.Background(), true)

	// Clear the cache behind the watcher's back; an unchanged poll must not
	// reload it.
	internalsettings.StoreDBConfig(time.Time{}, nil)
	w.pollSettings(context.Background(), false)

	if _, ok := internalsettings.DBConfigValue(internalsettings.ContactURLKey); ok {
		t.Fatal("expected unchanged poll to skip reload")
	}

	// A newer row triggers a reload.
	update := map[string]any{
		"value":      json.RawMessage(`"mailto:admin@example.org"`),
		"updated_at": now.Add(time.Second),
	}
	if errUpdate := conn.Model(&models.Setting{}).
		Where("key = ?", internalsettings.ContactURLKey).
		Updates(update).Error; errUpdate != nil {
		t.Fatalf("update setting: %v", errUpdate)
	}
	w.pollSettings(context.Background(), false)

	if got := internalsettings.StringValue(internalsettings.ContactURLKey, ""); got != "mailto:admin@example.org" {
		t.Fatalf("expected reloaded contact url, got %q", got)
	}
}
