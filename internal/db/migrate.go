package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

func autoMigrateModels(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.Group{},
		&models.User{},
		&models.Device{},
		&models.Reservation{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// seed applies dialect-independent bootstrap rows.
func seed(conn *gorm.DB) error {
	if errRoot := ensureRootGroup(conn); errRoot != nil {
		return errRoot
	}
	if errEnsure := ensureIntSetting(
		conn,
		internalsettings.SweepIntervalSecondsKey,
		internalsettings.DefaultSweepIntervalSeconds,
	); errEnsure != nil {
		return errEnsure
	}
	if errEnsure := ensureIntSetting(
		conn,
		internalsettings.ReservationRetentionDaysKey,
		internalsettings.DefaultReservationRetentionDays,
	); errEnsure != nil {
		return errEnsure
	}
	if errEnsure := ensureIntSetting(
		conn,
		internalsettings.DeviceSyncIntervalSecondsKey,
		internalsettings.DefaultDeviceSyncIntervalSeconds,
	); errEnsure != nil {
		return errEnsure
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrateModels(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	if errSeed := seed(conn); errSeed != nil {
		return errSeed
	}

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_reservations_state_expires_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_state_expires_at
				ON reservations (state, expires_at)
			`,
		},
		{
			name: "idx_reservations_user_id_state",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_user_id_state
				ON reservations (user_id, state)
			`,
		},
		{
			name: "idx_reservations_device_serial_state",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_device_serial_state
				ON reservations (device_serial, state)
			`,
		},
		{
			name: "idx_reservations_updated_at_terminal",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_updated_at_terminal
				ON reservations (updated_at)
				WHERE state IN ('released', 'expired', 'rejected')
			`,
		},
		{
			name: "idx_settings_updated_at_key",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_settings_updated_at_key
				ON settings (updated_at DESC, key DESC)
			`,
		},
		{
			name: "idx_devices_present_group_tag",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_devices_present_group_tag
				ON devices (group_tag)
				WHERE present = true
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: create index %s: %w", item.name, errDDL)
		}
	}

	return nil
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrateModels(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	if errSeed := seed(conn); errSeed != nil {
		return errSeed
	}

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_reservations_state_expires_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_state_expires_at
				ON reservations (state, expires_at)
			`,
		},
		{
			name: "idx_reservations_user_id_state",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_user_id_state
				ON reservations (user_id, state)
			`,
		},
		{
			name: "idx_reservations_device_serial_state",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_device_serial_state
				ON reservations (device_serial, state)
			`,
		},
		{
			name: "idx_reservations_updated_at_terminal",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_reservations_updated_at_terminal
				ON reservations (updated_at)
				WHERE state IN ('released', 'expired', 'rejected')
			`,
		},
		{
			name: "idx_settings_updated_at_key",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_settings_updated_at_key
				ON settings (updated_at DESC, key DESC)
			`,
		},
		{
			name: "idx_devices_present_group_tag",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_devices_present_group_tag
				ON devices (group_tag)
				WHERE present = true
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: create index %s: %w", item.name, errDDL)
		}
	}

	return nil
}

// RootGroupTag identifies the bootstrap group every deployment carries.
const RootGroupTag = "common"

// ensureRootGroup seeds the root group that owns otherwise unassigned devices.
func ensureRootGroup(conn *gorm.DB) error {
	var existing models.Group
	if errFind := conn.Where("is_root = ?", true).First(&existing).Error; errFind == nil {
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query root group: %w", errFind)
	}

	now := time.Now().UTC()
	group := models.Group{
		GroupTag:  RootGroupTag,
		Name:      "Common",
		IsRoot:    true,
		Unlimited: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&group).Error; errCreate != nil {
		return fmt.Errorf("db: create root group: %w", errCreate)
	}
	return nil
}

// ensureIntSetting ensures an integer setting exists and defaults when empty.
func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := json.RawMessage(payload)

	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	now := time.Now().UTC()
	setting := models.Setting{
		Key:       key,
		Value:     rawValue,
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
