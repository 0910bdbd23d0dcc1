// Package devices tracks the device inventory and answers serial-to-group
// lookups for admission control.
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sssSonsss/devicefarm/internal/engine"
	"github.com/sssSonsss/devicefarm/internal/models"
)

// Registry reads and writes the device inventory table.
type Registry struct {
	db *gorm.DB
}

// NewRegistry constructs a Registry backed by the given database handle.
func NewRegistry(conn *gorm.DB) *Registry {
	return &Registry{db: conn}
}

// Lookup resolves a device by serial.
func (r *Registry) Lookup(ctx context.Context, serial string) (models.Device, error) {
	var device models.Device
	if errFind := r.db.WithContext(ctx).First(&device, "serial = ?", serial).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Device{}, engine.ErrDeviceNotFound
		}
		return models.Device{}, fmt.Errorf("devices: lookup %s: %w", serial, errFind)
	}
	return device, nil
}

// ListPresentByTags returns present devices whose group tag is in tags.
// An empty tags slice with universal set returns every present device.
func (r *Registry) ListPresentByTags(ctx context.Context, tags []string, universal bool) ([]models.Device, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("present = ?", true).
		Order("serial ASC")
	if !universal {
		if len(tags) == 0 {
			return nil, nil
		}
		query = query.Where("group_tag IN ?", tags)
	}
	var devices []models.Device
	if errList := query.Find(&devices).Error; errList != nil {
		return nil, fmt.Errorf("devices: list by tags: %w", errList)
	}
	return devices, nil
}

// StoreInventory upserts the synced inventory and marks devices missing from
// it as absent. Absent devices keep their rows so history stays resolvable.
func (r *Registry) StoreInventory(ctx context.Context, inventory []models.Device, syncTime time.Time) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("devices: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if syncTime.IsZero() {
		syncTime = time.Now().UTC()
	}
	syncTime = syncTime.UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(inventory) > 0 {
			for i := range inventory {
				inventory[i].Present = true
				inventory[i].LastSeenAt = &syncTime
				inventory[i].UpdatedAt = syncTime
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "serial"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"group_tag",
					"model",
					"present",
					"last_seen_at",
					"updated_at",
				}),
			}).Create(&inventory).Error; err != nil {
				return fmt.Errorf("devices: upsert inventory: %w", err)
			}
		}

		if err := tx.Model(&models.Device{}).
			Where("present = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", true, syncTime).
			Updates(map[string]any{"present": false, "updated_at": syncTime}).Error; err != nil {
			return fmt.Errorf("devices: mark absent: %w", err)
		}
		return nil
	})
}
