// Package watcher keeps the in-memory settings snapshot in sync with the
// settings table by polling for changes.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
	internalsettings "github.com/sssSonsss/devicefarm/internal/settings"
)

// Default timings for the watcher loop.
const (
	// defaultPollInterval controls how often DB snapshots are refreshed.
	defaultPollInterval = 2 * time.Second
	// defaultQueryTimeout bounds DB query duration.
	defaultQueryTimeout = 10 * time.Second
)

// Watcher polls the settings table and refreshes the cached snapshot.
type Watcher struct {
	db           *gorm.DB
	pollInterval time.Duration

	// settings snapshot change markers
	settingsLatestAt  time.Time
	settingsLatestKey string
	hasSettingsLatest bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a settings watcher for the given database handle.
func New(db *gorm.DB) *Watcher {
	return &Watcher{db: db, pollInterval: defaultPollInterval}
}

// Start launches the polling goroutine. It loads an initial snapshot
// synchronously so callers observe settings immediately after Start.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.pollSettings(ctx, true)

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	log.Infof("settings watcher started (poll_interval=%s)", w.pollInterval)
	return nil
}

// Stop cancels the polling goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// run executes the periodic polling loop until the context is canceled.
func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollSettings(ctx, false)
		}
	}
}

// pollSettings refreshes DB-backed settings when the latest row changed.
func (w *Watcher) pollSettings(ctx context.Context, force bool) {
	if w == nil || w.db == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	// latestRow captures the newest setting timestamp for change detection.
	type latestRow struct {
		Key       string     `gorm:"column:key"`        // Latest settings key.
		UpdatedAt *time.Time `gorm:"column:updated_at"` // Latest settings update time.
	}
	var latest latestRow
	hasLatest := false
	errLatest := w.db.WithContext(qctx).
		Model(&models.Setting{}).
		Select("key", "updated_at").
		Order("updated_at DESC, key DESC").
		Limit(1).
		Take(&latest).Error
	if errLatest != nil {
		if errors.Is(errLatest, context.Canceled) {
			return
		}
		if errors.Is(errLatest, gorm.ErrRecordNotFound) {
			hasLatest = false
		} else {
			log.WithError(errLatest).Warn("settings watcher: query latest row failed")
			return
		}
	} else {
		hasLatest = true
	}

	latestKey := strings.TrimSpace(latest.Key)
	latestAt := time.Time{}
	if hasLatest && latest.UpdatedAt != nil {
		latestAt = latest.UpdatedAt.UTC()
	}

	if !force {
		if !hasLatest || latest.UpdatedAt == nil {
			if !w.hasSettingsLatest {
				return
			}
		} else if w.hasSettingsLatest && latestAt.Equal(w.settingsLatestAt) && latestKey == w.settingsLatestKey {
			return
		}
	}

	var rows []models.Setting
	if errFind := w.db.WithContext(qctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		if errors.Is(errFind, context.Canceled) {
			return
		}
		log.WithError(errFind).Warn("settings watcher: query settings failed")
		return
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value

		rowUpdatedAt := row.UpdatedAt.UTC()
		if rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	internalsettings.StoreDBConfig(maxUpdatedAt, values)

	if !hasLatest || latest.UpdatedAt == nil || latestKey == "" {
		w.settingsLatestAt = time.Time{}
		w.settingsLatestKey = ""
		w.hasSettingsLatest = false
		return
	}
	w.settingsLatestAt = latestAt
	w.settingsLatestKey = latestKey
	w.hasSettingsLatest = true
}
