package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	dbpkg "github.com/sssSonsss/devicefarm/internal/db"
	"github.com/sssSonsss/devicefarm/internal/events"
	"github.com/sssSonsss/devicefarm/internal/models"
)

const (
	defaultSyncInterval   = time.Minute
	defaultRequestTimeout = 15 * time.Second
)

// Syncer keeps the device inventory synced with a provider endpoint.
type Syncer struct {
	registry  *Registry
	url       string
	interval  time.Duration
	client    *http.Client
	publisher events.Publisher
	now       func() time.Time
}

// NewSyncer constructs a device inventory syncer. An empty URL disables it.
func NewSyncer(registry *Registry, providerURL string, interval time.Duration, publisher events.Publisher) *Syncer {
	if registry == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Syncer{
		registry:  registry,
		url:       strings.TrimSpace(providerURL),
		interval:  interval,
		client:    &http.Client{Timeout: defaultRequestTimeout},
		publisher: publisher,
		now:       time.Now,
	}
}

// Start runs the sync loop in the background.
func (s *Syncer) Start(ctx context.Context) {
	if s == nil || s.url == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("device syncer started (interval=%s)", s.interval)
}

func (s *Syncer) run(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		log.WithError(err).Warn("device syncer: initial sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				log.WithError(err).Warn("device syncer: sync failed")
			}
		}
	}
}

// SyncOnce fetches and persists the latest provider inventory.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if s == nil || s.registry == nil {
		return fmt.Errorf("device syncer: nil registry")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	url := strings.TrimSpace(s.url)
	if url == "" {
		return fmt.Errorf("device syncer: empty url")
	}
	client := s.client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := s.now
	if clock == nil {
		clock = time.Now
	}

	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("device syncer: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("device syncer: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("device syncer: close response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("device syncer: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("device syncer: read response: %w", err)
	}

	inventory, err := ParseInventoryPayload(body)
	if err != nil {
		return err
	}

	syncTime := clock().UTC()
	if err := s.registry.StoreInventory(ctx, inventory, syncTime); err != nil {
		return err
	}

	s.publisher.Publish(ctx, events.Event{
		Type:   events.TypeDeviceUpdated,
		Detail: map[string]any{"count": len(inventory)},
	})
	return nil
}

// inventoryEntry mirrors one device record in the provider payload.
type inventoryEntry struct {
	Serial string `json:"serial"`
	Group  string `json:"group"`
	Model  string `json:"model"`
}

// ParseInventoryPayload converts a provider payload into device rows. The
// payload is either a bare array or an object with a devices field.
func ParseInventoryPayload(body []byte) ([]models.Device, error) {
	var entries []inventoryEntry
	if errArray := json.Unmarshal(body, &entries); errArray != nil {
		var wrapped struct {
			Devices []inventoryEntry `json:"devices"`
		}
		if errWrapped := json.Unmarshal(body, &wrapped); errWrapped != nil {
			return nil, fmt.Errorf("device syncer: parse payload: %w", errWrapped)
		}
		entries = wrapped.Devices
	}

	out := make([]models.Device, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		serial := strings.TrimSpace(entry.Serial)
		if serial == "" {
			continue
		}
		if _, dup := seen[serial]; dup {
			continue
		}
		seen[serial] = struct{}{}

		groupTag := strings.TrimSpace(entry.Group)
		if groupTag == "" {
			groupTag = dbpkg.RootGroupTag
		}
		out = append(out, models.Device{
			Serial:   serial,
			GroupTag: groupTag,
			Model:    strings.TrimSpace(entry.Model),
		})
	}
	return out, nil
}
