package events

import (
	"context"
	"testing"
	"time"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	evt := Event{Type: TypeQuotaUpdated, GroupID: 7}
	bus.Publish(context.Background(), evt)

	select {
	case got := <-ch:
		if got.Type != TypeQuotaUpdated || got.GroupID != 7 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		bus.Publish(context.Background(), Event{Type: TypeDeviceUpdated})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != defaultSubscriberBuffer {
				t.Fatalf("expected %d buffered events, got %d", defaultSubscriberBuffer, drained)
			}
			return
		}
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(context.Background(), Event{Type: TypeGroupLocked})
}

func TestEmitter_StampsTimeAndSkipsRedisWhenDisabled(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter := NewEmitter(
		func() SettingsConfig { return SettingsConfig{} },
		func() time.Time { return fixed },
		nil,
	)
	defer emitter.Close()

	ch, cancel := emitter.Subscribe()
	defer cancel()

	emitter.Publish(context.Background(), Event{Type: TypeReservationActive})

	select {
	case got := <-ch:
		if !got.At.Equal(fixed) {
			t.Fatalf("expected event stamped %s, got %s", fixed, got.At)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitter_BreakerTripsOnRedisFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter := NewEmitter(
		func() SettingsConfig {
			return SettingsConfig{RedisEnabled: true, RedisAddr: "127.0.0.1:1", Channel: "farm:events"}
		},
		func() time.Time { return now },
		nil,
	)
	defer emitter.Close()

	emitter.Publish(context.Background(), Event{Type: TypeReservationExpired})
	if emitter.breakerUntil.IsZero() {
		t.Fatal("expected breaker to trip after redis failure")
	}
	if !emitter.isBreakerActive(now.Add(redisBreakerDuration / 2)) {
		t.Fatal("expected breaker active within window")
	}
	if emitter.isBreakerActive(now.Add(redisBreakerDuration + time.Second)) {
		t.Fatal("expected breaker reset after window")
	}
}
