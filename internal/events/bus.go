package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// defaultSubscriberBuffer bounds each subscriber channel.
const defaultSubscriberBuffer = 256

// Bus is an in-process publish/subscribe fan-out. Events are dropped for
// subscribers that fall behind rather than blocking the publisher.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan Event
	dropped map[uint64]uint64
	closed  bool
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[uint64]chan Event),
		dropped: make(map[uint64]uint64),
	}
}

// Subscribe registers a subscriber and returns its channel with a cancel
// function. The channel is closed when cancel is called or the bus closes.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, defaultSubscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			delete(b.dropped, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(_ context.Context, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub <- evt:
		default:
			b.dropped[id]++
			// Log once per 1024 drops to keep noise bounded.
			if b.dropped[id]%1024 == 1 {
				log.Warnf("events: slow subscriber %d, dropped %d events", id, b.dropped[id])
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
