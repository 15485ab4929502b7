// Package status fans coarse fetch progress out to presentation layers.
// Events are fire-and-forget: a slow or absent listener never blocks the
// fetch path, it just misses updates.
package status

import (
	"context"
	"time"

	"pointmap/pkg/poi"
)

// Kind enumerates the coarse states a viewport fetch can report.
type Kind string

const (
	Waiting     Kind = "waiting"      // queued behind the concurrency gate
	Splitting   Kind = "splitting"    // too dense, subdividing the area
	RateLimited Kind = "rate-limited" // backing off after a 429-style reply
	Succeeded   Kind = "succeeded"    // points arrived for the viewport
	NoData      Kind = "no-data"      // area is genuinely empty
	GaveUp      Kind = "gave-up"      // branch abandoned after retries or depth
)

// Event is one progress notice about one region.
type Event struct {
	Kind   Kind       `json:"kind"`
	Region poi.Region `json:"region"`
	When   time.Time  `json:"when"`
}

type subscription struct {
	ch chan Event
}

// Bus broadcasts events to subscribers without locks. A single goroutine
// owns the listener set so producers and consumers stay decoupled.
type Bus struct {
	publish     chan Event
	subscribe   chan subscription
	unsubscribe chan subscription
}

// NewBus constructs a broadcaster and starts its goroutine. The goroutine
// lives for the process; subscribers are pruned via their contexts.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Event, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
	}
	go b.run()
	return b
}

// Publish forwards an event to every listener. Non-blocking on both the
// bus and each subscriber channel.
func (b *Bus) Publish(kind Kind, region poi.Region) {
	if b == nil {
		return
	}
	select {
	case b.publish <- Event{Kind: kind, Region: region, When: time.Now()}:
	default:
	}
}

// Subscribe registers a listener. The returned channel closes when the
// provided context ends.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	req := subscription{ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()

	return ch
}

func (b *Bus) run() {
	var listeners []chan Event

	for {
		select {
		case req := <-b.subscribe:
			listeners = append(listeners, req.ch)
		case req := <-b.unsubscribe:
			filtered := listeners[:0]
			for _, existing := range listeners {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			listeners = filtered
		case ev := <-b.publish:
			for _, ch := range listeners {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}
