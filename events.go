package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sappystick/SpatialMesh-AR-sub001/internal/metrics"
)

// EventType names a settlement event
type EventType string

const (
	EventPaymentReceived    EventType = "paymentReceived"
	EventPaymentConfirmed   EventType = "paymentConfirmed"
	EventPaymentFailed      EventType = "paymentFailed"
	EventPaymentResubmitted EventType = "paymentResubmitted"
	EventNetworkChanged     EventType = "networkChanged"
	EventSecurityAlert      EventType = "securityAlert"
)

// Event is a transient notification about a payment or the active network
type Event struct {
	Type EventType
	// Payment is a snapshot taken when the event was emitted
	Payment *Payment
	// PreviousPaymentID is set on paymentResubmitted
	PreviousPaymentID string
	Network           Network
	// PreviousNetwork is set on networkChanged
	PreviousNetwork Network
	Err             string
	At              time.Time
}

// EventBus fans events out to subscribers. Each subscriber has a bounded
// buffer; when it is full the oldest buffered event is dropped, so a slow
// subscriber never blocks emission.
type EventBus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	defaultBuffer int
	metrics       *metrics.Recorder
	now           func() time.Time
}

// NewEventBus creates a bus. buffer is the default subscriber buffer size.
func NewEventBus(buffer int, recorder *metrics.Recorder, now func() time.Time) *EventBus {
	if buffer < 1 {
		buffer = DefaultEventBuffer
	}
	if recorder == nil {
		recorder = metrics.Noop()
	}
	if now == nil {
		now = time.Now
	}
	return &EventBus{
		subs:          make(map[uint64]*Subscription),
		defaultBuffer: buffer,
		metrics:       recorder,
		now:           now,
	}
}

// Subscription is one consumer of the bus
type Subscription struct {
	id      uint64
	bus     *EventBus
	ch      chan Event
	dropped atomic.Uint64
}

// Events returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded for this subscriber
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops delivery and closes the channel
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a subscriber. buffer <= 0 uses the bus default.
func (b *EventBus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = b.defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber without blocking
func (b *EventBus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	if ev.Payment != nil {
		ev.Payment = ev.Payment.Clone()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		for delivered := false; !delivered; {
			select {
			case sub.ch <- ev:
				delivered = true
			default:
				// full: drop the oldest event and try again
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					b.metrics.EventDropped(ctx)
				default:
				}
			}
		}
	}
}

// Close closes every subscription
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
