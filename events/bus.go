// Package events carries the core's control events to external observers
// (dashboards, audit logs). Publishing never blocks the request path: each
// subscriber owns a bounded buffer, and a subscriber that falls behind
// loses its oldest events rather than slowing anyone down.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type names one control event. The set is closed; consumers switch on it.
type Type string

const (
	PlanCreated           Type = "plan.created"
	PlanCompleted         Type = "plan.completed"
	SchedulerModeChanged  Type = "scheduler.mode_changed"
	ConfigUpdated         Type = "config.updated"
	ProviderHealthChanged Type = "provider.health_changed"
)

// Event is one control record. Only the fields relevant to its Type are
// set: PlanID/Status for plan events, From/To for mode and health changes,
// Domain/Key for config updates, Provider for health changes.
type Event struct {
	Type     Type
	Time     time.Time
	PlanID   string
	Status   string
	From     string
	To       string
	Domain   string
	Key      string
	Provider string
}

// Bus fans control events out to any number of subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
	clock   func() time.Time
}

// NewBus creates an empty Bus. Pass nil for clock to use time.Now.
func NewBus(logger *zap.Logger, clock func() time.Time) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Bus{
		logger: logger.With(zap.String("component", "events")),
		clock:  clock,
	}
}

// Subscribe registers a new consumer and returns its channel. buffer <= 0
// falls back to 64. The channel is closed by Close; consumers must drain
// promptly or accept drops.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers e to every subscriber without ever blocking. A full
// subscriber loses its oldest buffered event to make room, and the loss is
// counted.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.clock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events have been lost to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
