// Package eventbus is the in-process publish/subscribe hub every core
// component publishes through and every downstream consumer (analytics,
// personality, dashboards) subscribes through. It is single-threaded in
// the ingestion direction: Emit invokes subscribers inline, in
// registration order, and never lets a subscriber panic escape past the
// publisher.
//
// Adapted from the lock-guarded-map-plus-snapshot-iteration shape of the
// teacher's risk.Manager (positions/priceAnchors) and the dashboard event
// fan-out in its engine package, generalized from one hardcoded channel
// into a named-topic registry with wildcard subscribers.
package eventbus

import (
	"log/slog"
	"sync"
)

// Handler receives an event's name and payload. The payload shape is
// documented per event name in spec §6.2; callers type-assert as needed.
type Handler func(name string, data any)

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

// Wildcard is the subscription name that receives every event.
const Wildcard = "*"

type subscription struct {
	id int64
	h  Handler
}

// Bus is a synchronous, process-local publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]subscription
	nextID    int64
	logger    *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// On registers h for events named name, or for every event if name is
// Wildcard ("*"). Handlers for a given name run in registration order,
// and all of them run before any wildcard handler, whichever was
// registered first (see Emit).
func (b *Bus) On(name string, h Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[name] = append(b.subs[name], subscription{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit invokes every subscriber registered for name, then every wildcard
// subscriber, in their respective registration order. Subscriber panics
// are recovered and logged — a broken subscriber never stops the
// publisher or other subscribers from running.
func (b *Bus) Emit(name string, data any) {
	b.mu.RLock()
	named := append([]subscription(nil), b.subs[name]...)
	wild := append([]subscription(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range named {
		b.invoke(s, name, data)
	}
	if name != Wildcard {
		for _, s := range wild {
			b.invoke(s, name, data)
		}
	}
}

func (b *Bus) invoke(s subscription, name string, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", name, "panic", r)
		}
	}()
	s.h(name, data)
}
