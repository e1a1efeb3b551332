package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives one event. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Handlers are funcs and
// cannot be compared, so the handle is what identifies a registration.
type Subscription struct {
	id      uint64
	name    Name
	handler Handler
}

// Name returns the event name the subscription is registered for.
func (s *Subscription) Name() Name { return s.name }

// Bus is a synchronous publish/subscribe registry. Delivery for a given name
// follows registration order. One event is delivered at a time: an event
// published from inside a handler, or from another goroutine while a
// delivery is running, is queued and delivered by the goroutine already
// draining, after the current event's handlers return. Nested publishes can
// therefore never recurse.
type Bus struct {
	mu       sync.Mutex
	handlers map[Name][]*Subscription
	nextID   uint64

	queue    []Event
	draining bool

	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]*Subscription),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers handler for name and returns its handle.
func (b *Bus) Subscribe(name Name, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, name: name, handler: handler}
	b.handlers[name] = append(b.handlers[name], sub)
	return sub
}

// Unsubscribe removes a single registration. Removing an unknown or already
// removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.name]
	for i, s := range subs {
		if s.id == sub.id {
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, sub.name)
			} else {
				b.handlers[sub.name] = next
			}
			return
		}
	}
}

// UnsubscribeAll removes every handler registered for name.
func (b *Bus) UnsubscribeAll(name Name) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// HandlerCount returns the number of handlers registered for name.
func (b *Bus) HandlerCount(name Name) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

// Publish stamps and delivers an event. When no delivery is running the
// handlers have all returned by the time Publish does. Otherwise the event
// is queued and Publish returns at once: the goroutine already draining
// delivers it after the events ahead of it.
func (b *Bus) Publish(name Name, data any) {
	b.PublishEvent(New(name, data))
}

// PublishEvent delivers a fully built event, keeping its timestamp. It
// queues like Publish when a delivery is already running.
func (b *Bus) PublishEvent(ev Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	b.drain()
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		subs := make([]*Subscription, len(b.handlers[ev.Name]))
		copy(subs, b.handlers[ev.Name])
		b.mu.Unlock()

		for _, s := range subs {
			b.invoke(s, ev)
		}
	}
}

// invoke runs one handler, containing any panic so the remaining handlers
// still run.
func (b *Bus) invoke(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Name),
				"subscription", s.id,
				"error", fmt.Sprint(r))
		}
	}()
	s.handler(ev)
}
