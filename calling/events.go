/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"
	"time"
)

// ---- Device Event Kinds ----

// EventKind identifies an event raised by a signaling device or one of its
// connections.
type EventKind string

const (
	// Device-level events
	EventRegistered   EventKind = "registered"
	EventUnregistered EventKind = "unregistered"
	EventDeviceError  EventKind = "error"
	EventIncoming     EventKind = "incoming"
	EventHeartbeat    EventKind = "heartbeat"
	EventSocketOpen   EventKind = "socket_open"
	EventSocketClosed EventKind = "socket_closed"

	// Connection-level events, keyed by SessionID
	EventRinging      EventKind = "ringing"
	EventAccepted     EventKind = "accept"
	EventDisconnected EventKind = "disconnect"
	EventCanceled     EventKind = "cancel"
	EventCallError    EventKind = "call_error"
)

// Event is a single notification from a signaling device. Generation is
// stamped by the registrar and identifies which device instance raised it.
type Event struct {
	Kind        EventKind
	Generation  uint64
	SessionID   string
	RemoteParty string
	// Connection is set for EventIncoming
	Connection Connection
	Code       int
	Message    string
	Err        error
	At         time.Time
}

// EventSink receives events from a signaling device.
type EventSink func(Event)

// ---- Event Bus ----

// EventHandler is a callback function for events
type EventHandler func(Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides a simple typed event pub/sub system. Handlers run
// synchronously on the publishing goroutine.
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind][]subscription
}

// NewEventBus creates a new EventBus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventKind][]subscription),
	}
}

// Subscribe registers a handler for one event kind and returns a function
// that removes it again.
func (b *EventBus) Subscribe(kind EventKind, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *EventBus) remove(kind EventKind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, s := range subs {
		if s.id == id {
			b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[kind]) == 0 {
		delete(b.handlers, kind)
	}
}

// Off removes all handlers for a specific event kind
func (b *EventBus) Off(kind EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, kind)
}

// Publish fires an event, calling all handlers registered for its kind
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[ev.Kind]))
	copy(subs, b.handlers[ev.Kind])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

// ---- Observer Lists ----

// listeners is a set of observer callbacks for one value type. Callers
// notify outside their own locks.
type listeners[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]func(T)
	order  []uint64
}

func (l *listeners[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.fns[id]; !ok {
			return
		}
		delete(l.fns, id)
		for i, v := range l.order {
			if v == id {
				l.order = append(l.order[:i:i], l.order[i+1:]...)
				break
			}
		}
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
