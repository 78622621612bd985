// Package events provides a synchronous in-process pub/sub bus with
// isolated failure handling per subscriber.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/rvanner/lore/internal/entity"
)

// Event names emitted by the engine and sync manager.
const (
	EntityCreated        = "entity:created"
	EntityUpdated        = "entity:updated"
	EntityDeleted        = "entity:deleted"
	SyncStarted          = "sync:started"
	SyncCompleted        = "sync:completed"
	SyncFailed           = "sync:failed"
	ConsolidateCompleted = "consolidate:completed"
)

// Event is delivered to subscribers. Entity is nil for sync and
// consolidation events; Data carries event-specific extras.
type Event struct {
	Name   string
	Entity *entity.Entity
	Data   map[string]any
	At     time.Time
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine; a panicking handler is caught and logged, never propagated.
type Handler func(Event)

// Bus dispatches events to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the named event.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit delivers the event to every subscriber of its name. Best-effort:
// one broken handler never blocks the others or the emitter's return.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[ev.Name]
	b.mu.RUnlock()

	for _, h := range handlers {
		dispatch(h, ev)
	}
}

func dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] handler for %s panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}
