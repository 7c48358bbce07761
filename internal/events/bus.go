package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives dispatched events. Handlers must not block; slow sinks
// are expected to queue internally.
type Handler func(Event)

// Bus is a synchronous fan-out dispatcher. The subscriber list is
// copy-on-write so Dispatch never holds a lock while invoking handlers.
type Bus struct {
	mu       sync.Mutex
	handlers map[int]Handler
	snapshot []Handler
	nextID   int

	logger zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler and returns an unsubscribe function. The
// token is owned by the subscriber; the bus holds the handler by value.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.rebuildLocked()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		b.rebuildLocked()
	}
}

func (b *Bus) rebuildLocked() {
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.snapshot = snapshot
}

// Dispatch synchronously invokes every subscribed handler. A handler that
// panics is logged and the remaining handlers still run.
func (b *Bus) Dispatch(evt Event) {
	b.mu.Lock()
	snapshot := b.snapshot
	b.mu.Unlock()

	for _, h := range snapshot {
		b.safeInvoke(h, evt)
	}
}

func (b *Bus) safeInvoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("event_id", evt.ID).
				Str("event_type", string(evt.Type)).
				Msg("event handler panicked")
		}
	}()
	h(evt)
}
