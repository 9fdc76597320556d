package pushstream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Router
// ============================================================================

// Handler receives the payload of a dispatched frame together with the frame.
type Handler func(data json.RawMessage, frame Frame)

type subscription struct {
	id      uint64
	handler Handler
}

// Router maps event names to handlers and dispatches decoded frames.
type Router struct {
	mu       sync.RWMutex
	handlers map[Event][]subscription
	nextID   uint64
	log      zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[Event][]subscription),
		log:      log.With().Str("component", "router").Logger(),
	}
}

// Subscribe registers h for event and returns a function removing it.
// Calling the returned function more than once is harmless.
func (r *Router) Subscribe(event Event, h Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[event] = append(r.handlers[event], subscription{id: id, handler: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(event, id) })
	}
}

func (r *Router) remove(event Event, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlers[event]
	for i, s := range subs {
		if s.id == id {
			// Copy so a Dispatch iterating the old slice is unaffected.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			subs = next
			break
		}
	}
	if len(subs) == 0 {
		delete(r.handlers, event)
		return
	}
	r.handlers[event] = subs
}

// HandlerCount returns how many handlers are registered for event.
func (r *Router) HandlerCount(event Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch invokes every handler registered for f.Event in registration
// order. A panicking handler is logged and does not stop the others.
// Heartbeat frames are dropped.
func (r *Router) Dispatch(f Frame) {
	if f.Event == EventHeartbeat {
		return
	}
	r.mu.RLock()
	subs := r.handlers[f.Event]
	r.mu.RUnlock()

	for _, s := range subs {
		r.invoke(s, f)
	}
}

func (r *Router) invoke(s subscription, f Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn().
				Str("event", string(f.Event)).
				Str("panic", fmt.Sprint(rec)).
				Msg("event handler panicked")
		}
	}()
	s.handler(f.Data, f)
}
