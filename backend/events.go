package backend

import (
	"context"
	"sync"
	"time"

	pa "github.com/panyam/pocketauth"
)

// initialSessionTimeout bounds the session lookup behind INITIAL_SESSION
const initialSessionTimeout = 10 * time.Second

// hub fans auth events out to subscribers. Handlers run on the emitting
// goroutine, in subscription order, and must not block for long.
type hub struct {
	client *Client

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(pa.AuthEvent)
	order    []int
}

func newHub(c *Client) *hub {
	return &hub{client: c, handlers: make(map[int]func(pa.AuthEvent))}
}

type subscription struct {
	hub  *hub
	id   int
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

func (h *hub) active(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.handlers[id]
	return ok
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *hub) subscribe(handler func(pa.AuthEvent)) *subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.handlers[id] = handler
	h.order = append(h.order, id)
	h.mu.Unlock()

	sub := &subscription{hub: h, id: id}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), initialSessionTimeout)
		defer cancel()
		s, err := h.client.GetSession(ctx)
		if err != nil {
			s = nil
		}
		if h.active(id) {
			handler(pa.AuthEvent{Type: pa.EventInitialSession, Session: s})
		}
	}()
	return sub
}

func (h *hub) emit(ev pa.AuthEvent) {
	h.mu.Lock()
	handlers := make([]func(pa.AuthEvent), 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.Unlock()

	h.client.logger.Debug("auth event",
		"module", "backend",
		"operation", "emit",
		"event", string(ev.Type),
		"subscribers", len(handlers),
	)
	for _, fn := range handlers {
		fn(ev)
	}
}

// OnAuthStateChange registers handler for auth events. The handler first
// receives INITIAL_SESSION, delivered asynchronously.
func (c *Client) OnAuthStateChange(handler func(pa.AuthEvent)) pa.Subscription {
	return c.events.subscribe(handler)
}
