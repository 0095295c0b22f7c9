package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// Subscriber is one live push consumer. Send must not block indefinitely.
type Subscriber interface {
	ID() string
	Send(ev Event) error
	Close() error
}

type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]Subscriber
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:  logger.With().Str("component", "hub").Logger(),
		subs: make(map[string]Subscriber),
	}
}

func (h *Hub) Add(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug().Str("subscriber", s.ID()).Int("subscribers", n).Msg("subscriber added")
}

// Remove drops s if it is still registered. It does not close it.
func (h *Hub) Remove(s Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[s.ID()]; ok && cur == s {
		delete(h.subs, s.ID())
		return true
	}
	return false
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast sends ev to every subscriber registered at call time. A failed
// send removes and closes that subscriber and delivery continues with the rest.
// It returns the number of successful deliveries.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.Lock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	delivered := 0
	var dead []Subscriber
	for _, s := range snapshot {
		if err := s.Send(ev); err != nil {
			h.log.Warn().Err(err).Str("subscriber", s.ID()).Str("task_id", ev.TaskID).Msg("push failed, dropping subscriber")
			dead = append(dead, s)
			continue
		}
		delivered++
	}

	for _, s := range dead {
		if h.Remove(s) {
			_ = s.Close()
		}
	}
	return delivered
}

// CloseAll removes and closes every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}
