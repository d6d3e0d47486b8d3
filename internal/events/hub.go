// Package events fans investigation progress events out to subscribers.
//
// Subscriptions are per investigation and receive only events published
// after the subscription was taken. Each subscriber gets a bounded
// buffer; a slow consumer drops events rather than blocking the
// publisher, which sits on the execution hot path.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/pkg/models"
)

const subscriberBuffer = 64

// Hub routes progress events to subscribers keyed by investigation id.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan models.ProgressEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan models.ProgressEvent)}
}

// Subscribe registers interest in one investigation's events. The
// returned cancel func must be called when done; it closes the channel.
func (h *Hub) Subscribe(investigationID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[investigationID] == nil {
		h.subs[investigationID] = make(map[int]chan models.ProgressEvent)
	}
	h.subs[investigationID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[investigationID], id)
			if len(h.subs[investigationID]) == 0 {
				delete(h.subs, investigationID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its investigation.
// Full buffers drop the event for that subscriber only.
func (h *Hub) Publish(ev models.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs[ev.InvestigationID] {
		select {
		case ch <- ev:
		default:
			log.Warn().
				Str("investigation_id", ev.InvestigationID).
				Str("event", string(ev.Type)).
				Int("subscriber", id).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}
