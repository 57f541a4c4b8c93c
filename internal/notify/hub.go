// Package notify fans user-facing sync events out to SSE and WebSocket
// clients.
package notify

import (
	gosync "sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Event types.
const (
	TypeReady      = "ready"
	TypeToast      = "toast"
	TypeNewMail    = "mail.new"
	TypeSyncStatus = "sync.status"
)

// Event is one notification delivered to a user's connected clients.
type Event struct {
	Type      string          `json:"type"`
	AccountID string          `json:"account_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data"`
}

const subscriberBuffer = 32

// Hub keeps per-user subscriber channels. Broadcasts never block: a client
// whose buffer is full misses the event.
type Hub struct {
	mu      gosync.RWMutex
	subs    map[string]map[chan Event]struct{}
	closed  bool
	dropped int
	now     func() time.Time
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		now:  time.Now,
		log:  log.With().Str("component", "notify").Logger(),
	}
}

// Subscribe registers a client of userID. The channel is closed by the
// returned cancel func or by Close.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if _, ok := h.subs[userID]; !ok {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subscribers, ok := h.subs[userID]
			if !ok {
				return
			}
			if _, ok := subscribers[ch]; !ok {
				return
			}
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(h.subs, userID)
			}
			close(ch)
		})
	}
}

// Publish encodes data once and delivers it to every client of userID.
func (h *Hub) Publish(userID, eventType, accountID string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}
	ev := Event{Type: eventType, AccountID: accountID, Time: h.now().UTC(), Data: payload}

	h.mu.RLock()
	var dropped int
	for ch := range h.subs[userID] {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
		h.log.Warn().Str("user_id", userID).Str("type", eventType).Int("clients", dropped).Msg("slow client missed event")
	}
}

// Clients returns the number of connected clients of userID.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close disconnects every client. Later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, subscribers := range h.subs {
		for ch := range subscribers {
			close(ch)
		}
		delete(h.subs, userID)
	}
}
