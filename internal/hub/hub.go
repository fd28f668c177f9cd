package hub

import (
	"sync"
	"time"

	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Event kinds published by the session.
const (
	KindState    = "state"
	KindError    = "error"
	KindServices = "services"
	KindChannel  = "channel_open"
	KindPayload  = "payload"
)

// Event is one session notification for UI subscribers.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Session   string    `json:"session,omitempty"`
	State     string    `json:"state,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	MessageID uint16    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Hint      string    `json:"hint,omitempty"`
	Count     int       `json:"count,omitempty"`
	Data      []byte    `json:"data,omitempty"`
}

type Client struct {
	Out       chan Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an outbound buffer of size buf.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan Event, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 64} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast sends an event to all connected clients honoring the backpressure
// policy. It never blocks.
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	clients := h.Snapshot()
	depth := 0
	for _, c := range clients {
		if l := len(c.Out); l > depth {
			depth = l
		}
	}
	metrics.SetHubQueueDepth(depth)
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- ev:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // signal writer to exit; the feed will Remove on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
