package notify

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/roast.report/internal/monitoring"
)

// subscriberBuffer is how many events a slow client may lag behind before
// further events are dropped for it.
const subscriberBuffer = 32

// Hub broadcasts events to any number of subscribers and serves them as a
// Server-Sent Events stream.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	closed      bool
	greeting    func() []Event
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Event)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// SetGreeting installs f to produce events sent to each new stream client
// before any broadcast, e.g. the currently active roast.
func (h *Hub) SetGreeting(f func() []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.greeting = f
}

// Subscribe registers a new subscriber. The returned channel is closed by
// Unsubscribe or Close.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := randomID()
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Emit sends the event to every subscriber without blocking; subscribers
// whose buffer is full miss it.
func (h *Hub) Emit(event string, payload any) {
	e := Event{Name: event, Payload: payload, At: time.Now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			monitoring.Debugf("notify: subscriber %s lagging, dropped %s", id, event)
		}
	}
}

// Close disconnects every subscriber. Later Emits are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

// ServeHTTP streams events to the client as text/event-stream until the
// request is cancelled or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := h.Subscribe()
	defer h.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	h.mu.Lock()
	greeting := h.greeting
	h.mu.Unlock()
	if greeting != nil {
		for _, e := range greeting() {
			if writeEvent(w, e) != nil {
				return
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case e, ok := <-c:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent writes e in SSE framing. Payloads that cannot be encoded are
// logged and skipped.
func writeEvent(w http.ResponseWriter, e Event) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		monitoring.Logf("notify: failed to encode %s: %v", e.Name, err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
	return err
}
