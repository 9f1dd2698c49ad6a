// Package notify fans roast events out to live clients.
package notify

import (
	"sync"
	"time"
)

// Event names emitted by the logger.
const (
	RoastStarted        = "roast_started"
	RoastActive         = "roast_active"
	RoastStopped        = "roast_stopped"
	RoastAutoStopped    = "roast_auto_stopped"
	SensorData          = "sensor_data"
	FirstCrackDetected  = "first_crack_detected"
	FirstCrackMarked    = "first_crack_marked"
	FirstCrackPredicted = "first_crack_predicted"
)

// Notifier delivers events on a best-effort basis. Emit must not block.
type Notifier interface {
	Emit(event string, payload any)
}

// Event is a single emitted notification.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, any) {}

// Recorder keeps every emitted event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: event, Payload: payload, At: time.Now()})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Last returns the most recent event named name.
func (r *Recorder) Last(name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Multi emits every event to each of its notifiers in order.
type Multi []Notifier

func (m Multi) Emit(event string, payload any) {
	for _, n := range m {
		n.Emit(event, payload)
	}
}
