// events.go - in-memory ring buffer of supervisor-observed events
package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes a supervisor Event.
type EventKind string

const (
	EventLoaded     EventKind = "loaded"
	EventUnloaded   EventKind = "unloaded"
	EventLoadFailed EventKind = "load_failed"
	EventCrashed    EventKind = "crashed"
	EventRestarted  EventKind = "restarted"
)

// Event is one ring-buffered, in-memory record of something the supervisor
// observed. No persistence across restarts.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RunnerID  string    `json:"runner_id"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail"`
}

// eventRing is a fixed-capacity circular buffer of Events, newest last.
type eventRing struct {
	mu       sync.Mutex
	buf      []Event
	capacity int
	next     int
	full     bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity), capacity: capacity}
}

func (r *eventRing) add(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// recent returns up to limit most recent events, oldest first.
func (r *eventRing) recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Event
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}

	if limit <= 0 || limit >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-limit:]
}
