// events.go defines what the monitor tells its listeners and keeps a
// per-target ring buffer (100 entries) of lifecycle events. Stream traffic
// (snapshots, deltas, keepalives) goes to listeners but is not logged.

package monitor

import (
	"encoding/json"
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per target.
const eventBufferSize = 100

// EventType identifies what happened.
type EventType string

const (
	EventPhaseChanged     EventType = "phase_changed"
	EventSnapshot         EventType = "snapshot"
	EventDelta            EventType = "delta"
	EventKeepalive        EventType = "keepalive"
	EventNeedsCredentials EventType = "needs_credentials"
	EventKeyEnrolled      EventType = "key_enrolled"
	EventAuthFallback     EventType = "auth_fallback"
)

// Event is delivered to listeners. Payload is only set for snapshot and delta
// events and must not be modified.
type Event struct {
	TargetID   uint            `json:"target_id"`
	TargetName string          `json:"target_name"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Phase      Phase           `json:"phase,omitempty"`
	Category   string          `json:"category,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Details    string          `json:"details,omitempty"`
}

// Listener receives events. Listeners are called synchronously from the
// target's goroutine: long-running handlers should spawn goroutines.
type Listener func(Event)

func (e Event) isStreamTraffic() bool {
	return e.Type == EventSnapshot || e.Type == EventDelta || e.Type == EventKeepalive
}

// eventBuffer is a fixed-size ring buffer of Events for one target.
type eventBuffer struct {
	events [eventBufferSize]Event
	head   int // next write position
	count  int // entries written, capped at buffer size
}

func (b *eventBuffer) record(event Event) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}

	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu      sync.RWMutex
	buffers map[uint]*eventBuffer
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[uint]*eventBuffer)}
}

func (el *eventLog) record(event Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	buf, ok := el.buffers[event.TargetID]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[event.TargetID] = buf
	}
	buf.record(event)
}

func (el *eventLog) events(targetID uint) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[targetID]
	if !ok {
		return nil
	}
	return buf.history()
}

func (el *eventLog) remove(targetID uint) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.buffers, targetID)
}
