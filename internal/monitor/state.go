// state.go tracks phase transitions per target. Transitions are recorded in a
// per-target ring buffer (50 entries) for debugging and exposed through the
// API.

package monitor

import (
	"sync"
	"time"
)

// stateTransitionBufferSize is the maximum number of phase transitions stored
// per target.
const stateTransitionBufferSize = 50

// StateTransition records a single phase change.
type StateTransition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// stateEntry holds the transition history for one target.
type stateEntry struct {
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int                                        // next write position
	count       int                                        // entries written, capped at buffer size
}

func (e *stateEntry) record(t StateTransition) {
	e.transitions[e.head] = t
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}

	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu     sync.RWMutex
	states map[uint]*stateEntry
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[uint]*stateEntry)}
}

func (st *stateTracker) record(targetID uint, from, to Phase, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	entry, ok := st.states[targetID]
	if !ok {
		entry = &stateEntry{}
		st.states[targetID] = entry
	}
	entry.record(StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason})
}

func (st *stateTracker) transitions(targetID uint) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[targetID]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) remove(targetID uint) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, targetID)
}
