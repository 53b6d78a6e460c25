package monitor

import (
	"encoding/json"

	"github.com/neur0map/deskmon/internal/eventstream"
)

// categoryAliases maps stream category names to the snapshot keys they update.
var categoryAliases = map[string]string{
	"docker": "containers",
}

// stateKey returns the snapshot key a stream category updates.
func stateKey(category string) string {
	if k, ok := categoryAliases[category]; ok {
		return k
	}
	return category
}

// State is the merged view of one target: snapshot keys to raw JSON values.
type State map[string]json.RawMessage

// Clone returns a shallow copy. Values are never mutated in place, so sharing
// them is safe.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Apply merges ev into the state and returns the result. A snapshot replaces
// everything; a delta replaces one category; keepalives change nothing.
// It reports false if the event could not be applied.
func (s State) Apply(ev eventstream.Event) (State, bool) {
	switch ev.Kind {
	case eventstream.Snapshot:
		var next State
		if err := json.Unmarshal(ev.Payload, &next); err != nil || next == nil {
			return s, false
		}
		return next, true

	case eventstream.Delta:
		if ev.Category == "" {
			return s, false
		}
		key := stateKey(ev.Category)
		next := s.Clone()
		if next == nil {
			next = make(State)
		}
		next[key] = unwrapEnvelope(ev.Payload, ev.Category, key)
		return next, true

	default:
		return s, true
	}
}

// unwrapEnvelope returns v when payload is a single-key object {name: v} for
// the category or its state key, and payload itself otherwise.
func unwrapEnvelope(payload json.RawMessage, names ...string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || len(obj) != 1 {
		return payload
	}
	for _, name := range names {
		if v, ok := obj[name]; ok {
			return v
		}
	}
	return payload
}
