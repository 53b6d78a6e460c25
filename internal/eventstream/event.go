package eventstream

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes what an Event means to the consumer.
type Kind int

const (
	// Snapshot carries the complete remote state as a JSON object.
	Snapshot Kind = iota
	// Delta replaces a single category of the state.
	Delta
	// Keepalive carries no state; it proves the stream is alive.
	Keepalive
)

func (k Kind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Delta:
		return "delta"
	case Keepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one decoded item from the stream. Events are never modified after
// the decoder produces them.
type Event struct {
	Kind     Kind            `json:"kind"`
	Category string          `json:"category,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StreamError reports that the underlying stream failed or could not be
// framed. It ends decoding; a malformed payload never does.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("event stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
