package monitor

import "time"

// Backoff produces reconnect delays that start at a floor, double after each
// failure and stop growing at a ceiling. Not safe for concurrent use.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	next    time.Duration
}

// NewBackoff returns a Backoff whose first delay is floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, next: floor}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return d
}

// Reset starts the sequence over from the floor.
func (b *Backoff) Reset() {
	b.next = b.floor
}
