// Package eventstream decodes the text/event-stream the remote collector
// serves on /stats/stream into typed events.
//
// Framing follows Server-Sent Events with a few restrictions: lines end in LF
// or CRLF, a blank line ends a block, and only the "event" and "data" fields
// matter. A block whose data is not valid JSON of the expected shape is
// dropped without ending the stream. Comment lines become Keepalive events.
//
// Usage:
//
//	dec := eventstream.NewDecoder(resp.Body)
//	for dec.Next() {
//	    ev := dec.Event()
//	    // apply ev
//	}
//	if err := dec.Err(); err != nil {
//	    // stream broke
//	}
package eventstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	// MaxLineSize is the default limit on one line of the stream.
	MaxLineSize = 1 << 20

	// DefaultSnapshotEvent is the event name that carries a full snapshot.
	DefaultSnapshotEvent = "snapshot"

	readBufferSize = 64 * 1024
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithShape sets the payload check for category, replacing any built-in one.
func WithShape(category string, fn ShapeFunc) Option {
	return func(d *Decoder) { d.shapes[category] = fn }
}

// WithSnapshotEvent changes the event name treated as a full snapshot.
func WithSnapshotEvent(name string) Option {
	return func(d *Decoder) { d.snapshotEvent = name }
}

// WithMaxLineSize changes the longest line accepted before the stream is
// considered broken.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) { d.maxLine = n }
}

// Stats counts what a Decoder has produced and dropped.
type Stats struct {
	Events     int64 `json:"events"`
	Keepalives int64 `json:"keepalives"`
	Discarded  int64 `json:"discarded"`
}

// Decoder reads events from a stream in a single pass. It is not safe for
// concurrent use except for Stats.
type Decoder struct {
	reader        *bufio.Reader
	shapes        map[string]ShapeFunc
	snapshotEvent string
	maxLine       int

	current Event
	err     error
	eof     bool

	// partially accumulated block
	eventName string
	data      []byte
	hasData   bool

	events     atomic.Int64
	keepalives atomic.Int64
	discarded  atomic.Int64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		reader:        bufio.NewReaderSize(r, readBufferSize),
		shapes:        defaultShapes(),
		snapshotEvent: DefaultSnapshotEvent,
		maxLine:       MaxLineSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next advances to the next event. It returns false when the stream ends or
// breaks; Err tells the two apart.
func (d *Decoder) Next() bool {
	d.current = Event{}
	if d.err != nil {
		return false
	}

	for {
		if d.eof {
			// A complete but unterminated block is still delivered.
			ev, ok := d.finishBlock()
			d.current = ev
			return ok
		}

		line, err := d.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.err = err
				return false
			}
			d.eof = true
			if len(line) == 0 {
				continue
			}
		}

		if ev, ok := d.processLine(line); ok {
			d.current = ev
			return true
		}
	}
}

// processLine handles one line without its terminator. It reports true when
// the line produced an event.
func (d *Decoder) processLine(line []byte) (Event, bool) {
	if len(line) == 0 {
		return d.finishBlock()
	}

	if line[0] == ':' {
		d.keepalives.Add(1)
		return Event{Kind: Keepalive}, true
	}

	field, value, found := bytes.Cut(line, []byte(":"))
	if found {
		value = bytes.TrimPrefix(value, []byte(" "))
	}

	switch string(field) {
	case "event":
		d.eventName = string(value)
	case "data":
		// Multi-line data is not supported: the last data line wins.
		d.data = append(d.data[:0], value...)
		d.hasData = true
	default:
		// id, retry and unknown fields are ignored.
	}
	return Event{}, false
}

// finishBlock turns the accumulated block into an event and resets it.
func (d *Decoder) finishBlock() (Event, bool) {
	name, data, hasData := d.eventName, d.data, d.hasData
	d.eventName = ""
	d.data = nil
	d.hasData = false

	if name == "" && !hasData {
		return Event{}, false
	}
	if name == "" || !hasData {
		d.discarded.Add(1)
		return Event{}, false
	}

	payload := append([]byte(nil), data...)

	if name == d.snapshotEvent {
		if !validPayload(payload, IsObject) {
			d.discarded.Add(1)
			return Event{}, false
		}
		d.events.Add(1)
		return Event{Kind: Snapshot, Payload: payload}, true
	}

	shape, ok := d.shapes[name]
	if !ok {
		shape = AnyJSON
	}
	if !validPayload(payload, shape) {
		d.discarded.Add(1)
		return Event{}, false
	}
	d.events.Add(1)
	return Event{Kind: Delta, Category: name, Payload: payload}, true
}

// readLine returns the next line without its LF or CRLF terminator. At the
// end of input it returns the trailing partial line (possibly empty) with
// io.EOF.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if len(line)+len(chunk) > d.maxLine+2 {
			return nil, &StreamError{Err: fmt.Errorf("line exceeds %d bytes", d.maxLine)}
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return trimEOL(line), io.EOF
		}
		return nil, &StreamError{Err: err}
	}
	line = trimEOL(line)
	if len(line) > d.maxLine {
		return nil, &StreamError{Err: fmt.Errorf("line exceeds %d bytes", d.maxLine)}
	}
	return line, nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// Event returns the event produced by the last successful call to Next.
func (d *Decoder) Event() Event {
	return d.current
}

// Err returns the error that ended decoding, or nil after a clean end of
// stream. A non-nil error is always a *StreamError.
func (d *Decoder) Err() error {
	return d.err
}

// Stats returns the decoder's counters. It may be called from any goroutine.
func (d *Decoder) Stats() Stats {
	return Stats{
		Events:     d.events.Load(),
		Keepalives: d.keepalives.Load(),
		Discarded:  d.discarded.Load(),
	}
}
