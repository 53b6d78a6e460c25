package sshtunnel

import (
	"errors"
	"fmt"
)

// ErrNotConnected is wrapped by NotConnectedError.
var ErrNotConnected = errors.New("ssh session not connected")

// NotConnectedError reports an attempt to open a tunnel over a missing or dead
// session.
type NotConnectedError struct {
	SessionID string
}

func (e *NotConnectedError) Error() string {
	if e.SessionID == "" {
		return ErrNotConnected.Error()
	}
	return fmt.Sprintf("%s: session %s", ErrNotConnected, e.SessionID)
}

func (e *NotConnectedError) Unwrap() error { return ErrNotConnected }

// BindError reports a failure to bind the local loopback listener.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind tunnel listener on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
