package sshsession

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by operations on a session that has been
// closed or has dropped. A dead session is never revived; connect again.
var ErrSessionClosed = errors.New("ssh session closed")

// AuthError reports that the server rejected the credential, or that the
// credential could not be used at all (for example an unparsable key).
// Retrying with the same secret will not help.
type AuthError struct {
	Addr string
	Kind string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh auth (%s) to %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError reports an unreachable host, a timeout, a reset, or a
// connection that was lost after it was established.
type NetworkError struct {
	Addr string
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a connection that ended because the peer violated
// the SSH protocol rather than because the network went away.
type ProtocolError struct {
	Addr string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ssh protocol error with %s: %v", e.Addr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetworkError reports whether err is, or wraps, a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
