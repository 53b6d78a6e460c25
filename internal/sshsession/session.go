// Package sshsession owns one authenticated SSH connection to a monitored host.
//
// A Session is created by Connect with either a password or a private key and
// stays usable until it is closed or the connection is observed to be gone.
// Loss is detected two ways: the client's Wait returning, and a periodic
// keepalive@openssh.com request failing. Whichever happens first closes the
// Done channel exactly once and records the reason returned by Err. After that
// the Session refuses new channels and commands; callers discard it and
// connect again.
package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	// defaultKeepaliveInterval is how often we send keepalive requests.
	defaultKeepaliveInterval = 30 * time.Second

	// defaultConnectTimeout bounds the TCP dial plus SSH handshake.
	defaultConnectTimeout = 15 * time.Second
)

// Credential is the secret used to authenticate. Exactly one of Password or
// PrivateKeyPEM is expected; if both are set the key wins.
type Credential struct {
	Password      string
	PrivateKeyPEM []byte
}

// PasswordCredential returns a password credential.
func PasswordCredential(password string) Credential {
	return Credential{Password: password}
}

// KeyCredential returns a private key credential.
func KeyCredential(privateKeyPEM []byte) Credential {
	return Credential{PrivateKeyPEM: privateKeyPEM}
}

// Kind returns "key", "password" or "none".
func (c Credential) Kind() string {
	switch {
	case len(c.PrivateKeyPEM) > 0:
		return "key"
	case c.Password != "":
		return "password"
	default:
		return "none"
	}
}

// Options tunes Connect. Zero values select the defaults.
type Options struct {
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	// HostKeyCallback verifies the server host key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// Session is a live SSH connection. All methods are safe for concurrent use.
type Session struct {
	id   string
	addr string
	user string

	client *ssh.Client

	done     chan struct{}
	deadOnce sync.Once
	errMu    sync.Mutex
	err      error
	alive    atomic.Bool
	keepStop context.CancelFunc
	metrics  *metricsRecorder
}

// Connect dials host:port and authenticates as username with cred.
//
// A rejected credential returns an *AuthError; anything else that prevents the
// session from being established (unreachable host, timeout, reset, handshake
// failure, cancelled ctx) returns a *NetworkError.
func Connect(ctx context.Context, host string, port int, username string, cred Credential, opts Options) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if opts.Timeout <= 0 {
		opts.Timeout = defaultConnectTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	auth, err := authMethods(cred)
	if err != nil {
		return nil, &AuthError{Addr: addr, Kind: cred.Kind(), Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}

	dialer := net.Dialer{Timeout: opts.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &NetworkError{Addr: addr, Op: "dial", Err: err}
	}

	// The handshake does not take a context: bound it with a deadline and
	// tear the socket down if ctx is cancelled meanwhile.
	netConn.SetDeadline(time.Now().Add(opts.Timeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	cancelled := !stop()
	if err != nil {
		netConn.Close()
		if cancelled {
			return nil, &NetworkError{Addr: addr, Op: "handshake", Err: ctx.Err()}
		}
		if isAuthFailure(err) {
			return nil, &AuthError{Addr: addr, Kind: cred.Kind(), Err: err}
		}
		return nil, &NetworkError{Addr: addr, Op: "handshake", Err: err}
	}
	if cancelled {
		sshConn.Close()
		return nil, &NetworkError{Addr: addr, Op: "handshake", Err: ctx.Err()}
	}
	netConn.SetDeadline(time.Time{})

	keepCtx, keepCancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		addr:     addr,
		user:     username,
		client:   ssh.NewClient(sshConn, chans, reqs),
		done:     make(chan struct{}),
		keepStop: keepCancel,
		metrics:  newMetricsRecorder(),
	}
	s.alive.Store(true)

	go s.watch()
	go s.keepalive(keepCtx, opts.KeepaliveInterval)

	log.Printf("[ssh] connected to %s@%s (%s auth, session %s)", username, addr, cred.Kind(), s.id)
	return s, nil
}

func authMethods(cred Credential) ([]ssh.AuthMethod, error) {
	switch cred.Kind() {
	case "key":
		signer, err := ssh.ParsePrivateKey(cred.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case "password":
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil
	default:
		return nil, errors.New("no credential provided")
	}
}

// isAuthFailure recognizes the handshake error x/crypto/ssh returns once the
// server has refused every offered auth method.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// ID returns the unique identifier of this session.
func (s *Session) ID() string { return s.id }

// Addr returns the host:port the session is connected to.
func (s *Session) Addr() string { return s.addr }

// User returns the remote login name.
func (s *Session) User() string { return s.user }

// IsAlive reports whether the session can still be used. A nil session is
// not alive.
func (s *Session) IsAlive() bool {
	return s != nil && s.alive.Load()
}

// Done returns a channel that is closed once, the first time the session is
// closed or observed to be gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended: ErrSessionClosed after Close, a
// *NetworkError or *ProtocolError after a loss, nil while alive.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close shuts the session down. It is safe to call more than once and after
// the connection has already dropped.
func (s *Session) Close() error {
	if s.markDead(ErrSessionClosed) {
		log.Printf("[ssh] session %s to %s closed", s.id, s.addr)
	}
	return nil
}

// markDead records reason and releases everything the first time it is
// called. It reports whether this call was the one that did so.
func (s *Session) markDead(reason error) bool {
	first := false
	s.deadOnce.Do(func() {
		first = true
		s.alive.Store(false)
		s.errMu.Lock()
		s.err = reason
		s.errMu.Unlock()
		s.keepStop()
		s.client.Close()
		close(s.done)
	})
	return first
}

// watch blocks until the underlying connection ends.
func (s *Session) watch() {
	err := s.client.Wait()
	if s.markDead(s.classifyLoss("wait", err)) {
		log.Printf("[ssh] session %s to %s lost: %v", s.id, s.addr, s.Err())
	}
}

func (s *Session) classifyLoss(op string, err error) error {
	if err == nil {
		err = io.EOF
	}
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) ||
		strings.Contains(err.Error(), "connection reset") {
		return &NetworkError{Addr: s.addr, Op: op, Err: err}
	}
	return &ProtocolError{Addr: s.addr, Err: err}
}

// keepalive sends periodic keepalive requests to detect dead connections. A
// request that errors or gets no answer within one interval ends the session.
func (s *Session) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			errc := make(chan error, 1)
			go func() {
				// SendRequest with wantReply=true acts as a keepalive check
				_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
				errc <- err
			}()

			var err error
			select {
			case <-ctx.Done():
				return
			case err = <-errc:
			case <-time.After(interval):
				err = errors.New("keepalive timed out")
			}

			if err != nil {
				s.metrics.recordKeepalive(false)
				if s.markDead(&NetworkError{Addr: s.addr, Op: "keepalive", Err: err}) {
					log.Printf("[ssh] keepalive failed for session %s to %s: %v", s.id, s.addr, err)
				}
				return
			}
			s.metrics.recordKeepalive(true)
		}
	}
}

// Dial opens a logical channel to addr as seen from the remote host
// (a direct-tcpip channel). A rejected channel does not end the session.
func (s *Session) Dial(network, addr string) (net.Conn, error) {
	if !s.IsAlive() {
		return nil, ErrSessionClosed
	}
	conn, err := s.client.Dial(network, addr)
	if err != nil {
		if !s.IsAlive() {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("open channel to %s via %s: %w", addr, s.addr, err)
	}
	s.metrics.recordChannel()
	return conn, nil
}

// Execute runs command on the remote host and returns its combined output.
// Cancelling ctx closes the command's channel and returns ctx.Err().
func (s *Session) Execute(ctx context.Context, command string) ([]byte, error) {
	if !s.IsAlive() {
		return nil, ErrSessionClosed
	}

	session, err := s.client.NewSession()
	if err != nil {
		if !s.IsAlive() {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("create exec session on %s: %w", s.addr, err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		s.metrics.recordCommand()
		if r.err != nil {
			return r.out, fmt.Errorf("exec on %s: %w", s.addr, r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	}
}

// Metrics returns a snapshot of the session's counters.
func (s *Session) Metrics() Metrics {
	return s.metrics.Snapshot()
}
