package sshtunnel

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// listenAddr is where tunnel listeners bind. Port 0 lets the kernel pick.
const listenAddr = "127.0.0.1:0"

// Session is the part of an SSH session the multiplexer needs.
// *sshsession.Session satisfies it.
type Session interface {
	ID() string
	IsAlive() bool
	Done() <-chan struct{}
	Dial(network, addr string) (net.Conn, error)
}

type tunnelKey struct {
	sessionID  string
	remoteHost string
	remotePort int
}

// Tunnel is one local listener forwarding to a fixed remote endpoint.
type Tunnel struct {
	key       tunnelKey
	sess      Session
	listener  net.Listener
	localPort int
	baseURL   string
	createdAt time.Time
	metrics   *tunnelMetrics

	mu      sync.Mutex
	closed  bool
	bridges map[*bridge]struct{}

	acceptDone chan struct{}
}

// LocalPort returns the bound loopback port.
func (t *Tunnel) LocalPort() int { return t.localPort }

// BaseURL returns http://127.0.0.1:<port>.
func (t *Tunnel) BaseURL() string { return t.baseURL }

// RemoteAddr returns the remote host:port the tunnel forwards to.
func (t *Tunnel) RemoteAddr() string {
	return net.JoinHostPort(t.key.remoteHost, strconv.Itoa(t.key.remotePort))
}

// IsClosed reports whether the tunnel has been torn down.
func (t *Tunnel) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ActiveBridges returns the number of connections currently being forwarded.
func (t *Tunnel) ActiveBridges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bridges)
}

// close stops the listener, closes all bridges and waits for the accept loop
// to exit. Safe to call more than once.
func (t *Tunnel) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.acceptDone
		return
	}
	t.closed = true
	bridges := make([]*bridge, 0, len(t.bridges))
	for b := range t.bridges {
		bridges = append(bridges, b)
	}
	t.mu.Unlock()

	t.listener.Close()
	for _, b := range bridges {
		b.close()
	}
	<-t.acceptDone
}

func (t *Tunnel) addBridge(b *bridge) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.bridges[b] = struct{}{}
	return true
}

func (t *Tunnel) removeBridge(b *bridge) {
	t.mu.Lock()
	delete(t.bridges, b)
	t.mu.Unlock()
}

// acceptLoop accepts connections on the local listener and bridges each one
// to the remote endpoint. It returns when the listener is closed.
func (t *Tunnel) acceptLoop() {
	defer close(t.acceptDone)

	remoteAddr := t.RemoteAddr()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("[tunnel] accept error on %s -> %s: %v", t.baseURL, remoteAddr, err)
			}
			return
		}
		t.metrics.accepted.Add(1)

		b := newBridge(conn, t.metrics)
		if !t.addBridge(b) {
			conn.Close()
			return
		}
		go func() {
			b.run(t.sess, remoteAddr)
			t.removeBridge(b)
		}()
	}
}

// Manager owns every tunnel in the process.
type Manager struct {
	mu      sync.Mutex
	tunnels map[tunnelKey]*Tunnel
	watched map[string]struct{} // session IDs with a Done watcher

	// listen is swapped in tests to simulate bind failures.
	listen func(network, addr string) (net.Listener, error)
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		tunnels: make(map[tunnelKey]*Tunnel),
		watched: make(map[string]struct{}),
		listen:  net.Listen,
	}
}

// OpenTunnel returns the base URL of a loopback endpoint that forwards to
// remoteHost:remotePort through sess, creating the tunnel on first use.
//
// It fails with a *NotConnectedError if sess is nil or no longer alive and
// with a *BindError if no local port can be bound.
func (m *Manager) OpenTunnel(sess Session, remoteHost string, remotePort int) (string, error) {
	if sess == nil || !sess.IsAlive() {
		id := ""
		if sess != nil {
			id = sess.ID()
		}
		return "", &NotConnectedError{SessionID: id}
	}

	key := tunnelKey{sessionID: sess.ID(), remoteHost: remoteHost, remotePort: remotePort}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tunnels[key]; ok && !t.IsClosed() {
		return t.baseURL, nil
	}

	listener, err := m.listen("tcp", listenAddr)
	if err != nil {
		return "", &BindError{Addr: listenAddr, Err: err}
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	t := &Tunnel{
		key:        key,
		sess:       sess,
		listener:   listener,
		localPort:  boundPort,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", boundPort),
		createdAt:  time.Now(),
		metrics:    &tunnelMetrics{},
		bridges:    make(map[*bridge]struct{}),
		acceptDone: make(chan struct{}),
	}
	m.tunnels[key] = t
	go t.acceptLoop()

	if _, ok := m.watched[key.sessionID]; !ok {
		m.watched[key.sessionID] = struct{}{}
		go m.watchSession(sess)
	}

	log.Printf("[tunnel] opened %s -> %s (session %s)", t.baseURL, t.RemoteAddr(), key.sessionID)
	return t.baseURL, nil
}

// watchSession closes every tunnel of sess once it drops.
func (m *Manager) watchSession(sess Session) {
	<-sess.Done()
	m.mu.Lock()
	delete(m.watched, sess.ID())
	m.mu.Unlock()
	if n := m.closeWhere(func(k tunnelKey) bool { return k.sessionID == sess.ID() }); n > 0 {
		log.Printf("[tunnel] session %s dropped, closed %d tunnel(s)", sess.ID(), n)
	}
}

// Close tears down the tunnel for one remote endpoint of sess, if any.
func (m *Manager) Close(sess Session, remoteHost string, remotePort int) {
	if sess == nil {
		return
	}
	key := tunnelKey{sessionID: sess.ID(), remoteHost: remoteHost, remotePort: remotePort}
	m.closeWhere(func(k tunnelKey) bool { return k == key })
}

// CloseAll tears down every tunnel of sess.
func (m *Manager) CloseAll(sess Session) {
	if sess == nil {
		return
	}
	id := sess.ID()
	if n := m.closeWhere(func(k tunnelKey) bool { return k.sessionID == id }); n > 0 {
		log.Printf("[tunnel] closed %d tunnel(s) for session %s", n, id)
	}
}

// Shutdown tears down every tunnel of every session.
func (m *Manager) Shutdown() {
	if n := m.closeWhere(func(tunnelKey) bool { return true }); n > 0 {
		log.Printf("[tunnel] closed all %d tunnel(s)", n)
	}
}

func (m *Manager) closeWhere(match func(tunnelKey) bool) int {
	m.mu.Lock()
	var victims []*Tunnel
	for k, t := range m.tunnels {
		if match(k) {
			victims = append(victims, t)
			delete(m.tunnels, k)
		}
	}
	m.mu.Unlock()

	for _, t := range victims {
		t.close()
	}
	return len(victims)
}

// Tunnels returns the open tunnels of the session with the given ID.
func (m *Manager) Tunnels(sessionID string) []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tunnel
	for k, t := range m.tunnels {
		if k.sessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) byURL(baseURL string) *Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tunnels {
		if t.baseURL == baseURL {
			return t
		}
	}
	return nil
}
