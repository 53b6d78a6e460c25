package sshtunnel

import (
	"bytes"
	"io"
	"log"
	"net"
	"sync"
)

const (
	readBufferSize = 32 * 1024

	// maxPendingBytes caps what is buffered while the channel is opening.
	maxPendingBytes = 4 << 20
)

// bridge pairs one accepted local connection with one SSH channel.
type bridge struct {
	local   net.Conn
	metrics *tunnelMetrics

	mu      sync.Mutex
	pending bytes.Buffer
	remote  net.Conn
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

func newBridge(local net.Conn, metrics *tunnelMetrics) *bridge {
	return &bridge{
		local:   local,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// run forwards until either side closes. It starts reading the local side at
// once and opens the channel concurrently.
func (b *bridge) run(sess Session, remoteAddr string) {
	b.metrics.active.Add(1)
	defer b.metrics.active.Add(-1)

	go b.pumpUp()

	remote, err := sess.Dial("tcp", remoteAddr)
	if err != nil {
		b.metrics.dialFailures.Add(1)
		log.Printf("[tunnel] open channel to %s failed: %v", remoteAddr, err)
		b.close()
		return
	}

	if !b.attach(remote) {
		remote.Close()
		return
	}

	go b.pumpDown()
	<-b.done
}

// attach flushes everything buffered so far to remote and makes it the
// destination for further local bytes. It reports false if the bridge was
// closed in the meantime or the flush failed.
func (b *bridge) attach(remote net.Conn) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	var err error
	if b.pending.Len() > 0 {
		var n int
		n, err = remote.Write(b.pending.Bytes())
		b.metrics.bytesUp.Add(int64(n))
		b.pending.Reset()
	}
	if err == nil {
		b.remote = remote
	}
	b.mu.Unlock()

	if err != nil {
		b.close()
		return false
	}
	return true
}

// pumpUp copies local bytes to the channel, or into the pending buffer while
// the channel is not open yet.
func (b *bridge) pumpUp() {
	defer b.close()

	buf := make([]byte, readBufferSize)
	for {
		n, err := b.local.Read(buf)
		if n > 0 {
			b.mu.Lock()
			remote := b.remote
			if remote == nil {
				if b.pending.Len()+n > maxPendingBytes {
					b.mu.Unlock()
					log.Printf("[tunnel] pending buffer overflow, dropping connection from %s", b.local.RemoteAddr())
					return
				}
				b.pending.Write(buf[:n])
				b.mu.Unlock()
			} else {
				b.mu.Unlock()
				w, werr := remote.Write(buf[:n])
				b.metrics.bytesUp.Add(int64(w))
				if werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpDown copies channel bytes to the local connection.
func (b *bridge) pumpDown() {
	defer b.close()
	n, _ := io.Copy(b.local, b.remote)
	b.metrics.bytesDown.Add(n)
}

// close closes both sides exactly once.
func (b *bridge) close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		remote := b.remote
		b.mu.Unlock()

		b.local.Close()
		if remote != nil {
			remote.Close()
		}
		close(b.done)
	})
}
