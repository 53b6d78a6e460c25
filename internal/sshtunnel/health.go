package sshtunnel

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// tunnelMetrics tracks counters for an individual tunnel.
type tunnelMetrics struct {
	accepted     atomic.Int64
	active       atomic.Int64
	dialFailures atomic.Int64
	bytesUp      atomic.Int64
	bytesDown    atomic.Int64

	mu               sync.Mutex
	lastHealthCheck  time.Time
	successfulChecks int64
	failedChecks     int64
}

func (m *tunnelMetrics) recordCheck(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHealthCheck = time.Now()
	if ok {
		m.successfulChecks++
	} else {
		m.failedChecks++
	}
}

// Metrics is an immutable snapshot of tunnel metrics for external consumption.
type Metrics struct {
	BaseURL          string        `json:"base_url"`
	RemoteAddr       string        `json:"remote_addr"`
	CreatedAt        time.Time     `json:"created_at"`
	Uptime           time.Duration `json:"uptime"`
	Accepted         int64         `json:"accepted"`
	ActiveBridges    int64         `json:"active_bridges"`
	DialFailures     int64         `json:"dial_failures"`
	BytesUp          int64         `json:"bytes_up"`
	BytesDown        int64         `json:"bytes_down"`
	LastHealthCheck  time.Time     `json:"last_health_check"`
	SuccessfulChecks int64         `json:"successful_checks"`
	FailedChecks     int64         `json:"failed_checks"`
}

// Metrics returns a snapshot of the tunnel's counters.
func (t *Tunnel) Metrics() Metrics {
	t.metrics.mu.Lock()
	last, ok, failed := t.metrics.lastHealthCheck, t.metrics.successfulChecks, t.metrics.failedChecks
	t.metrics.mu.Unlock()

	return Metrics{
		BaseURL:          t.baseURL,
		RemoteAddr:       t.RemoteAddr(),
		CreatedAt:        t.createdAt,
		Uptime:           time.Since(t.createdAt),
		Accepted:         t.metrics.accepted.Load(),
		ActiveBridges:    t.metrics.active.Load(),
		DialFailures:     t.metrics.dialFailures.Load(),
		BytesUp:          t.metrics.bytesUp.Load(),
		BytesDown:        t.metrics.bytesDown.Load(),
		LastHealthCheck:  last,
		SuccessfulChecks: ok,
		FailedChecks:     failed,
	}
}

// CheckHealth reports whether the tunnel serving baseURL can still forward:
// it must be open, its session alive and its listener still bound to the
// advertised port. The check never connects to the listener, so it opens no
// SSH channel.
func (m *Manager) CheckHealth(baseURL string) error {
	t := m.byURL(baseURL)
	if t == nil {
		return fmt.Errorf("no tunnel for %s", baseURL)
	}

	var err error
	switch {
	case t.IsClosed():
		err = fmt.Errorf("tunnel %s is closed", baseURL)
	case !t.sess.IsAlive():
		err = fmt.Errorf("tunnel %s: session %s is gone", baseURL, t.key.sessionID)
	default:
		addr, ok := t.listener.Addr().(*net.TCPAddr)
		if !ok || addr.Port != t.localPort {
			err = fmt.Errorf("tunnel %s: listener not bound to port %d", baseURL, t.localPort)
		}
	}

	t.metrics.recordCheck(err == nil)
	return err
}
