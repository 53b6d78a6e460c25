package sshsession

import (
	"sync"
	"time"
)

// Metrics holds counters for a session.
type Metrics struct {
	ConnectedAt      time.Time `json:"connected_at"`
	LastKeepalive    time.Time `json:"last_keepalive"`
	KeepalivesOK     int64     `json:"keepalives_ok"`
	KeepalivesFailed int64     `json:"keepalives_failed"`
	ChannelsOpened   int64     `json:"channels_opened"`
	CommandsExecuted int64     `json:"commands_executed"`
}

// Uptime returns the duration since the session was established.
func (m Metrics) Uptime() time.Duration {
	if m.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(m.ConnectedAt)
}

type metricsRecorder struct {
	mu sync.Mutex
	m  Metrics
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{m: Metrics{ConnectedAt: time.Now()}}
}

// Snapshot returns a copy of the metrics safe for concurrent use.
func (r *metricsRecorder) Snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

func (r *metricsRecorder) recordKeepalive(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.LastKeepalive = time.Now()
	if ok {
		r.m.KeepalivesOK++
	} else {
		r.m.KeepalivesFailed++
	}
}

func (r *metricsRecorder) recordChannel() {
	r.mu.Lock()
	r.m.ChannelsOpened++
	r.mu.Unlock()
}

func (r *metricsRecorder) recordCommand() {
	r.mu.Lock()
	r.m.CommandsExecuted++
	r.mu.Unlock()
}
