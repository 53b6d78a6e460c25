// Package monitor keeps a live view of every configured remote host.
//
// Each host is a Target running its own connection state machine:
//
//	disconnected --Start--> connecting --session ok--> tunnel_open
//	tunnel_open --tunnel ok--> syncing --snapshot fetched--> live
//	(any) --drop / fetch failure / stream end--> lost_retrying --backoff elapsed--> connecting
//	connecting --all credentials rejected--> needs_credentials
//	(any) --Stop--> disconnected
//
// The Manager is the registry of targets. It fans target events out to
// listeners and keeps a short history of phase transitions and lifecycle
// events per target for debugging.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/neur0map/deskmon/internal/sshtunnel"
)

var (
	// ErrTargetNotFound is returned for an unknown target ID.
	ErrTargetNotFound = errors.New("target not found")
	// ErrTargetExists is returned by Add for a duplicate target ID.
	ErrTargetExists = errors.New("target already registered")
)

// Manager owns all targets.
type Manager struct {
	opts    Options
	store   CredentialStore
	tunnels *sshtunnel.Manager

	targets cmap.ConcurrentMap[string, *Target]

	states *stateTracker
	events *eventLog

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewManager creates an empty Manager. Credentials come from store; tunnels
// are multiplexed through one shared sshtunnel.Manager.
func NewManager(store CredentialStore, opts Options) *Manager {
	return &Manager{
		opts:    opts.withDefaults(),
		store:   store,
		tunnels: sshtunnel.NewManager(),
		targets: cmap.New[*Target](),
		states:  newStateTracker(),
		events:  newEventLog(),
	}
}

func targetKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Add registers a target in the disconnected phase. It does not start it.
func (m *Manager) Add(cfg TargetConfig) (*Target, error) {
	cfg = cfg.normalized()
	t := newTarget(cfg, m.opts, m.store, m.tunnels)
	t.onTransition = m.states.record
	t.emit = m.emit

	if !m.targets.SetIfAbsent(targetKey(cfg.ID), t) {
		return nil, fmt.Errorf("add target %d (%s): %w", cfg.ID, cfg.Name, ErrTargetExists)
	}
	log.Printf("[monitor] registered target %s (%s@%s:%d)", cfg.Name, cfg.Username, cfg.Host, cfg.Port)
	return t, nil
}

// Remove stops a target and forgets it along with its history.
func (m *Manager) Remove(id uint) error {
	t, ok := m.targets.Pop(targetKey(id))
	if !ok {
		return ErrTargetNotFound
	}
	t.Stop()
	m.states.remove(id)
	m.events.remove(id)
	log.Printf("[monitor] removed target %s", t.cfg.Name)
	return nil
}

// Get returns the target with the given ID.
func (m *Manager) Get(id uint) (*Target, bool) {
	return m.targets.Get(targetKey(id))
}

// Targets returns all targets ordered by ID.
func (m *Manager) Targets() []*Target {
	out := make([]*Target, 0, m.targets.Count())
	for item := range m.targets.IterBuffered() {
		out = append(out, item.Val)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// List returns the status of every target ordered by ID.
func (m *Manager) List() []Status {
	targets := m.Targets()
	out := make([]Status, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Status())
	}
	return out
}

// Start starts one target.
func (m *Manager) Start(id uint) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTargetNotFound
	}
	t.Start()
	return nil
}

// Stop stops one target.
func (m *Manager) Stop(id uint) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTargetNotFound
	}
	t.Stop()
	return nil
}

// Restart stops and starts a target, for example after its credentials
// changed.
func (m *Manager) Restart(id uint) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTargetNotFound
	}
	t.Stop()
	t.Start()
	return nil
}

// StartAll starts every registered target.
func (m *Manager) StartAll() {
	for _, t := range m.Targets() {
		t.Start()
	}
}

// StopAll stops every target concurrently and waits for all of them.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, t := range m.Targets() {
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			t.Stop()
		}(t)
	}
	wg.Wait()
}

// Shutdown stops all targets and closes any tunnel left behind.
func (m *Manager) Shutdown() {
	m.StopAll()
	m.tunnels.Shutdown()
}

// Execute runs a command on a live target.
func (m *Manager) Execute(ctx context.Context, id uint, command string) ([]byte, error) {
	t, ok := m.Get(id)
	if !ok {
		return nil, ErrTargetNotFound
	}
	return t.Execute(ctx, command)
}

// OnEvent registers a listener for events of every target.
func (m *Manager) OnEvent(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transitions returns up to 50 recent phase transitions of a target, oldest
// first.
func (m *Manager) Transitions(id uint) []StateTransition {
	return m.states.transitions(id)
}

// Events returns up to 100 recent lifecycle events of a target, oldest first.
func (m *Manager) Events(id uint) []Event {
	return m.events.events(id)
}

// TunnelMetrics returns metrics for the tunnels of a target's current session.
func (m *Manager) TunnelMetrics(id uint) []sshtunnel.Metrics {
	t, ok := m.Get(id)
	if !ok {
		return nil
	}
	sid := t.Status().SessionID
	if sid == "" {
		return nil
	}
	var out []sshtunnel.Metrics
	for _, tun := range m.tunnels.Tunnels(sid) {
		out = append(out, tun.Metrics())
	}
	return out
}

func (m *Manager) emit(ev Event) {
	if !ev.isStreamTraffic() {
		m.events.record(ev)
	}

	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
