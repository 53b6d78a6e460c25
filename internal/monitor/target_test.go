package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/neur0map/deskmon/internal/sshkeys"
	"github.com/neur0map/deskmon/internal/sshtest"
)

type harness struct {
	srv       *sshtest.Server
	collector *collector
	store     *memStore
	mgr       *Manager
	rec       *recorder
	target    *Target
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		srv:       sshtest.NewServer(t),
		collector: newCollector(t, `{"cpu":10}`),
		store:     newMemStore(),
		rec:       &recorder{},
	}
	h.srv.SetPassword("mon", "pw")
	h.store.setPassword(1, "pw")

	h.mgr = NewManager(h.store, opts)
	h.mgr.OnEvent(h.rec.listen)
	t.Cleanup(h.mgr.Shutdown)

	tgt, err := h.mgr.Add(TargetConfig{
		ID:          1,
		Name:        "nas",
		Host:        h.srv.Host,
		Port:        h.srv.Port,
		Username:    "mon",
		ServicePort: h.collector.port(),
	})
	require.NoError(t, err)
	h.target = tgt
	return h
}

func stateValue(tgt *Target, key string) string {
	return string(tgt.Status().State[key])
}

func TestTarget_FullScenario(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.target.Start()

	waitPhase(t, h.target, PhaseLive)
	assert.Equal(t, "10", stateValue(h.target, "cpu"))

	st := h.target.Status()
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, strings.HasPrefix(st.TunnelURL, "http://127.0.0.1:"))
	assert.False(t, st.ConnectedAt.IsZero())

	// Wait for the stream to be attached before pushing deltas.
	waitFor(t, 5*time.Second, func() bool { return h.collector.streamCount() == 1 }, "stream not opened")
	h.collector.send("cpu", `{"cpu":55}`)
	waitFor(t, 5*time.Second, func() bool { return stateValue(h.target, "cpu") == "55" }, "delta not applied")

	assert.True(t, h.rec.has(EventSnapshot))
	assert.True(t, h.rec.has(EventDelta))
	assert.True(t, h.rec.has(EventKeepalive))

	// Transport drop: the target backs off and comes back on its own.
	oldSession := st.SessionID
	h.srv.DropConnections()
	waitFor(t, 5*time.Second, func() bool {
		s := h.target.Status()
		return s.Phase == PhaseLive && s.SessionID != "" && s.SessionID != oldSession
	}, "target did not recover after drop")

	var sawRetry bool
	for _, tr := range h.mgr.Transitions(1) {
		if tr.To == PhaseLostRetrying {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry, "expected a lost_retrying transition")
}

func TestTarget_PhaseOrder(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)

	var got []Phase
	for _, tr := range h.mgr.Transitions(1) {
		got = append(got, tr.To)
	}
	assert.Equal(t, []Phase{PhaseConnecting, PhaseTunnelOpen, PhaseSyncing, PhaseLive}, got)
}

func TestTarget_StreamEndRetries(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
	waitFor(t, 5*time.Second, func() bool { return h.collector.streamCount() == 1 }, "stream not opened")

	h.collector.endStreams()

	waitFor(t, 5*time.Second, func() bool { return h.collector.streamCount() >= 2 }, "stream was not reopened")
	waitPhase(t, h.target, PhaseLive)
	assert.NotEmpty(t, h.mgr.Events(1))
}

func TestTarget_StreamEndDeliversTrailingEvents(t *testing.T) {
	const n = 30
	h := newHarness(t, fastOptions())

	// The whole burst is written before the stream closes, so the end of the
	// stream races every block still buffered behind it.
	var burst strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&burst, "event: c%d\ndata: {\"v\":%d}\n\n", i, i)
	}
	h.collector.queueBurst(burst.String())
	h.target.Start()

	waitFor(t, 5*time.Second, func() bool { return len(h.rec.ofType(EventDelta)) >= n },
		"trailing deltas were not delivered")

	deltas := h.rec.ofType(EventDelta)
	require.Len(t, deltas, n)
	for i, ev := range deltas {
		assert.Equal(t, fmt.Sprintf("c%d", i), ev.Category)
		assert.JSONEq(t, fmt.Sprintf(`{"v":%d}`, i), string(ev.Payload))
	}
}

func TestTarget_EventResetsRetryDelay(t *testing.T) {
	opts := fastOptions()
	h := newHarness(t, opts)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	h.mgr.OnEvent(func(ev Event) {
		if ev.Type != EventPhaseChanged || ev.Phase != PhaseLostRetrying {
			return
		}
		d := h.target.Status().RetryDelay
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	})
	recorded := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), delays...)
	}

	// Snapshots fail until the delay has grown past the floor.
	h.collector.setFailing(true)
	h.target.Start()
	waitFor(t, 5*time.Second, func() bool {
		for _, d := range recorded() {
			if d >= 2*opts.BackoffFloor {
				return true
			}
		}
		return false
	}, "retry delay never grew")
	assert.Equal(t, opts.BackoffFloor, recorded()[0])

	h.collector.setFailing(false)
	waitPhase(t, h.target, PhaseLive)

	before := len(recorded())
	h.srv.DropConnections()
	waitFor(t, 5*time.Second, func() bool { return len(recorded()) > before }, "drop was not noticed")
	assert.Equal(t, opts.BackoffFloor, recorded()[before])
}

func TestTarget_FallbackResync(t *testing.T) {
	opts := fastOptions()
	opts.ResyncInterval = 50 * time.Millisecond
	h := newHarness(t, opts)
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)

	// No stream traffic at all: only the periodic resync can deliver this.
	h.collector.setSnapshot(`{"cpu":77}`)
	waitFor(t, 5*time.Second, func() bool { return stateValue(h.target, "cpu") == "77" }, "resync did not refresh state")
	assert.Equal(t, PhaseLive, h.target.Phase())

	tunnels := h.mgr.TunnelMetrics(1)
	require.Len(t, tunnels, 1)
	assert.Positive(t, tunnels[0].SuccessfulChecks)
}

func TestTarget_NeedsCredentials(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.store.setPassword(1, "wrong")
	h.target.Start()

	waitPhase(t, h.target, PhaseNeedsCredentials)
	assert.True(t, h.rec.has(EventNeedsCredentials))
	waitFor(t, 5*time.Second, func() bool {
		h.target.lifeMu.Lock()
		defer h.target.lifeMu.Unlock()
		return !h.target.running()
	}, "run loop did not end in needs_credentials")

	attempts := h.srv.AuthAttempts()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, attempts, h.srv.AuthAttempts(), "must not keep retrying a rejected secret")

	// New input, then a fresh cycle.
	h.store.setPassword(1, "pw")
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
}

func TestTarget_NoCredentials(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.store.setPassword(1, "")
	h.target.Start()
	waitPhase(t, h.target, PhaseNeedsCredentials)
	assert.Zero(t, h.srv.AuthAttempts())
}

func TestTarget_KeyFallsBackToPassword(t *testing.T) {
	h := newHarness(t, fastOptions())
	_, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, h.store.SaveKey(1, priv, ""))

	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
	assert.True(t, h.rec.has(EventAuthFallback))
}

func TestTarget_KeyPreferred(t *testing.T) {
	h := newHarness(t, fastOptions())
	pub, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	require.NoError(t, err)
	h.srv.Authorize(key)
	require.NoError(t, h.store.SaveKey(1, priv, string(pub)))
	h.store.setPassword(1, "wrong")

	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
	assert.False(t, h.rec.has(EventAuthFallback))
}

func TestTarget_EnrollsKey(t *testing.T) {
	opts := fastOptions()
	opts.EnrollKeys = true
	h := newHarness(t, opts)
	h.srv.HandleExec(enrollingExec(h.srv))

	h.target.Start()
	waitPhase(t, h.target, PhaseLive)

	set := h.store.get(1)
	require.True(t, set.HasKey(), "key not stored after enrollment")
	signer, err := sshkeys.ParsePrivateKey(set.PrivateKeyPEM)
	require.NoError(t, err)
	assert.True(t, h.srv.IsAuthorized(signer.PublicKey()), "key not installed on host")
	assert.True(t, h.rec.has(EventKeyEnrolled))

	// Next connection uses the key even if the password changes.
	h.store.setPassword(1, "gone")
	h.target.Stop()
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
}

func TestTarget_RecordsHostKey(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
	assert.Equal(t, ssh.FingerprintSHA256(h.srv.HostKey), h.store.get(1).HostKey)
}

func TestTarget_UnreachableBacksOff(t *testing.T) {
	store := newMemStore()
	store.setPassword(1, "pw")
	mgr := NewManager(store, fastOptions())
	defer mgr.Shutdown()

	l, _ := net.Listen("tcp", "127.0.0.1:0")
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	tgt, err := mgr.Add(TargetConfig{ID: 1, Name: "gone", Host: "127.0.0.1", Port: port, Username: "mon"})
	require.NoError(t, err)
	tgt.Start()

	waitFor(t, 5*time.Second, func() bool { return tgt.Status().Attempts >= 3 }, "no retries recorded")
	st := tgt.Status()
	assert.NotEmpty(t, st.LastError)
	assert.LessOrEqual(t, st.RetryDelay, 100*time.Millisecond)
	assert.True(t, st.Phase.Reconnecting(), "phase %s", st.Phase)
}

func TestTarget_StopIdempotentAndRestart(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
	tunnelAddr := strings.TrimPrefix(h.target.Status().TunnelURL, "http://")

	h.target.Stop()
	h.target.Stop()
	assert.Equal(t, PhaseDisconnected, h.target.Phase())

	st := h.target.Status()
	assert.Empty(t, st.SessionID)
	assert.Empty(t, st.TunnelURL)
	_, err := net.DialTimeout("tcp", tunnelAddr, time.Second)
	assert.Error(t, err, "tunnel still accepting after Stop")

	h.target.Start()
	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
}

func TestTarget_StopBeforeStart(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.target.Stop()
	assert.Equal(t, PhaseDisconnected, h.target.Phase())
	assert.Empty(t, h.mgr.Transitions(1))
}

func TestTarget_Execute(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.srv.HandleExec(func(cmd string) (string, uint32) { return "up 3 days\n", 0 })

	_, err := h.target.Execute(context.Background(), "uptime")
	assert.True(t, errors.Is(err, ErrNotLive))

	h.target.Start()
	waitPhase(t, h.target, PhaseLive)
	out, err := h.mgr.Execute(context.Background(), 1, "uptime")
	require.NoError(t, err)
	assert.Equal(t, "up 3 days\n", string(out))
}
