package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neur0map/deskmon/internal/credstore"
	"github.com/neur0map/deskmon/internal/eventstream"
	"github.com/neur0map/deskmon/internal/logutil"
	"github.com/neur0map/deskmon/internal/sshkeys"
	"github.com/neur0map/deskmon/internal/sshsession"
	"github.com/neur0map/deskmon/internal/sshtunnel"
)

// remoteServiceHost is where the collector listens on the remote host.
const remoteServiceHost = "127.0.0.1"

// enrollTimeout bounds the authorized_keys update during key enrollment.
const enrollTimeout = 10 * time.Second

var (
	// ErrNotLive is returned by Execute when the target has no session.
	ErrNotLive = errors.New("target has no live session")

	errNeedsCredentials = errors.New("no stored credential was accepted")
	errStreamEnded      = errors.New("event stream ended")
)

// TargetConfig identifies a remote host to monitor.
type TargetConfig struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	ServicePort int    `json:"service_port"`
}

// Default ports used when a TargetConfig leaves them zero.
const (
	DefaultSSHPort     = 22
	DefaultServicePort = 7654
)

func (c TargetConfig) normalized() TargetConfig {
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.ServicePort == 0 {
		c.ServicePort = DefaultServicePort
	}
	return c
}

// Options tunes every target of a Manager. Zero durations select defaults.
type Options struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	SnapshotTimeout   time.Duration
	ResyncInterval    time.Duration
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
	EnrollKeys        bool
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 8 * time.Second
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 30 * time.Second
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = 2 * time.Second
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 30 * time.Second
	}
	return o
}

// CredentialStore provides and records a target's secrets.
// *credstore.Store satisfies it.
type CredentialStore interface {
	Load(targetID uint) (credstore.Set, error)
	SaveKey(targetID uint, privateKeyPEM []byte, publicKey string) error
	SaveHostKey(targetID uint, fingerprint string) error
}

// Status is a point-in-time copy of a target's condition.
type Status struct {
	Target         TargetConfig      `json:"target"`
	Phase          Phase             `json:"phase"`
	State          State             `json:"state"`
	RetryDelay     time.Duration     `json:"retry_delay"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	ConnectedAt    time.Time         `json:"connected_at,omitempty"`
	EventsReceived int64             `json:"events_received"`
	SessionID      string            `json:"session_id,omitempty"`
	TunnelURL      string            `json:"tunnel_url,omitempty"`
	Decoder        eventstream.Stats `json:"decoder"`
}

// connectFunc matches sshsession.Connect; tests may substitute it.
type connectFunc func(ctx context.Context, host string, port int, username string, cred sshsession.Credential, opts sshsession.Options) (*sshsession.Session, error)

// Target runs the connection lifecycle of one remote host: connect, open the
// tunnel, fetch a snapshot, follow the event stream, and on any loss back off
// and start over. All state changes happen on a single run goroutine.
type Target struct {
	cfg     TargetConfig
	opts    Options
	store   CredentialStore
	tunnels *sshtunnel.Manager
	connect connectFunc

	// hooks into the owning Manager
	onTransition func(id uint, from, to Phase, reason string)
	emit         func(Event)

	lifeMu   sync.Mutex // serializes Start and Stop
	stopping atomic.Bool
	cancel   context.CancelFunc
	runDone  chan struct{}

	mu          sync.RWMutex
	phase       Phase
	state       State
	retryDelay  time.Duration
	attempts    int
	lastError   string
	connectedAt time.Time
	events      int64
	session     *sshsession.Session
	tunnelURL   string
	decoder     *eventstream.Decoder

	backoff *Backoff // run goroutine only
}

func newTarget(cfg TargetConfig, opts Options, store CredentialStore, tunnels *sshtunnel.Manager) *Target {
	opts = opts.withDefaults()
	return &Target{
		cfg:          cfg,
		opts:         opts,
		store:        store,
		tunnels:      tunnels,
		connect:      sshsession.Connect,
		onTransition: func(uint, Phase, Phase, string) {},
		emit:         func(Event) {},
		phase:        PhaseDisconnected,
		backoff:      NewBackoff(opts.BackoffFloor, opts.BackoffCeiling),
	}
}

// Config returns the target's identity.
func (t *Target) Config() TargetConfig { return t.cfg }

// Phase returns the current phase.
func (t *Target) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Status returns a copy of the target's condition.
func (t *Target) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Status{
		Target:         t.cfg,
		Phase:          t.phase,
		State:          t.state.Clone(),
		RetryDelay:     t.retryDelay,
		Attempts:       t.attempts,
		LastError:      t.lastError,
		ConnectedAt:    t.connectedAt,
		EventsReceived: t.events,
		TunnelURL:      t.tunnelURL,
	}
	if t.session != nil {
		st.SessionID = t.session.ID()
	}
	if t.decoder != nil {
		st.Decoder = t.decoder.Stats()
	}
	return st
}

// Start begins the lifecycle from connecting. It does nothing if the target is
// already running; after Stop or needs_credentials it starts a fresh cycle.
func (t *Target) Start() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.running() {
		return
	}
	t.stopping.Store(false)
	t.backoff.Reset()
	t.mu.Lock()
	t.attempts = 0
	t.retryDelay = 0
	t.lastError = ""
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.runDone = make(chan struct{})
	go t.run(ctx, t.runDone)
}

// Stop cancels any activity, waits for sessions and tunnels to be torn down
// and leaves the target disconnected. Safe to call repeatedly.
func (t *Target) Stop() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	t.stopping.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
	if t.runDone != nil {
		<-t.runDone
	}
	t.setPhase(PhaseDisconnected, "stopped")
}

func (t *Target) running() bool {
	if t.runDone == nil {
		return false
	}
	select {
	case <-t.runDone:
		return false
	default:
		return true
	}
}

// Execute runs command over the target's current session.
func (t *Target) Execute(ctx context.Context, command string) ([]byte, error) {
	t.mu.RLock()
	sess := t.session
	t.mu.RUnlock()
	if !sess.IsAlive() {
		return nil, ErrNotLive
	}
	return sess.Execute(ctx, command)
}

func (t *Target) setPhase(p Phase, reason string) {
	t.mu.Lock()
	from := t.phase
	if from == p {
		t.mu.Unlock()
		return
	}
	t.phase = p
	t.mu.Unlock()

	log.Printf("[monitor] %s: %s -> %s %s", t.cfg.Name, from, p, logutil.SanitizeForLog(reason))
	t.onTransition(t.cfg.ID, from, p, reason)
	t.emitEvent(Event{Type: EventPhaseChanged, Phase: p, Details: reason})
}

func (t *Target) emitEvent(ev Event) {
	ev.TargetID = t.cfg.ID
	ev.TargetName = t.cfg.Name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	t.emit(ev)
}

// run is the target's only goroutine that changes its phase while running.
func (t *Target) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if t.stopping.Load() || ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.retryDelay = 0
		t.mu.Unlock()
		t.setPhase(PhaseConnecting, "")

		err := t.cycle(ctx)
		if t.stopping.Load() || ctx.Err() != nil {
			return
		}

		if errors.Is(err, errNeedsCredentials) {
			t.recordFailure(err, 0)
			t.setPhase(PhaseNeedsCredentials, err.Error())
			t.emitEvent(Event{Type: EventNeedsCredentials, Phase: PhaseNeedsCredentials, Details: err.Error()})
			return
		}

		delay := t.backoff.Next()
		t.recordFailure(err, delay)
		t.setPhase(PhaseLostRetrying, errString(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Target) recordFailure(err error, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	t.retryDelay = delay
	t.lastError = errString(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// cycle runs one connection from connect to loss and returns why it ended.
// Everything it sets up is torn down before it returns: background tasks
// first, then tunnels, then the session.
func (t *Target) cycle(ctx context.Context) error {
	sess, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.session = sess
	t.connectedAt = time.Now()
	t.mu.Unlock()
	defer func() {
		t.tunnels.CloseAll(sess)
		sess.Close()
		t.mu.Lock()
		t.session = nil
		t.tunnelURL = ""
		t.decoder = nil
		t.connectedAt = time.Time{}
		t.mu.Unlock()
	}()

	t.setPhase(PhaseTunnelOpen, sess.Addr())
	baseURL, err := t.tunnels.OpenTunnel(sess, remoteServiceHost, t.cfg.ServicePort)
	if err != nil {
		return fmt.Errorf("open tunnel: %w", err)
	}
	t.mu.Lock()
	t.tunnelURL = baseURL
	t.mu.Unlock()

	client := NewStatsClient(baseURL)
	defer client.Close()

	t.setPhase(PhaseSyncing, baseURL)
	snapCtx, cancelSnap := context.WithTimeout(ctx, t.opts.SnapshotTimeout)
	snapshot, err := client.Snapshot(snapCtx)
	cancelSnap()
	if err != nil {
		return err
	}
	t.apply(eventstream.Event{Kind: eventstream.Snapshot, Payload: snapshot})
	t.setPhase(PhaseLive, "")

	liveCtx, cancelLive := context.WithCancel(ctx)
	events := make(chan eventstream.Event, 64)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	defer func() {
		cancelLive()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		t.consumeStream(liveCtx, client, events, errs)
	}()
	go func() {
		defer wg.Done()
		t.resyncLoop(liveCtx, client, baseURL, events, errs)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			t.drain(events)
			if err := sess.Err(); err != nil {
				return err
			}
			return sshsession.ErrSessionClosed
		case err := <-errs:
			// Producers queue their events before reporting an error, so
			// everything decoded up to the failure is already buffered.
			t.drain(events)
			return err
		case ev := <-events:
			t.apply(ev)
		}
	}
}

// drain applies the events still buffered in events, in order, without
// waiting for more.
func (t *Target) drain(events <-chan eventstream.Event) {
	for {
		select {
		case ev := <-events:
			t.apply(ev)
		default:
			return
		}
	}
}

// dial loads the stored credentials and connects, trying an enrolled key
// before the password. It returns errNeedsCredentials when every credential
// was rejected or none is stored.
func (t *Target) dial(ctx context.Context) (*sshsession.Session, error) {
	set, err := t.store.Load(t.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var creds []sshsession.Credential
	if set.HasKey() {
		creds = append(creds, sshsession.KeyCredential(set.PrivateKeyPEM))
	}
	if set.HasPassword() {
		creds = append(creds, sshsession.PasswordCredential(set.Password))
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: none stored", errNeedsCredentials)
	}

	var lastAuthErr error
	for i, cred := range creds {
		hostKeyCallback, recorder := sshkeys.MakeHostKeyCallback(set.HostKey)
		sess, err := t.connect(ctx, t.cfg.Host, t.cfg.Port, t.cfg.Username, cred, sshsession.Options{
			Timeout:           t.opts.ConnectTimeout,
			KeepaliveInterval: t.opts.KeepaliveInterval,
			HostKeyCallback:   hostKeyCallback,
		})
		if err != nil {
			if !sshsession.IsAuthError(err) {
				return nil, err
			}
			lastAuthErr = err
			if i+1 < len(creds) {
				log.Printf("[monitor] %s: %s auth rejected, trying %s", t.cfg.Name, cred.Kind(), creds[i+1].Kind())
				t.emitEvent(Event{Type: EventAuthFallback, Details: err.Error()})
			}
			continue
		}

		if fp := recorder.Fingerprint(); fp != "" && fp != set.HostKey {
			if err := t.store.SaveHostKey(t.cfg.ID, fp); err != nil {
				log.Printf("[monitor] %s: save host key: %v", t.cfg.Name, err)
			}
		}
		if cred.Kind() == "password" && t.opts.EnrollKeys {
			t.enrollKey(ctx, sess)
		}
		return sess, nil
	}
	return nil, fmt.Errorf("%w: %v", errNeedsCredentials, lastAuthErr)
}

// enrollKey installs a fresh key pair on the host so later connections do not
// need the password. Failures are logged and otherwise ignored.
func (t *Target) enrollKey(ctx context.Context, sess *sshsession.Session) {
	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		log.Printf("[monitor] %s: generate key: %v", t.cfg.Name, err)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, enrollTimeout)
	defer cancel()
	if out, err := sess.Execute(execCtx, sshkeys.AuthorizeKeyCommand(string(pub))); err != nil {
		log.Printf("[monitor] %s: install key failed: %v (%s)", t.cfg.Name, err, logutil.SanitizeForLog(string(out)))
		return
	}
	if err := t.store.SaveKey(t.cfg.ID, priv, string(pub)); err != nil {
		log.Printf("[monitor] %s: store key: %v", t.cfg.Name, err)
		return
	}

	fp, _ := sshkeys.GetPublicKeyFingerprint(pub)
	log.Printf("[monitor] %s: enrolled key %s", t.cfg.Name, fp)
	t.emitEvent(Event{Type: EventKeyEnrolled, Details: fp})
}

// consumeStream decodes /stats/stream and hands events to the run goroutine.
func (t *Target) consumeStream(ctx context.Context, client *StatsClient, events chan<- eventstream.Event, errs chan<- error) {
	body, err := client.Stream(ctx)
	if err != nil {
		errs <- err
		return
	}
	defer body.Close()

	dec := eventstream.NewDecoder(body)
	t.mu.Lock()
	t.decoder = dec
	t.mu.Unlock()

	for dec.Next() {
		select {
		case events <- dec.Event():
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := dec.Err(); err != nil {
		errs <- err
		return
	}
	errs <- errStreamEnded
}

// resyncLoop fetches a full snapshot every ResyncInterval regardless of stream
// health, so a stream that goes silent without closing still gets corrected.
// Each round first checks that the tunnel can still forward.
func (t *Target) resyncLoop(ctx context.Context, client *StatsClient, baseURL string, events chan<- eventstream.Event, errs chan<- error) {
	ticker := time.NewTicker(t.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := t.tunnels.CheckHealth(baseURL); err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}

		snapCtx, cancel := context.WithTimeout(ctx, t.opts.SnapshotTimeout)
		snapshot, err := client.Snapshot(snapCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				errs <- fmt.Errorf("resync: %w", err)
			}
			return
		}

		select {
		case events <- eventstream.Event{Kind: eventstream.Snapshot, Payload: snapshot}:
		case <-ctx.Done():
			return
		}
	}
}

// apply merges ev, resets the backoff and notifies listeners.
func (t *Target) apply(ev eventstream.Event) {
	t.mu.Lock()
	next, ok := t.state.Apply(ev)
	if ok {
		t.state = next
	}
	t.events++
	t.attempts = 0
	t.mu.Unlock()
	t.backoff.Reset()

	out := Event{Category: ev.Category, Payload: ev.Payload}
	switch ev.Kind {
	case eventstream.Snapshot:
		out.Type = EventSnapshot
	case eventstream.Delta:
		out.Type = EventDelta
	default:
		out.Type = EventKeepalive
	}
	t.emitEvent(out)
}
