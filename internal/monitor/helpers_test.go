package monitor

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/neur0map/deskmon/internal/credstore"
	"github.com/neur0map/deskmon/internal/sshtest"
)

// memStore is an in-memory CredentialStore.
type memStore struct {
	mu   sync.Mutex
	sets map[uint]credstore.Set
}

func newMemStore() *memStore {
	return &memStore{sets: make(map[uint]credstore.Set)}
}

func (s *memStore) Load(id uint) (credstore.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[id], nil
}

func (s *memStore) SaveKey(id uint, priv []byte, pub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[id]
	set.PrivateKeyPEM = priv
	set.PublicKey = pub
	s.sets[id] = set
	return nil
}

func (s *memStore) SaveHostKey(id uint, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[id]
	set.HostKey = fp
	s.sets[id] = set
	return nil
}

func (s *memStore) setPassword(id uint, pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[id]
	set.Password = pw
	s.sets[id] = set
}

func (s *memStore) get(id uint) credstore.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[id]
}

// collector imitates the remote stats service.
type collector struct {
	*httptest.Server

	mu        sync.Mutex
	snapshot  string
	failStats bool
	burst     string
	streams   int
	events    chan string
	endAll    chan struct{}
}

func newCollector(t *testing.T, snapshot string) *collector {
	t.Helper()
	c := &collector{
		snapshot: snapshot,
		events:   make(chan string, 16),
		endAll:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		body, fail := c.snapshot, c.failStats
		c.mu.Unlock()
		if fail {
			http.Error(w, "collector starting", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/stats/stream", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.streams++
		end := c.endAll
		burst := c.burst
		c.burst = ""
		c.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		if burst != "" {
			fmt.Fprint(w, burst)
			flusher.Flush()
			return
		}
		fmt.Fprint(w, ": hello\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-end:
				return
			case ev := <-c.events:
				fmt.Fprint(w, ev)
				flusher.Flush()
			}
		}
	})
	c.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		c.endStreams()
		c.Server.CloseClientConnections()
		c.Server.Close()
	})
	return c
}

func (c *collector) port() int {
	p, _ := strconv.Atoi(c.URL[strings.LastIndex(c.URL, ":")+1:])
	return p
}

func (c *collector) setSnapshot(s string) {
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

// setFailing makes /stats answer 503 while on.
func (c *collector) setFailing(on bool) {
	c.mu.Lock()
	c.failStats = on
	c.mu.Unlock()
}

// queueBurst makes the next stream write body in one go and end.
func (c *collector) queueBurst(body string) {
	c.mu.Lock()
	c.burst = body
	c.mu.Unlock()
}

func (c *collector) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

// endStreams makes every open stream return; later streams get a new signal.
func (c *collector) endStreams() {
	c.mu.Lock()
	close(c.endAll)
	c.endAll = make(chan struct{})
	c.mu.Unlock()
}

func (c *collector) send(event, data string) {
	c.events <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

var authorizeCmd = regexp.MustCompile(`echo '([A-Za-z0-9+/=]+)' \| base64 -d`)

// enrollingExec makes the SSH server honour the authorized_keys command.
func enrollingExec(srv *sshtest.Server) sshtest.ExecHandler {
	return func(cmd string) (string, uint32) {
		m := authorizeCmd.FindStringSubmatch(cmd)
		if m == nil {
			return "ok\n", 0
		}
		line, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return "bad base64\n", 1
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return "bad key\n", 1
		}
		srv.Authorize(key)
		return "", 0
	}
}

// recorder collects listener events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) has(typ EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func fastOptions() Options {
	return Options{
		ConnectTimeout:    2 * time.Second,
		KeepaliveInterval: time.Second,
		SnapshotTimeout:   2 * time.Second,
		ResyncInterval:    time.Hour,
		BackoffFloor:      20 * time.Millisecond,
		BackoffCeiling:    100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func waitPhase(t *testing.T, tgt *Target, want Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tgt.Phase() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s (last error %q)", tgt.Phase(), want, tgt.Status().LastError)
}
