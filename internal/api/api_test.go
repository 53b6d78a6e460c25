package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neur0map/deskmon/internal/config"
	"github.com/neur0map/deskmon/internal/credstore"
	"github.com/neur0map/deskmon/internal/monitor"
	"github.com/neur0map/deskmon/internal/sshtest"
)

// fakeCreds is both the monitor's credential source and the API's writer.
type fakeCreds struct {
	mu        sync.Mutex
	passwords map[uint]string
	forgotten []uint
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{passwords: make(map[uint]string)}
}

func (f *fakeCreds) Load(id uint) (credstore.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return credstore.Set{Password: f.passwords[id]}, nil
}

func (f *fakeCreds) SaveKey(uint, []byte, string) error { return nil }
func (f *fakeCreds) SaveHostKey(uint, string) error     { return nil }

func (f *fakeCreds) SavePassword(id uint, pw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[id] = pw
	return nil
}

func (f *fakeCreds) ForgetKey(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
	return nil
}

func testOptions() monitor.Options {
	return monitor.Options{
		ConnectTimeout:    2 * time.Second,
		KeepaliveInterval: time.Second,
		SnapshotTimeout:   2 * time.Second,
		ResyncInterval:    time.Hour,
		BackoffFloor:      20 * time.Millisecond,
		BackoffCeiling:    100 * time.Millisecond,
	}
}

type fixture struct {
	mgr   *monitor.Manager
	creds *fakeCreds
	api   *Server
	http  *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{creds: newFakeCreds()}
	f.mgr = monitor.NewManager(f.creds, testOptions())
	f.api = NewServer(f.mgr, f.creds, token)
	f.http = httptest.NewServer(f.api.Router())
	t.Cleanup(func() {
		f.http.Close()
		f.mgr.Shutdown()
	})
	return f
}

func (f *fixture) addIdle(t *testing.T, id uint, name string) *monitor.Target {
	t.Helper()
	tgt, err := f.mgr.Add(monitor.TargetConfig{ID: id, Name: name, Host: "127.0.0.1", Port: 1, Username: "mon"})
	require.NoError(t, err)
	return tgt
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func waitPhase(t *testing.T, tgt *monitor.Target, want monitor.Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tgt.Phase() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", tgt.Phase(), want)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "secret")
	f.addIdle(t, 1, "a")

	resp, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "health must not require a token")

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Contains(t, got, "status")
	assert.Equal(t, map[string]interface{}{"disconnected": float64(1)}, got["targets"])
}

func TestListTargets(t *testing.T) {
	f := newFixture(t, "")
	f.addIdle(t, 2, "b")
	f.addIdle(t, 1, "a")

	resp, body := f.do(t, http.MethodGet, "/api/v1/targets", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []monitor.Status
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Target.Name)
	assert.Equal(t, monitor.PhaseDisconnected, got[1].Phase)
}

func TestGetTarget_Errors(t *testing.T) {
	f := newFixture(t, "")

	resp, _ := f.do(t, http.MethodGet, "/api/v1/targets/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/targets/42", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"Target not found"}`, string(body))
}

func TestGetTarget_Detail(t *testing.T) {
	f := newFixture(t, "")
	f.addIdle(t, 1, "a")

	resp, body := f.do(t, http.MethodGet, "/api/v1/targets/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Phase   string        `json:"phase"`
		Tunnels []interface{} `json:"tunnels"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "disconnected", got.Phase)
	assert.NotNil(t, got.Tunnels)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, "")
	tgt := f.addIdle(t, 1, "a")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/targets/1/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// No credentials stored: the target gives up straight away.
	waitPhase(t, tgt, monitor.PhaseNeedsCredentials)

	resp, body := f.do(t, http.MethodPost, "/api/v1/targets/1/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st monitor.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, monitor.PhaseDisconnected, st.Phase)

	resp, body = f.do(t, http.MethodGet, "/api/v1/targets/1/transitions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr struct {
		Transitions []monitor.StateTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(body, &tr))
	require.NotEmpty(t, tr.Transitions)
	assert.Equal(t, monitor.PhaseConnecting, tr.Transitions[0].To)
	assert.Equal(t, monitor.PhaseDisconnected, tr.Transitions[len(tr.Transitions)-1].To)

	resp, body = f.do(t, http.MethodGet, "/api/v1/targets/1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"needs_credentials"`)
}

func TestUpdateCredentials(t *testing.T) {
	f := newFixture(t, "")
	tgt := f.addIdle(t, 1, "a")

	resp, _ := f.do(t, http.MethodPut, "/api/v1/targets/1/credentials", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/v1/targets/1/credentials", `{"password":"pw","forget_key":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.creds.mu.Lock()
	assert.Equal(t, "pw", f.creds.passwords[1])
	assert.Equal(t, []uint{1}, f.creds.forgotten)
	f.creds.mu.Unlock()

	// Restarted with a password: port 1 refuses, so it retries rather than
	// asking for credentials.
	waitPhase(t, tgt, monitor.PhaseLostRetrying)
}

func TestExec_NotLive(t *testing.T) {
	f := newFixture(t, "")
	f.addIdle(t, 1, "a")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/targets/1/exec", `{"command":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/targets/1/exec", `{"command":"uptime"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExec_Live(t *testing.T) {
	srv := sshtest.NewServer(t)
	srv.SetPassword("mon", "pw")
	srv.HandleExec(func(cmd string) (string, uint32) {
		if cmd == "false" {
			return "", 1
		}
		return "hello\n", 0
	})

	col := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats":
			fmt.Fprint(w, `{"cpu":1}`)
		case "/stats/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(func() {
		col.CloseClientConnections()
		col.Close()
	})
	colPort, _ := strconv.Atoi(col.URL[strings.LastIndex(col.URL, ":")+1:])

	f := newFixture(t, "")
	f.creds.SavePassword(1, "pw")
	tgt, err := f.mgr.Add(monitor.TargetConfig{ID: 1, Name: "nas", Host: srv.Host, Port: srv.Port, Username: "mon", ServicePort: colPort})
	require.NoError(t, err)
	tgt.Start()
	waitPhase(t, tgt, monitor.PhaseLive)

	resp, body := f.do(t, http.MethodPost, "/api/v1/targets/1/exec", `{"command":"uptime"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"output":"hello\n","exit_status":0}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/targets/1/exec", `{"command":"false"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"output":"","exit_status":1}`, string(body))
}

func TestRequireToken(t *testing.T) {
	f := newFixture(t, "secret")

	resp, _ := f.do(t, http.MethodGet, "/api/v1/targets", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/targets", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/targets", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/targets?token=secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerLogs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskmon.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))
	prev := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = prev })

	f := newFixture(t, "")
	resp, body := f.do(t, http.MethodGet, "/api/v1/logs?lines=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Contains(t, got["logs"], "three")
	assert.NotContains(t, got["logs"], "one")
}

func TestStream(t *testing.T) {
	f := newFixture(t, "")
	f.addIdle(t, 1, "a")
	f.addIdle(t, 2, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/stream?target=1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, uint(1), first.TargetID)
	assert.Equal(t, monitor.EventSnapshot, first.Kind)

	require.Eventually(t, func() bool { return f.api.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.api.Hub().Publish(monitor.Event{TargetID: 2, Type: monitor.EventDelta, Category: "cpu", Payload: json.RawMessage(`{"cpu":2}`)})
	f.api.Hub().Publish(monitor.Event{TargetID: 1, Type: monitor.EventDelta, Category: "cpu", Payload: json.RawMessage(`{"cpu":1}`)})

	var msg StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, uint(1), msg.TargetID, "events for other targets must be filtered")
	assert.Equal(t, monitor.EventDelta, msg.Kind)
	assert.JSONEq(t, `{"cpu":1}`, string(msg.Payload))

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return f.api.Hub().Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_UnknownTarget(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodGet, "/api/v1/stream?target=9", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	h := NewHub()
	c := h.subscribe(0)
	defer h.unsubscribe(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBufferSize*3; i++ {
			h.Publish(monitor.Event{TargetID: 1, Type: monitor.EventKeepalive})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full client")
	}
	assert.Equal(t, int64(clientBufferSize*2), c.drops.Load())
}
