package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/neur0map/deskmon/internal/monitor"
)

const (
	clientBufferSize = 64
	writeTimeout     = 10 * time.Second
)

// StreamMessage is what websocket clients receive for every monitor event.
type StreamMessage struct {
	TargetID   uint              `json:"target_id"`
	TargetName string            `json:"target_name"`
	Kind       monitor.EventType `json:"kind"`
	Phase      monitor.Phase     `json:"phase,omitempty"`
	Category   string            `json:"category,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Details    string            `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type hubClient struct {
	target uint // 0 means all targets
	send   chan StreamMessage
	drops  atomic.Int64
}

// Hub fans monitor events out to websocket clients. Publish never blocks: a
// client that cannot keep up loses messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Publish delivers ev to every interested client. It is a monitor.Listener.
func (h *Hub) Publish(ev monitor.Event) {
	msg := StreamMessage{
		TargetID:   ev.TargetID,
		TargetName: ev.TargetName,
		Kind:       ev.Type,
		Phase:      ev.Phase,
		Category:   ev.Category,
		Payload:    ev.Payload,
		Details:    ev.Details,
		Timestamp:  ev.Timestamp,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.target != 0 && c.target != ev.TargetID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			c.drops.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(target uint) *hubClient {
	c := &hubClient{target: target, send: make(chan StreamMessage, clientBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// stream upgrades to a websocket and relays events until the client leaves.
// An optional ?target=<id> restricts the feed to one target.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	var target uint
	if q := r.URL.Query().Get("target"); q != "" {
		id, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid target ID")
			return
		}
		if _, ok := s.mgr.Get(uint(id)); !ok {
			writeError(w, http.StatusNotFound, "Target not found")
			return
		}
		target = uint(id)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	client := s.hub.subscribe(target)
	defer s.hub.unsubscribe(client)

	// Clients never send anything; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	// Start every client off with the current state of what it watches.
	for _, st := range s.mgr.List() {
		if target != 0 && st.Target.ID != target {
			continue
		}
		if err := writeMessage(ctx, conn, snapshotMessage(st)); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-client.send:
			if err := writeMessage(ctx, conn, msg); err != nil {
				if n := client.drops.Load(); n > 0 {
					log.Printf("[api] stream client dropped %d messages", n)
				}
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func snapshotMessage(st monitor.Status) StreamMessage {
	payload, _ := json.Marshal(st.State)
	return StreamMessage{
		TargetID:   st.Target.ID,
		TargetName: st.Target.Name,
		Kind:       monitor.EventSnapshot,
		Phase:      st.Phase,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
}
