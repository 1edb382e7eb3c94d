package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panopticon/panopticon/server/internal/hub"
	"github.com/panopticon/panopticon/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; restrict at the reverse proxy if needed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients on every publish.
type Message struct {
	Event string     `json:"event"`
	Data  FrameEvent `json:"data"`
}

// FrameEvent describes a broadcast frame without its image bytes. Clients
// fetch the image from /frame.jpg or watch /mjpeg.
type FrameEvent struct {
	Version   uint64    `json:"version"`
	Camera    int       `json:"camera"`
	Bytes     int       `json:"bytes"`
	URL       string    `json:"url,omitempty"`
	ETag      string    `json:"etag,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Stream pushes a frame event to every connected WebSocket client each time
// the hub publishes. Each connection owns one hub subscription.
type Stream struct {
	hub   *hub.Hub
	store *store.Store

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Stream fed by h. Record details are looked up in st.
func New(h *hub.Hub, st *store.Store) *Stream {
	return &Stream{
		hub:     h,
		store:   st,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (s *Stream) Run(ctx context.Context) {
	<-ctx.Done()
	s.closeAll()
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// The current frame, if any, is sent immediately. Blocks until the
// connection closes.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	sub := s.hub.Subscribe()
	s.register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sub.Close()
		s.unregister(c)
	}()

	go c.writePump()
	go s.feed(ctx, c, sub)
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (s *Stream) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// --- internal ---------------------------------------------------------------

func (s *Stream) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Stream) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

// feed forwards every frame the subscription yields to the client.
func (s *Stream) feed(ctx context.Context, c *client, sub *hub.Subscription) {
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			return
		}
		data, err := json.Marshal(Message{Event: "frame", Data: s.event(f)})
		if err != nil {
			slog.Error("ws: marshal frame event", "version", f.Version, "err", err)
			continue
		}
		if !s.deliver(c, data) {
			slog.Warn("ws: client too slow, disconnecting", "subscription", sub.ID())
			s.unregister(c)
			return
		}
	}
}

// deliver queues data for c. It reports false when c is gone or its buffer
// is full. Holding the read lock keeps unregister from closing c.send
// underneath the send.
func (s *Stream) deliver(c *client, data []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (s *Stream) event(f hub.Frame) FrameEvent {
	ev := FrameEvent{
		Version: f.Version,
		Camera:  f.SourceID,
		Bytes:   len(f.Data),
		SentAt:  time.Now().UTC(),
	}
	if rec, ok := s.store.Get(f.SourceID); ok {
		ev.URL = rec.URL
		ev.ETag = rec.ETag
		ev.ExpiresAt = rec.ExpiresAt
	}
	return ev
}

func (s *Stream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (shutdown or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
