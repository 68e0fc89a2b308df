package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/photobeam-sensor/internal/status"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// envelope is the wire format for websocket messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// eventData is the payload of an "event" message.
type eventData struct {
	Event     string `json:"event"`
	Index     uint8  `json:"index"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Reading   uint16 `json:"reading"`
	Threshold uint16 `json:"threshold"`
	Mask      uint32 `json:"mask"`
}

// HubConfig sizes the hub queues. Zero values pick defaults.
type HubConfig struct {
	SendBuf      int // per-client outbound queue
	BroadcastBuf int // hub inbound queue
}

// Hub tracks connected websocket clients and fans out broadcasts.
// Slow clients are disconnected when their send queue fills.
type Hub struct {
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}

	sendBuf int
}

// NewHub constructs a hub. Call Run to start it.
func NewHub(cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		broadcast: make(chan []byte, bcastBuf),
		// Unbuffered so a registered client sees every later broadcast.
		register:   make(chan *client),
		unregister: make(chan *client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects all
// clients. It must be called at most once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: client %s connected (%d clients)", c.remoteAddr, n)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// leave asks Run to drop c. It gives up once Run has returned.
func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		log.Printf("ws: client %s disconnected: %s (%d clients)", c.remoteAddr, reason, n)
	}
}

// Broadcast marshals a message and queues it for every client. It never
// blocks; when the hub queue is full the message is dropped.
func (h *Hub) Broadcast(kind string, ts time.Time, data interface{}) {
	msg, err := marshalEnvelope(kind, ts, data)
	if err != nil {
		log.Printf("ws: marshal %s: %v", kind, err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("ws: broadcast queue full, dropping %s", kind)
	}
}

func marshalEnvelope(kind string, ts time.Time, data interface{}) ([]byte, error) {
	env := envelope{Type: kind, Data: data}
	if !ts.IsZero() {
		utc := ts.UTC()
		env.Ts = &utc
	}
	return json.Marshal(env)
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	closeOnce  sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.send)
	})
}

// writePump writes queued messages and keepalive pings until send is closed
// or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logPumpExit("write", c.remoteAddr, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logPumpExit("ping", c.remoteAddr, err)
				return
			}
		}
	}
}

// readPump discards inbound messages so control frames are handled and
// disconnects are noticed.
func (c *client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			logPumpExit("read", c.remoteAddr, err)
			c.hub.leave(c)
			return
		}
	}
}

func logPumpExit(pump, addr string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	log.Printf("ws: %s pump for %s: %v", pump, addr, err)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection, registers the client and sends the
// current status as the first message.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, s.hub.sendBuf),
		remoteAddr: r.RemoteAddr,
	}

	snap := s.tracker.Snapshot()
	init, err := marshalEnvelope("status", snap.Now, json.RawMessage(status.FormatStatusEvent(snap, "", "")))
	if err != nil {
		log.Printf("ws: marshal initial status: %v", err)
		conn.Close()
		return
	}
	c.send <- init

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// The pumps outlive the handler; their lifetime is tied to the connection.
	go c.writePump()
	go c.readPump()
}
