// Package events broadcasts broker activity to websocket observers. Events
// carry request metadata only; credential values never appear in payloads.
package events

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
)

// Entry is a structured event for JSON serialization.
type Entry struct {
	Time       string          `json:"time"`
	Event      string          `json:"event"`
	InstanceID string          `json:"instance_id,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ringBuffer maintains a fixed-size window of recent events.
type ringBuffer struct {
	events []Entry
	head   int
	count  int
	mutex  sync.RWMutex
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 1024
	}
	return &ringBuffer{events: make([]Entry, size)}
}

func (rb *ringBuffer) add(event Entry) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % len(rb.events)
	if rb.count < len(rb.events) {
		rb.count++
	}
}

// tail returns up to the last n events in chronological order. n <= 0
// returns the full window.
func (rb *ringBuffer) tail(n int) []Entry {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([]Entry, n)
	start := (rb.head - n + len(rb.events)) % len(rb.events)
	for i := 0; i < n; i++ {
		out[i] = rb.events[(start+i)%len(rb.events)]
	}
	return out
}

const (
	writeDeadline = 5 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
)

var upgrader = gws.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id      string
	conn    *gws.Conn
	send    chan []byte
	hub     *Hub
	closed  chan struct{}
	closeMu sync.Mutex
}

// Hub manages websocket observer connections and event broadcast.
type Hub struct {
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
	buffer     *ringBuffer
	instanceID string
	seq        uint64
}

// NewHub creates a hub retaining bufferSize recent events for replay.
func NewHub(bufferSize int) *Hub {
	return &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		buffer:     newRingBuffer(bufferSize),
		instanceID: uuid.NewString(),
	}
}

// Run processes registrations and broadcasts until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mutex.Unlock()
			log.Printf("events: client connected, total %d", total)

		case c := <-h.unregister:
			h.removeClient(c.id)

		case message := <-h.broadcast:
			for _, c := range h.snapshotClients() {
				select {
				case c.send <- message:
				default:
					log.Printf("events: dropping message for client %s (send buffer full)", c.id)
				}
			}
		}
	}
}

func (h *Hub) snapshotClients() []*client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) removeClient(id string) {
	h.mutex.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mutex.Unlock()

	if ok && c != nil {
		c.close()
	}
	log.Printf("events: client disconnected, total %d", total)
}

// EmitJSON publishes a structured event with the provided payload.
func (h *Hub) EmitJSON(event string, payload any) {
	if h == nil || strings.TrimSpace(event) == "" {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("events: marshal payload for %s: %v", event, err)
			return
		}
		raw = data
	}

	entry := Entry{
		Time:       time.Now().Format(time.RFC3339),
		Event:      event,
		InstanceID: h.instanceID,
		Seq:        atomic.AddUint64(&h.seq, 1),
		Payload:    raw,
	}
	h.buffer.add(entry)

	if data, err := json.Marshal(entry); err == nil {
		select {
		case h.broadcast <- data:
		default:
			// Channel full, drop the message.
		}
	}
}

// ClientCount reports the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Recent returns the newest events from the ring buffer; limit <= 0 returns
// the full window.
func (h *Hub) Recent(limit int) []Entry {
	if h == nil {
		return nil
	}
	return h.buffer.tail(limit)
}

// HandleWebSocket upgrades the request and replays buffered history as an
// NDJSON bulk message before streaming live events.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: websocket upgrade failed: %v", err)
		return
	}

	var bulk strings.Builder
	for _, entry := range h.buffer.tail(0) {
		if data, err := json.Marshal(entry); err == nil {
			bulk.Write(data)
			bulk.WriteByte('\n')
		}
	}
	if err := conn.WriteMessage(gws.TextMessage, []byte(bulk.String())); err != nil {
		log.Printf("events: bulk send failed: %v", err)
		conn.Close()
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h,
		closed: make(chan struct{}),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseAbnormalClosure) {
				log.Printf("events: read error (client %s): %v", c.id, err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(gws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gws.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *client) close() {
	c.closeMu.Lock()
	select {
	case <-c.closed:
		// already closed
	default:
		close(c.closed)
		close(c.send)
		_ = c.conn.Close()
	}
	c.closeMu.Unlock()
}
