// Package events fans pipeline and scheduler activity out to websocket
// subscribers. Clients join rooms: one room per run ID for a single
// run's stage transitions, the shared "runs" feed carrying every run,
// and the "scheduler" feed carrying request lifecycle events.
package events

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"forgeflow/internal/logging"
	"forgeflow/internal/metrics"
	"forgeflow/internal/pipeline"
	"forgeflow/internal/scheduler"
)

// Well-known rooms. Run-specific rooms use the run ID as the room name.
const (
	RoomRuns      = "runs"
	RoomScheduler = "scheduler"
)

// Envelope types sent to subscribers.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeRunProgress  = "run_progress"
	TypeScheduler    = "scheduler_event"
	TypeError        = "error"
)

// broadcastBuffer bounds the hub's inbound event queue. Publishing to a
// full queue drops the event rather than blocking the producer.
const broadcastBuffer = 256

// Envelope is the wire format for every message the hub sends.
type Envelope struct {
	Type      string    `json:"type"`
	Room      string    `json:"room,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Hub owns all websocket clients and their room subscriptions. Room
// membership is guarded by mu; lifecycle transitions flow through the
// register, unregister and broadcast channels into the Run loop.
type Hub struct {
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool

	broadcast  chan Envelope
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}

	upgrader websocket.Upgrader
	log      *zap.Logger
	mu       sync.RWMutex
	stopOnce sync.Once
}

// NewHub builds a hub. Browser connections must present an Origin from
// allowedOrigins ("*" allows any); requests without an Origin header,
// such as server-side clients, are always accepted.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Envelope, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		log:        logging.Named("events"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				allowed = strings.TrimSpace(allowed)
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run drives the hub until Shutdown is called. Call it from its own
// goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case env := <-h.broadcast:
			h.dispatch(env)
		}
	}
}

// Shutdown stops the Run loop and disconnects every client. Safe to
// call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

// Publish queues an envelope for delivery to one room. A zero timestamp
// is stamped with the current time. Events are dropped, not blocked on,
// when the queue is full or the hub is stopped.
func (h *Hub) Publish(env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- env:
	default:
		h.log.Warn("event dropped, broadcast queue full",
			zap.String("type", env.Type), zap.String("room", env.Room))
	}
}

// ProgressFunc returns a pipeline progress callback that publishes every
// stage transition of the given run to the run's own room and to the
// shared runs feed.
func (h *Hub) ProgressFunc(runID string) pipeline.ProgressFunc {
	return func(st pipeline.Stage) {
		now := time.Now()
		h.Publish(Envelope{Type: TypeRunProgress, Room: runID, RunID: runID, Timestamp: now, Data: st})
		h.Publish(Envelope{Type: TypeRunProgress, Room: RoomRuns, RunID: runID, Timestamp: now, Data: st})
	}
}

// SchedulerListener returns a listener that forwards request lifecycle
// events to the scheduler feed. Pass it to Scheduler.OnEvent.
func (h *Hub) SchedulerListener() scheduler.EventListener {
	return func(evt scheduler.Event) {
		h.Publish(Envelope{Type: TypeScheduler, Room: RoomScheduler, Timestamp: evt.Timestamp, Data: evt})
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActiveRooms lists rooms that currently have at least one subscriber,
// sorted by name.
func (h *Hub) ActiveRooms() []string {
	h.mu.RLock()
	rooms := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// HandleWebSocket upgrades the request and attaches the client to the
// hub. Initial subscriptions come from the comma-separated rooms query
// parameter, defaulting to the shared runs feed.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	rooms := make(map[string]bool)
	for _, room := range strings.Split(c.DefaultQuery("rooms", RoomRuns), ",") {
		if room = strings.TrimSpace(room); room != "" {
			rooms[room] = true
		}
	}

	client := &Client{
		id:    uuid.New().String(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		rooms: rooms,
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	h.clients[c] = true
	joined := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		h.joinLocked(c, room)
		joined = append(joined, room)
	}
	total := len(h.clients)
	h.mu.Unlock()

	sort.Strings(joined)
	metrics.Get().WebSocketConnections.Inc()
	h.log.Info("event client connected",
		zap.String("client_id", c.id), zap.Strings("rooms", joined), zap.Int("total", total))

	c.enqueue(Envelope{Type: TypeConnected, Timestamp: time.Now(),
		Data: map[string]any{"client_id": c.id, "rooms": joined}})
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Get().WebSocketConnections.Dec()
	h.log.Info("event client disconnected",
		zap.String("client_id", c.id), zap.Int("total", total))
}

// dispatch fans one envelope out to the room's subscribers. A client
// whose send buffer is full is disconnected rather than allowed to
// stall the rest of the room.
func (h *Hub) dispatch(env Envelope) {
	if env.Room == "" {
		h.log.Warn("event without a room dropped", zap.String("type", env.Type))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("event marshal failed", zap.String("type", env.Type), zap.Error(err))
		return
	}
	metrics.Get().RecordWebSocketEvent(env.Type)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[env.Room] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("slow event client dropped", zap.String("client_id", client.id))
			registered := h.clients[client]
			h.removeLocked(client)
			if registered {
				metrics.Get().WebSocketConnections.Dec()
			}
		}
	}
}

// subscribe adds the client to a room and acknowledges. Called from the
// client's read pump.
func (h *Hub) subscribe(c *Client, room string) {
	if room == "" {
		c.enqueue(Envelope{Type: TypeError, Timestamp: time.Now(), Data: "room is required"})
		return
	}
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	h.joinLocked(c, room)
	h.mu.Unlock()
	c.enqueue(Envelope{Type: TypeSubscribed, Room: room, Timestamp: time.Now()})
}

// unsubscribe removes the client from a room and acknowledges.
func (h *Hub) unsubscribe(c *Client, room string) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	delete(c.rooms, room)
	h.leaveLocked(c, room)
	h.mu.Unlock()
	c.enqueue(Envelope{Type: TypeUnsubscribed, Room: room, Timestamp: time.Now()})
}

// joinLocked adds the client to a room's member set. Caller holds mu.
func (h *Hub) joinLocked(c *Client, room string) {
	c.rooms[room] = true
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
}

// leaveLocked drops the client from one room, deleting the room when it
// empties. Caller holds mu.
func (h *Hub) leaveLocked(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// removeLocked fully detaches a client: membership, registration and
// send channel. Caller holds mu.
func (h *Hub) removeLocked(c *Client) {
	c.closed = true
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)
}

// closeAll tears down every client during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		client.closed = true
		close(client.send)
		metrics.Get().WebSocketConnections.Dec()
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
	h.mu.Unlock()
	h.log.Info("event hub shut down")
}
