package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lockerhq/lockerd/pkg/logger"
	"github.com/lockerhq/lockerd/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16 // 64 KiB

	defaultBufferSize = 64
)

// RetrievedHandler is invoked when a subscribed device reports that the
// object was physically removed from a locker.
type RetrievedHandler func(lockerID string)

// Hub coordinates per-locker channels between web observers and the physical
// actuator. A connection belongs to exactly one locker's set; messages are
// never persisted.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]map[*connection]struct{}
	onRetrieved   RetrievedHandler
	upgrader      websocket.Upgrader
	log           *zap.Logger
}

// NewHub constructs a locker channel hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[string]map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices on the local network and web clients behind any origin
			// may join; there is no cookie-based auth on this endpoint.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.WithModule("realtime"),
	}
}

// SetRetrievedHandler wires the callback for device retrieval notifications.
// Must be called during start-up before the hub serves connections.
func (h *Hub) SetRetrievedHandler(fn RetrievedHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRetrieved = fn
}

// Serve upgrades the HTTP connection to a WebSocket and registers it under
// the locker's channel.
func (h *Hub) Serve(lockerID string, w http.ResponseWriter, r *http.Request) {
	lockerID = strings.TrimSpace(lockerID)
	if lockerID == "" {
		http.Error(w, "locker id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("locker_id", lockerID), zap.Error(err))
		return
	}

	client := newConnection(h, conn, lockerID)
	h.subscribe(client)

	go client.writeLoop()
	client.readLoop()
}

// Broadcast delivers a message to every current subscriber of the locker,
// best-effort. A connection that cannot accept the message is evicted without
// affecting delivery to the others.
func (h *Hub) Broadcast(lockerID string, message Message) {
	if message.LockerID == "" {
		message.LockerID = lockerID
	}

	payload, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal broadcast", zap.String("locker_id", lockerID), zap.Error(err))
		return
	}

	h.broadcastRaw(lockerID, payload)
}

// SubscriberCount reports the number of live connections on a locker channel.
func (h *Hub) SubscriberCount(lockerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[lockerID])
}

func (h *Hub) broadcastRaw(lockerID string, payload []byte) {
	h.mu.RLock()
	clients := make([]*connection, 0, len(h.subscriptions[lockerID]))
	for client := range h.subscriptions[lockerID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.enqueue(client, payload)
	}
}

func (h *Hub) subscribe(client *connection) {
	h.mu.Lock()
	if h.subscriptions[client.lockerID] == nil {
		h.subscriptions[client.lockerID] = make(map[*connection]struct{})
	}
	h.subscriptions[client.lockerID][client] = struct{}{}
	h.mu.Unlock()

	metrics.ChannelSubscribers.Inc()

	confirmation, err := json.Marshal(NewEvent(client.lockerID, EventConnected, nil))
	if err == nil {
		h.enqueue(client, confirmation)
	}
}

// unsubscribe removes the connection and drops the locker entry when its set
// becomes empty. Safe to call more than once for the same connection.
func (h *Hub) unsubscribe(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.subscriptions[client.lockerID]
	if !ok {
		return
	}
	if _, member := clients[client]; !member {
		return
	}

	delete(clients, client)
	if len(clients) == 0 {
		delete(h.subscriptions, client.lockerID)
	}

	metrics.ChannelSubscribers.Dec()
}

// dispatch handles an inbound frame from any subscribed party. A recognised
// device retrieval event is intercepted and routed to the coordination layer;
// every other payload, malformed JSON included, is relayed verbatim to the
// locker's subscribers.
func (h *Hub) dispatch(client *connection, payload []byte) {
	var inbound struct {
		Event string `json:"event"`
	}

	if err := json.Unmarshal(payload, &inbound); err == nil && inbound.Event == EventObjectRetrieved {
		h.mu.RLock()
		handler := h.onRetrieved
		h.mu.RUnlock()

		if handler != nil {
			handler(client.lockerID)
			return
		}
		// No coordination layer wired yet: relay like any other payload
		// rather than dropping the fact on the floor.
		h.log.Warn("retrieval event with no handler", zap.String("locker_id", client.lockerID))
	}

	h.broadcastRaw(client.lockerID, payload)
}

// enqueue hands a payload to the connection's write loop. The send channel is
// never closed, so a broadcast racing a teardown lands in a buffer nobody
// drains instead of panicking; the done channel makes the drop explicit when
// the buffer is full.
func (h *Hub) enqueue(client *connection, payload []byte) {
	select {
	case <-client.done:
		return
	default:
	}

	select {
	case client.send <- payload:
		metrics.BroadcastDeliveries.WithLabelValues("sent").Inc()
	case <-client.done:
	default:
		metrics.BroadcastDeliveries.WithLabelValues("evicted").Inc()
		h.log.Warn("dropping backpressure connection", zap.String("locker_id", client.lockerID))
		client.close()
	}
}

type connection struct {
	hub      *Hub
	socket   *websocket.Conn
	lockerID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn, lockerID string) *connection {
	return &connection{
		hub:      hub,
		socket:   conn,
		lockerID: lockerID,
		send:     make(chan []byte, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("unexpected close",
					zap.String("locker_id", c.lockerID), zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		c.hub.dispatch(c, payload)
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once: unsubscribes, stops the write
// loop via the done channel, and closes the socket. Failed sends and explicit
// disconnects both end up here, so double invocation must stay a no-op.
func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unsubscribe(c)
		close(c.done)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}
