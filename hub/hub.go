package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/utils"
)

// Event types
const (
	EventPaymentReconciled         = "payment_reconciled"
	EventPaymentCancelled          = "payment_cancelled"
	EventPaymentCancelRemoteFailed = "payment_cancel_remote_failed"
)

const (
	writeWait = 5 * time.Second
	sendQueue = 16
)

type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type client struct {
	role string
	send chan []byte
}

// Hub fans payment events out to connected operator consoles. Each client
// has its own writer goroutine; a client whose queue is full is dropped.
type Hub struct {
	clients map[*websocket.Conn]*client
	mutex   sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, role string) {
	c := &client{role: role, send: make(chan []byte, sendQueue)}

	h.mutex.Lock()
	h.clients[conn] = c
	h.mutex.Unlock()

	go h.writePump(conn, c)
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(conn)
}

func (h *Hub) removeLocked(conn *websocket.Conn) {
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	close(c.send)
	conn.Close()
}

func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// BroadcastEvent queues one event for every client and returns without
// waiting on the network.
func (h *Hub) BroadcastEvent(event string, data interface{}) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		utils.ErrorLogger.WithError(err).WithField("event", event).Error("hub: marshal event")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for conn, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			utils.ErrorLogger.WithFields(logrus.Fields{
				"event": event,
				"role":  c.role,
			}).Warn("hub: client too slow, dropping")
			h.removeLocked(conn)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	for payload := range c.send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			utils.ErrorLogger.WithField("role", c.role).WithError(err).Warn("hub: dropping client")
			h.UnregisterClient(conn)
			return
		}
	}
}
