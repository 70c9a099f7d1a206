package api

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const writeWait = 2 * time.Second

// Message is what websocket subscribers receive after every run.
type Message struct {
	Type      string             `json:"type"`
	RunID     string             `json:"runId"`
	At        time.Time          `json:"at"`
	Densities map[string]float64 `json:"densities"`
}

func newMessage(r *iface.Report) Message {
	return Message{Type: "densities", RunID: r.RunID, At: r.FinishedAt, Densities: r.Densities}
}

// sendQueue is how many undelivered messages a client may lag behind
// before it is dropped.
const sendQueue = 8

type client struct {
	conn *websocket.Conn
	send chan []byte
	// bye asks the writer to send a close frame once send is closed.
	bye bool
}

// Hub fans density updates out to connected websocket clients. Each client
// has its own queue and writer goroutine, so Broadcast never waits on the
// network and a stalled client only loses its own updates.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendQueue)}
	h.mu.Lock()
	h.clients[conn] = c
	n := len(h.clients)
	h.mu.Unlock()
	go h.writeLoop(c)
	logger.Log().Info("websocket client connected", zap.Int("clients", n))
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	if h.remove(conn) {
		logger.Log().Info("websocket client disconnected", zap.Int("clients", h.Count()))
	}
}

// remove closes the client's queue; its writer then closes the conn.
func (h *Hub) remove(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[conn]
	if !ok {
		return false
	}
	delete(h.clients, conn)
	close(c.send)
	return true
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Log().Warn("dropping websocket client", zap.Error(err))
			h.remove(c.conn)
			for range c.send {
			}
			return
		}
	}
	if c.bye {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every client without blocking. Clients whose
// queue is full are dropped.
func (h *Hub) Broadcast(msg []byte) {
	var slow []*websocket.Conn
	h.mu.Lock()
	for conn, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range slow {
		logger.Log().Warn("dropping slow websocket client", zap.String("remote", conn.RemoteAddr().String()))
		h.remove(conn)
	}
}

// Persist makes the hub a report sink.
func (h *Hub) Persist(_ context.Context, report *iface.Report) error {
	msg, err := json.Marshal(newMessage(report))
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		c.bye = true
		close(c.send)
		delete(h.clients, conn)
	}
}
