// Package gateway carries the websocket surfaces: the agent endpoint
// that feeds the engine and log pipeline, and the subscriber hub that
// fans state out to dashboards.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Configure properly for production
	},
}

// Hub tracks dashboard subscriber connections and broadcasts engine
// output to all of them.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub creates an empty hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run owns the client set. It must run in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
			logutil.Debug().Msg("subscriber connected")

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			logutil.Debug().Msg("subscriber disconnected")

		case message := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					logutil.Warn().Err(err).Msg("subscriber write failed")
					delete(h.clients, conn)
					conn.Close()
				}
			}
		}
	}
}

// Emit broadcasts one named event to every subscriber. Best-effort; a
// payload that fails to marshal is dropped with a log line.
func (h *Hub) Emit(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		logutil.Error().Err(err).Str("event", event).Msg("broadcast marshal failed")
		return
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		logutil.Error().Err(err).Str("event", event).Msg("broadcast marshal failed")
		return
	}
	h.broadcast <- frame
}

// BroadcastStatus pushes the full state snapshot. Implements
// monitor.Broadcaster.
func (h *Hub) BroadcastStatus(snapshot []*models.ServerStatus) {
	h.Emit(eventUpdate, snapshot)
}

// SignalNotifications tells subscribers to re-fetch the notification
// feed. Implements notify.Signaler.
func (h *Hub) SignalNotifications() {
	h.Emit(eventNotifications, nil)
}

// HandleSubscriber upgrades a dashboard connection and keeps it in the
// hub until the peer goes away.
func (h *Hub) HandleSubscriber() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logutil.Warn().Err(err).Msg("subscriber upgrade failed")
			return
		}

		h.register <- conn
		defer func() {
			h.unregister <- conn
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logutil.Warn().Err(err).Msg("subscriber read failed")
				}
				break
			}
		}
	}
}
