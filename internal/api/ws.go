package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tasksearch/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin once the deployment has a fixed frontend host
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// HandleUpdatesWebSocket streams record and job lifecycle events. The store
// remains the source of truth: clients that miss events fall back to
// polling the status endpoints.
func (h *Handler) HandleUpdatesWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "event stream not enabled", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return
	}

	sub := h.hub.Subscribe()
	log.Printf("✓ WebSocket subscriber %s connected", sub.ID)

	// Separate read and write goroutines prevent a slow peer from
	// deadlocking the connection.
	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// writePump pushes events to the peer and keeps the connection alive with
// pings. Exits when the subscriber channel closes.
func (h *Handler) writePump(conn *websocket.Conn, sub *events.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice the peer going away and to answer pings.
func (h *Handler) readPump(conn *websocket.Conn, sub *events.Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket subscriber %s error: %v", sub.ID, err)
			}
			return
		}
	}
}
