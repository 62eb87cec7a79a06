package collaboration

import (
	"log"
	"net/http"

	"sketchroom/internal/middleware"
	"sketchroom/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Rooms are unauthenticated; any origin may join
		return true
	},
}

// WebSocketHandler attaches websocket connections to a relay
type WebSocketHandler struct {
	relay *Relay
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(relay *Relay) *WebSocketHandler {
	return &WebSocketHandler{relay: relay}
}

// HandleRoomConnection upgrades a request for /ws/rooms/{id}.
// Optional query params: connection_id (otherwise generated) and user_id.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := mux.Vars(r)["id"]
	if roomID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	session := models.NewSession(roomID, query.Get("connection_id"), query.Get("user_id"))

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("room.id", roomID),
		attribute.String("connection.id", session.ID),
		attribute.String("user.id", session.UserID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := newConnection(h.relay, session, conn)
	if err := h.relay.join(c); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go c.WritePump()
	go c.ReadPump()

	log.Printf("✓ WebSocket connection established for room %s (connection: %s)", roomID, session.ID)
}
