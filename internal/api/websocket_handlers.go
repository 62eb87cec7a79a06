package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleRoomWebSocket attaches a client to the room relay
func (h *Handler) HandleRoomWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleRoomConnection(w, r)
}
