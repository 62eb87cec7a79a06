package api

import (
	"sketchroom/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Snapshot endpoints
	api.HandleFunc("/rooms/{id}/snapshot", h.GetSnapshot).Methods("GET")
	api.HandleFunc("/rooms/{id}/snapshot", h.PutSnapshot).Methods("PUT")
	api.HandleFunc("/rooms/{id}/snapshot", h.DeleteSnapshot).Methods("DELETE")

	// Live rooms
	api.HandleFunc("/rooms", h.ListRooms).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	if h.wsHandler != nil {
		r.HandleFunc("/ws/rooms/{id}", h.HandleRoomWebSocket)
	}

	return r
}
