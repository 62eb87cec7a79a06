package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"sketchroom/internal/middleware"
	"sketchroom/internal/models"
	"sketchroom/internal/repository"
	"sketchroom/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxRoomIDLength = 128
	maxSnapshotBody = 16 << 20
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	snapshots SnapshotRepository              // Interface defined in this package!
	rooms     RoomDirectory                   // Live relay membership
	wsHandler *collaboration.WebSocketHandler // WebSocket for real-time collab
}

func NewHandler(
	snapshots SnapshotRepository, // Accept interface
	rooms RoomDirectory,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		snapshots: snapshots,
		rooms:     rooms,
		wsHandler: wsHandler,
	}
}

func roomID(r *http.Request) (string, error) {
	id := mux.Vars(r)["id"]
	if id == "" || len(id) > maxRoomIDLength {
		return "", fmt.Errorf("room id must be 1-%d characters", maxRoomIDLength)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Snapshot handlers

// GetSnapshot returns the persisted strokes of a room. A room that was never
// saved has an empty list, not a 404: a fresh room is a valid empty canvas.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := roomID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := models.SnapshotResponse{RoomID: id, Strokes: []models.Stroke{}}

	snap, err := h.snapshots.Get(r.Context(), id)
	switch {
	case errors.Is(err, repository.ErrSnapshotNotFound):
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	strokes, err := snap.DecodeStrokes()
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Strokes = strokes
	resp.UpdatedAt = &snap.UpdatedAt

	writeJSON(w, http.StatusOK, resp)
}

// PutSnapshot replaces the persisted strokes of a room
func (h *Handler) PutSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := roomID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var update models.SnapshotUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSnapshotBody)).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Only sealed strokes are durable
	for i := range update.Strokes {
		s := &update.Strokes[i]
		if !s.Completed {
			http.Error(w, fmt.Sprintf("stroke %s is not completed", s.ID), http.StatusBadRequest)
			return
		}
		if err := s.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	middleware.AddSpanEvent(r.Context(), "snapshot.put",
		attribute.String("room.id", id),
		attribute.Int("stroke.count", len(update.Strokes)),
	)

	snap, err := h.snapshots.Put(r.Context(), id, update.Strokes)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id":      id,
		"stroke_count": snap.StrokeCount,
	})
}

// DeleteSnapshot forgets a room's persisted strokes
func (h *Handler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := roomID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.snapshots.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RoomInfo is one live room in the list response
type RoomInfo struct {
	RoomID      string `json:"room_id"`
	Connections int    `json:"connections"`
}

// ListRooms lists rooms with at least one live connection
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := []RoomInfo{}
	if h.rooms != nil {
		for id, n := range h.rooms.Rooms() {
			rooms = append(rooms, RoomInfo{RoomID: id, Connections: n})
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
