package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

// Session describes one relay connection to a room
type Session struct {
	ID          string    `json:"id"` // connection id, stamped on forwarded messages
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id,omitempty"` // as claimed in the query string, informational
	ConnectedAt time.Time `json:"connected_at"`
}

// NewSession creates a session. An empty connectionID gets a fresh KSUID.
// Learning: KSUIDs are time-ordered, so connection ids sort by join time in logs
func NewSession(roomID, connectionID, userID string) *Session {
	if connectionID == "" {
		connectionID = ksuid.New().String()
	}
	return &Session{
		ID:          connectionID,
		RoomID:      roomID,
		UserID:      userID,
		ConnectedAt: time.Now(),
	}
}

// NewControlMessage builds a presence notice stamped now
func NewControlMessage(t ControlType, connectionID string) ControlMessage {
	return ControlMessage{
		Type:         t,
		ConnectionID: connectionID,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// Encode serializes the control message
func (c ControlMessage) Encode() []byte {
	// Three string/int fields; Marshal cannot fail here
	data, _ := json.Marshal(c)
	return data
}
