package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: ROOM SNAPSHOTS

The durable state of a room is just its list of completed strokes:

  key   = room id
  value = ordered JSON array of completed strokes

In-progress strokes and cursors are never persisted. A client that
(re)connects loads the snapshot to seed its canvas, then follows live
operations from the relay. Saves always write the full list, never a delta.
*/

// RoomSnapshot is the persisted stroke list of one room
type RoomSnapshot struct {
	ID          string    `gorm:"type:char(27);uniqueIndex" json:"-"`
	RoomID      string    `gorm:"type:varchar(128);primaryKey" json:"room_id"`
	Strokes     string    `gorm:"type:jsonb;not null;default:'[]'" json:"-"`
	StrokeCount int       `gorm:"not null;default:0" json:"stroke_count"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// BeforeCreate hook generates KSUID before inserting
func (s *RoomSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

// SetStrokes encodes strokes into the row
func (s *RoomSnapshot) SetStrokes(strokes []Stroke) error {
	if strokes == nil {
		strokes = []Stroke{}
	}
	data, err := json.Marshal(strokes)
	if err != nil {
		return fmt.Errorf("failed to encode strokes: %w", err)
	}
	s.Strokes = string(data)
	s.StrokeCount = len(strokes)
	return nil
}

// DecodeStrokes decodes the stored stroke list
func (s *RoomSnapshot) DecodeStrokes() ([]Stroke, error) {
	return DecodeStrokeList([]byte(s.Strokes))
}

// DecodeStrokeList parses a JSON stroke array; empty input is an empty list
func DecodeStrokeList(data []byte) ([]Stroke, error) {
	strokes := []Stroke{}
	if len(data) == 0 {
		return strokes, nil
	}
	if err := json.Unmarshal(data, &strokes); err != nil {
		return nil, fmt.Errorf("failed to decode strokes: %w", err)
	}
	return strokes, nil
}

// CompletedOnly filters strokes down to what may be persisted
func CompletedOnly(strokes []Stroke) []Stroke {
	out := make([]Stroke, 0, len(strokes))
	for _, s := range strokes {
		if s.Completed {
			out = append(out, s)
		}
	}
	return out
}

// Persistable keeps the strokes a snapshot accepts: completed ones with
// valid metadata. One peer's bad stroke must not block a room's saves.
func Persistable(strokes []Stroke) []Stroke {
	out := make([]Stroke, 0, len(strokes))
	for _, s := range strokes {
		if s.Completed && s.Validate() == nil {
			out = append(out, s)
		}
	}
	return out
}

// SnapshotResponse is the REST representation of a room snapshot
type SnapshotResponse struct {
	RoomID    string     `json:"room_id"`
	Strokes   []Stroke   `json:"strokes"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// SnapshotUpdate is the body of PUT /api/rooms/{id}/snapshot
type SnapshotUpdate struct {
	Strokes []Stroke `json:"strokes"`
}
