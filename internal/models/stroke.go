package models

import (
	"fmt"
	"regexp"
	"time"
)

/*
LEARNING: STROKES ARE APPEND-ONLY

A stroke is one continuous drawn path. It is created by a stroke-start
operation, grows point by point through stroke-update operations while the
owner is still dragging, and is sealed by stroke-complete.

  open   → points may only be appended (never edited or reordered)
  sealed → immutable; only undo-stroke or clear-canvas can remove it

Keeping strokes append-only is what lets two replicas that saw the same
updates in the same order end up with identical point lists.
*/

// Tool is the drawing tool a stroke was made with
type Tool string

const (
	ToolBrush  Tool = "brush"
	ToolEraser Tool = "eraser"
)

// Valid reports whether t is a known tool
func (t Tool) Valid() bool {
	return t == ToolBrush || t == ToolEraser
}

// DefaultPressure is used when the input device reports no pressure
const DefaultPressure = 1.0

// Point is a single sampled input position. Points are values and are never
// modified after creation.
type Point struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Pressure  float64 `json:"pressure"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// NewPoint creates a point at (x, y) with full pressure, stamped now
func NewPoint(x, y float64) Point {
	return Point{
		X:         x,
		Y:         y,
		Pressure:  DefaultPressure,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Normalize clamps pressure into [0, 1]. A zero pressure means "not reported"
// and becomes DefaultPressure.
func (p Point) Normalize() Point {
	switch {
	case p.Pressure == 0:
		p.Pressure = DefaultPressure
	case p.Pressure < 0:
		p.Pressure = 0
	case p.Pressure > 1:
		p.Pressure = 1
	}
	return p
}

// Stroke is one continuous drawn path
type Stroke struct {
	ID        string  `json:"id"`
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	Size      float64 `json:"size"`
	Tool      Tool    `json:"tool"`
	OwnerID   string  `json:"ownerId"`
	Completed bool    `json:"completed"`
}

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Validate checks the stroke's metadata. A stroke with fewer than two points
// is still valid, it just never renders a segment.
func (s *Stroke) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stroke id is required")
	}
	if s.Size <= 0 {
		return fmt.Errorf("stroke %s: size must be positive, got %v", s.ID, s.Size)
	}
	if !s.Tool.Valid() {
		return fmt.Errorf("stroke %s: unknown tool %q", s.ID, s.Tool)
	}
	if !hexColor.MatchString(s.Color) {
		return fmt.Errorf("stroke %s: color %q is not a hex color", s.ID, s.Color)
	}
	return nil
}

// Visible reports whether the stroke has at least one line segment
func (s *Stroke) Visible() bool {
	return len(s.Points) >= 2
}

// Clone returns a deep copy so callers can't alias the point slice
func (s Stroke) Clone() Stroke {
	pts := make([]Point, len(s.Points))
	copy(pts, s.Points)
	s.Points = pts
	return s
}
