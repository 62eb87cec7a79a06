package models

import "time"

// User identifies a participant. The local participant's User is the
// "current user" and is never stored as a collaborator.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor
}

// Cursor is a collaborator's pointer position on the canvas
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Collaborator is a remote participant as seen by the local replica
// Learning: This is ephemeral presence state, it is never persisted
type Collaborator struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	IsDrawing bool      `json:"is_drawing"`
}

// Clone copies the collaborator including its cursor
func (c Collaborator) Clone() Collaborator {
	if c.Cursor != nil {
		cur := *c.Cursor
		c.Cursor = &cur
	}
	return c
}
