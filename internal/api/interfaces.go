package api

import (
	"context"

	"sketchroom/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of storage and the relay, so the
interfaces live HERE.

The handler doesn't care whether snapshots sit in Postgres or SQLite - it
only cares about the methods it needs to call. Both repositories satisfy
SnapshotRepository without importing this package, and tests can hand in
whatever is convenient.
*/

// SnapshotRepository defines what handlers need from snapshot storage
type SnapshotRepository interface {
	Get(ctx context.Context, roomID string) (*models.RoomSnapshot, error)
	Put(ctx context.Context, roomID string, strokes []models.Stroke) (*models.RoomSnapshot, error)
	Delete(ctx context.Context, roomID string) error
}

// RoomDirectory reports live relay membership
type RoomDirectory interface {
	Rooms() map[string]int
}
