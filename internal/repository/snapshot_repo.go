package repository

import (
	"context"
	"errors"
	"fmt"

	"sketchroom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: SNAPSHOT PERSISTENCE

A room's durable state is a single row: the full list of completed strokes.
There is no history table and no incremental append; every save replaces the
row (upsert on room_id).

Query patterns:
- Get:    initial load when a client (re)connects
- Put:    after stroke-complete, clear-canvas or undo-stroke
- Delete: explicit room reset from the admin API
*/

// ErrSnapshotNotFound is returned when a room has never been saved
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepositoryImpl stores room snapshots in Postgres using GORM
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
// Returns concrete type - "Accept interfaces, return structs"
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Get retrieves the snapshot of a room
func (r *SnapshotRepositoryImpl) Get(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	var snap models.RoomSnapshot

	err := r.db.WithContext(ctx).First(&snap, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snap, nil
}

// Put replaces the snapshot of a room with strokes
func (r *SnapshotRepositoryImpl) Put(ctx context.Context, roomID string, strokes []models.Stroke) (*models.RoomSnapshot, error) {
	snap := &models.RoomSnapshot{RoomID: roomID}
	if err := snap.SetStrokes(strokes); err != nil {
		return nil, err
	}

	// Upsert keyed by room: the row's KSUID is only generated on first insert
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"strokes", "stroke_count", "updated_at"}),
		}).
		Create(snap).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	return snap, nil
}

// Delete removes the snapshot of a room
func (r *SnapshotRepositoryImpl) Delete(ctx context.Context, roomID string) error {
	result := r.db.WithContext(ctx).Delete(&models.RoomSnapshot{}, "room_id = ?", roomID)

	if result.Error != nil {
		return fmt.Errorf("failed to delete snapshot: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrSnapshotNotFound
	}

	return nil
}
