package services

import (
	"context"

	"sketchroom/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented. This
package only needs to write snapshots, so it declares a one-method interface;
the HTTP snapshot client, the GORM repository adapter and test fakes all
satisfy it without knowing it exists.
*/

// SnapshotWriter defines what the snapshot service needs from storage
type SnapshotWriter interface {
	Save(ctx context.Context, roomID string, strokes []models.Stroke) error
}
