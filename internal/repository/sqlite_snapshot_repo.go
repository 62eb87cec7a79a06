package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"

	"sketchroom/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id      TEXT PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	strokes      TEXT NOT NULL DEFAULT '[]',
	stroke_count INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`

// SQLiteSnapshotRepository stores room snapshots in an embedded SQLite file.
// Same semantics as SnapshotRepositoryImpl, for single-node relays.
type SQLiteSnapshotRepository struct {
	db *sql.DB
}

// OpenSQLiteSnapshotRepository opens (or creates) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLiteSnapshotRepository(path string) (*SQLiteSnapshotRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// pointing at one database
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise sqlite (%s): %w", stmt, err)
		}
	}

	return &SQLiteSnapshotRepository{db: db}, nil
}

// Get retrieves the snapshot of a room
func (r *SQLiteSnapshotRepository) Get(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	var snap models.RoomSnapshot
	var created, updated int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, room_id, strokes, stroke_count, created_at, updated_at
		   FROM room_snapshots WHERE room_id = ?`, roomID).
		Scan(&snap.ID, &snap.RoomID, &snap.Strokes, &snap.StrokeCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	snap.CreatedAt = time.UnixMilli(created)
	snap.UpdatedAt = time.UnixMilli(updated)
	return &snap, nil
}

// Put replaces the snapshot of a room with strokes
func (r *SQLiteSnapshotRepository) Put(ctx context.Context, roomID string, strokes []models.Stroke) (*models.RoomSnapshot, error) {
	now := time.Now()
	snap := &models.RoomSnapshot{
		ID:        ksuid.New().String(),
		RoomID:    roomID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := snap.SetStrokes(strokes); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, id, strokes, stroke_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			strokes      = excluded.strokes,
			stroke_count = excluded.stroke_count,
			updated_at   = excluded.updated_at`,
		snap.RoomID, snap.ID, snap.Strokes, snap.StrokeCount, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	return snap, nil
}

// Delete removes the snapshot of a room
func (r *SQLiteSnapshotRepository) Delete(ctx context.Context, roomID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE room_id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// Close closes the database
func (r *SQLiteSnapshotRepository) Close() error {
	return r.db.Close()
}
