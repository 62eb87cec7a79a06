package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sketchroom/internal/models"
)

func openTestRepo(t *testing.T) *SQLiteSnapshotRepository {
	t.Helper()
	repo, err := OpenSQLiteSnapshotRepository(filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteSnapshot_GetMissing(t *testing.T) {
	repo := openTestRepo(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("got %v, want ErrSnapshotNotFound", err)
	}
}

func TestSQLiteSnapshot_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	first := []models.Stroke{{
		ID: "s1", Color: "#000", Size: 2, Tool: models.ToolBrush, OwnerID: "u1", Completed: true,
		Points: []models.Point{{X: 1, Y: 2, Pressure: 1, Timestamp: 3}, {X: 4, Y: 5, Pressure: 0.5, Timestamp: 6}},
	}}
	if _, err := repo.Put(ctx, "room", first); err != nil {
		t.Fatal(err)
	}
	snap, err := repo.Get(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	got, err := snap.DecodeStrokes()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0].Points) != 2 || got[0].Points[1].Pressure != 0.5 {
		t.Fatalf("decoded %+v", got)
	}
	firstID := snap.ID

	if _, err := repo.Put(ctx, "room", nil); err != nil {
		t.Fatal(err)
	}
	snap, err = repo.Get(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	if snap.StrokeCount != 0 || snap.Strokes != "[]" {
		t.Fatalf("overwrite: count=%d strokes=%s", snap.StrokeCount, snap.Strokes)
	}
	if snap.ID != firstID {
		t.Fatalf("row id changed on upsert: %s -> %s", firstID, snap.ID)
	}
}

func TestSQLiteSnapshot_Delete(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	if err := repo.Delete(ctx, "room"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
	if _, err := repo.Put(ctx, "room", []models.Stroke{}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "room"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, "room"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}
