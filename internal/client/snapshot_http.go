package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sketchroom/internal/models"
)

// HTTPSnapshotStore loads and saves room snapshots through the relay's
// REST API
type HTTPSnapshotStore struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPSnapshotStore creates a store for the API at baseURL
// (e.g. http://localhost:8080)
func NewHTTPSnapshotStore(baseURL string) *HTTPSnapshotStore {
	return &HTTPSnapshotStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSnapshotStore) snapshotURL(roomID string) string {
	return s.BaseURL + "/api/rooms/" + url.PathEscape(roomID) + "/snapshot"
}

// Load fetches the persisted strokes of a room
func (s *HTTPSnapshotStore) Load(ctx context.Context, roomID string) ([]models.Stroke, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.snapshotURL(roomID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("snapshot request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var snap models.SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return snap.Strokes, nil
}

// Save replaces the persisted strokes of a room
func (s *HTTPSnapshotStore) Save(ctx context.Context, roomID string, strokes []models.Stroke) error {
	if strokes == nil {
		strokes = []models.Stroke{}
	}
	reqBody, err := json.Marshal(models.SnapshotUpdate{Strokes: strokes})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, s.snapshotURL(roomID), bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("snapshot save failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
