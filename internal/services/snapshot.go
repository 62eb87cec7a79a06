package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sketchroom/internal/models"
)

/*
LEARNING: SNAPSHOT SAVE WORKER POOL

Saving the room snapshot is I/O, but the canvas state machine must never
wait on I/O. So commits hand the completed-stroke list to this pool and
return immediately.

Key Concepts:
1. **Bounded queue**: Submit never blocks; a full queue drops the save
   (the next commit carries the full list anyway)
2. **Latest wins**: each room has a sequence number; a worker skips a job
   if a newer one for the same room was submitted
3. **Per-room lock**: two workers never write the same room concurrently,
   so an older list can't land after a newer one
4. **Retry with backoff**: transient store failures are retried a few times
*/

// SaveJob is one snapshot write
type SaveJob struct {
	RoomID  string
	Strokes []models.Stroke
	seq     uint64
}

// SnapshotService persists room snapshots asynchronously
type SnapshotService struct {
	store   SnapshotWriter
	retries int
	backoff time.Duration

	jobs    chan SaveJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	latest map[string]uint64
	locks  map[string]*sync.Mutex
	seq    uint64

	statsMu sync.Mutex
	saved   int
	failed  int
	dropped int
}

// NewSnapshotService creates the worker pool; call Start to run it
func NewSnapshotService(store SnapshotWriter, numWorkers, queueSize, retries int) *SnapshotService {
	ctx, cancel := context.WithCancel(context.Background())

	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	return &SnapshotService{
		store:   store,
		retries: retries,
		backoff: 200 * time.Millisecond,
		jobs:    make(chan SaveJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
		latest:  make(map[string]uint64),
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetBackoff changes the base delay between retries
func (s *SnapshotService) SetBackoff(d time.Duration) {
	s.backoff = d
}

// Start spawns the workers
func (s *SnapshotService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Printf("✓ Snapshot saver started with %d workers", s.workers)
}

func (s *SnapshotService) worker(id int) {
	defer s.wg.Done()

	for job := range s.jobs {
		if err := s.process(job); err != nil {
			log.Printf("⚠️  Snapshot worker %d: %v", id, err)
		}
	}
}

// Submit queues a save. It never blocks; returns false if the save was
// dropped (queue full or service stopped).
func (s *SnapshotService) Submit(roomID string, strokes []models.Stroke) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.seq++
	job := SaveJob{RoomID: roomID, Strokes: strokes, seq: s.seq}
	select {
	case s.jobs <- job:
		s.latest[roomID] = job.seq
		return true
	default:
		s.count(&s.dropped)
		log.Printf("⚠️  Snapshot queue full, dropping save for room %s", roomID)
		return false
	}
}

func (s *SnapshotService) process(job SaveJob) error {
	lock := s.roomLock(job.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if s.stale(job) {
		return nil
	}

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff * time.Duration(1<<(attempt-1))):
			case <-s.ctx.Done():
				s.count(&s.failed)
				return fmt.Errorf("save for room %s abandoned: %w", job.RoomID, s.ctx.Err())
			}
			if s.stale(job) {
				return nil
			}
		}

		if err = s.store.Save(s.ctx, job.RoomID, job.Strokes); err == nil {
			s.count(&s.saved)
			return nil
		}
	}

	s.count(&s.failed)
	return fmt.Errorf("failed to save snapshot for room %s after %d attempts: %w", job.RoomID, s.retries+1, err)
}

// stale reports whether a newer save for the same room has been submitted
func (s *SnapshotService) stale(job SaveJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[job.RoomID] > job.seq
}

func (s *SnapshotService) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[roomID] = l
	}
	return l
}

func (s *SnapshotService) count(field *int) {
	s.statsMu.Lock()
	*field++
	s.statsMu.Unlock()
}

// SnapshotStats counts outcomes since start
type SnapshotStats struct {
	Saved   int `json:"saved"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
	Queued  int `json:"queued"`
}

// Stats returns save counters
func (s *SnapshotService) Stats() SnapshotStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return SnapshotStats{Saved: s.saved, Failed: s.failed, Dropped: s.dropped, Queued: len(s.jobs)}
}

// Shutdown stops accepting saves, lets queued ones finish, then returns.
// Retries still waiting on backoff are abandoned after timeout.
func (s *SnapshotService) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.cancel()
		<-done
	}
	s.cancel()

	log.Println("✓ Snapshot saver shutdown complete")
}
