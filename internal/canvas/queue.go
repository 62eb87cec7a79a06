package canvas

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sketchroom/internal/models"
)

/*
LEARNING: OPTIMISTIC OPERATION QUEUE

By the time an operation reaches this queue it has ALREADY been applied to
the local canvas, so the user sees their stroke immediately. The queue only
drives the outbound send:

  Enqueue(op) → record{confirmed=false}
  Next(ctx)   → sender goroutine picks the oldest record
  MarkSent(id)→ record leaves the queue

Records are never replayed into the canvas. Delivery is at-most-once: a
record that is marked sent while the transport is down is simply gone.
*/

// DefaultQueueLimit bounds the records held while the sender is stalled
const DefaultQueueLimit = 4096

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueLimit caps the number of unsent records; when full the oldest
// record is discarded
func WithQueueLimit(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

// Queue holds locally generated operations, in creation order, until the
// transport reports them sent
type Queue struct {
	mu      sync.Mutex
	records []models.OptimisticRecord
	limit   int
	dropped int
	ready   chan struct{} // signalled when records become available
}

// NewQueue creates an empty queue
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		limit: DefaultQueueLimit,
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records op and returns the record id
func (q *Queue) Enqueue(op models.Operation) string {
	rec := models.OptimisticRecord{
		ID:        uuid.NewString(),
		Operation: op,
		Timestamp: time.Now(),
	}

	q.mu.Lock()
	if len(q.records) >= q.limit {
		log.Printf("⚠️  queue full (%d), discarding unsent %s", q.limit, q.records[0].Operation.Kind())
		q.records = q.records[1:]
		q.dropped++
	}
	q.records = append(q.records, rec)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return rec.ID
}

// MarkSent confirms a record and removes it. Unknown ids are ignored.
func (q *Queue) MarkSent(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.records {
		if q.records[i].ID == id {
			q.records[i].Confirmed = true
			q.records = append(q.records[:i], q.records[i+1:]...)
			return
		}
	}
}

// Next blocks until an unsent record exists and returns the oldest one
// without removing it
func (q *Queue) Next(ctx context.Context) (models.OptimisticRecord, error) {
	for {
		q.mu.Lock()
		if len(q.records) > 0 {
			rec := q.records[0]
			q.mu.Unlock()
			return rec, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.OptimisticRecord{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Pending returns a copy of the unsent records, oldest first
func (q *Queue) Pending() []models.OptimisticRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.OptimisticRecord, len(q.records))
	copy(out, q.records)
	return out
}

// Len returns the number of unsent records
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Dropped returns how many records were discarded because the queue was full
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
