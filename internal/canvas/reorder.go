package canvas

import (
	"log"

	"sketchroom/internal/models"
)

// maxForgotten bounds how many removed stroke ids are remembered
const maxForgotten = 1024

// reorderBuffer parks stroke-update/stroke-complete operations that arrived
// before their stroke-start. It is bounded both per stroke and in the number
// of strokes; when the stroke limit is hit the oldest parked stroke is
// evicted. Strokes removed by undo or clear are remembered so their late
// updates are ignored instead of parked.
type reorderBuffer struct {
	perStroke  int
	maxStrokes int
	ops        map[string][]models.Operation
	order      []string // stroke ids, oldest first

	forgotten      map[string]bool
	forgottenOrder []string
}

func newReorderBuffer(perStroke, maxStrokes int) *reorderBuffer {
	return &reorderBuffer{
		perStroke:  perStroke,
		maxStrokes: maxStrokes,
		ops:        make(map[string][]models.Operation),
		forgotten:  make(map[string]bool),
	}
}

func (b *reorderBuffer) add(strokeID string, op models.Operation) {
	if b.forgotten[strokeID] {
		return
	}
	queued, known := b.ops[strokeID]
	if !known {
		if len(b.order) >= b.maxStrokes {
			oldest := b.order[0]
			b.order = b.order[1:]
			log.Printf("⚠️  canvas: reorder buffer full, dropping %d ops for stroke %s",
				len(b.ops[oldest]), oldest)
			delete(b.ops, oldest)
		}
		b.order = append(b.order, strokeID)
	}
	if len(queued) >= b.perStroke {
		return
	}
	b.ops[strokeID] = append(queued, op)
}

// take removes and returns the ops parked for strokeID, in arrival order
func (b *reorderBuffer) take(strokeID string) []models.Operation {
	queued, ok := b.ops[strokeID]
	if !ok {
		return nil
	}
	b.drop(strokeID)
	return queued
}

func (b *reorderBuffer) drop(strokeID string) {
	if _, ok := b.ops[strokeID]; !ok {
		return
	}
	delete(b.ops, strokeID)
	for i, id := range b.order {
		if id == strokeID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// forget drops anything parked for strokeID and refuses to park it again
func (b *reorderBuffer) forget(strokeID string) {
	b.drop(strokeID)
	if b.forgotten[strokeID] {
		return
	}
	if len(b.forgottenOrder) >= maxForgotten {
		delete(b.forgotten, b.forgottenOrder[0])
		b.forgottenOrder = b.forgottenOrder[1:]
	}
	b.forgotten[strokeID] = true
	b.forgottenOrder = append(b.forgottenOrder, strokeID)
}

func (b *reorderBuffer) reset() {
	b.ops = make(map[string][]models.Operation)
	b.order = nil
}

func (b *reorderBuffer) size() int {
	n := 0
	for _, queued := range b.ops {
		n += len(queued)
	}
	return n
}
