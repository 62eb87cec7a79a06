// Package canvas holds the local replica of a room: the stroke list, the
// collaborator set, and the queue of locally generated operations waiting
// for the transport.
package canvas

import (
	"log"
	"sort"
	"sync"
	"time"

	"sketchroom/internal/models"
)

/*
LEARNING: ONE TRANSITION FUNCTION FOR LOCAL AND REMOTE OPERATIONS

Apply is the only way canvas state changes, and it does not know (or care)
whether an operation came from this user's mouse or from the relay:

  local input  → Apply(op) → Queue.Enqueue(op) → relay → peers → Apply(op)

If optimistic local application and remote replay used different code paths,
replicas could diverge. Apply is also tolerant: operations that
target a stroke or user that doesn't exist are silent no-ops, because the
relay makes no ordering promise across senders.
*/

// UnknownCursorColor is given to collaborators materialized by a cursor-move
// that arrived before their user-join
const UnknownCursorColor = "#888888"

// Option configures a State
type Option func(*State)

// WithClock overrides time.Now, used for LastSeen bookkeeping
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithReorderBuffer holds updates/completions for strokes that haven't
// started yet and replays them when the stroke-start arrives. perStroke
// bounds the pending operations kept per stroke id and maxStrokes the number
// of distinct stroke ids. Without this option such operations are dropped.
func WithReorderBuffer(perStroke, maxStrokes int) Option {
	return func(s *State) {
		if perStroke > 0 && maxStrokes > 0 {
			s.pending = newReorderBuffer(perStroke, maxStrokes)
		}
	}
}

// State is the local replica of one room's canvas. It exclusively owns the
// stroke list and collaborator map.
type State struct {
	self models.User

	mu            sync.RWMutex
	strokes       []*models.Stroke          // creation order
	index         map[string]*models.Stroke // stroke id -> stroke
	collaborators map[string]*models.Collaborator

	pending *reorderBuffer
	now     func() time.Time
}

// New creates an empty canvas for the local user self
func New(self models.User, opts ...Option) *State {
	s := &State{
		self:          self,
		index:         make(map[string]*models.Stroke),
		collaborators: make(map[string]*models.Collaborator),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns the local user
func (s *State) Self() models.User {
	return s.self
}

// Apply folds one operation into the canvas and reports whether anything
// changed. It never fails and never blocks on I/O.
func (s *State) Apply(op models.Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(op)
}

// apply runs with mu held and reports whether state changed
func (s *State) apply(op models.Operation) bool {
	switch o := op.(type) {
	case models.StrokeStart:
		if _, exists := s.index[o.StrokeID]; exists {
			return false // duplicate delivery
		}
		stroke := o.NewStroke()
		s.strokes = append(s.strokes, &stroke)
		s.index[o.StrokeID] = &stroke
		if c := s.touch(o.OwnerID); c != nil {
			c.IsDrawing = true
		}
		if s.pending != nil {
			for _, queued := range s.pending.take(o.StrokeID) {
				s.apply(queued)
			}
		}
		return true

	case models.StrokeUpdate:
		stroke, ok := s.index[o.StrokeID]
		if !ok {
			s.park(o.StrokeID, o)
			return false
		}
		if stroke.Completed {
			return false
		}
		stroke.Points = append(stroke.Points, o.Point)
		if c, ok := s.collaborators[stroke.OwnerID]; ok {
			c.LastSeen = s.now()
		}
		return true

	case models.StrokeComplete:
		stroke, ok := s.index[o.StrokeID]
		if !ok {
			s.park(o.StrokeID, o)
			return false
		}
		if stroke.Completed {
			return false
		}
		stroke.Completed = true
		if c, ok := s.collaborators[stroke.OwnerID]; ok {
			c.IsDrawing = false
		}
		return true

	case models.CursorMove:
		c := s.touch(o.UserID)
		if c == nil {
			return false // our own cursor
		}
		c.Cursor = &models.Cursor{X: o.X, Y: o.Y}
		return true

	case models.CursorLeave:
		c, ok := s.collaborators[o.UserID]
		if !ok {
			return false
		}
		c.Cursor = nil
		return true

	case models.UserJoin:
		if o.User.ID == s.self.ID {
			return false
		}
		s.collaborators[o.User.ID] = &models.Collaborator{
			ID:       o.User.ID,
			Name:     o.User.Name,
			Color:    o.User.Color,
			LastSeen: s.now(),
		}
		return true

	case models.UserLeave:
		if _, ok := s.collaborators[o.UserID]; !ok {
			return false
		}
		delete(s.collaborators, o.UserID)
		return true

	case models.ClearCanvas:
		// No authorization: any participant may clear everyone's canvas
		if s.pending != nil {
			s.pending.reset()
			for _, stroke := range s.strokes {
				s.pending.forget(stroke.ID)
			}
		}
		if len(s.strokes) == 0 {
			return false
		}
		s.strokes = nil
		s.index = make(map[string]*models.Stroke)
		return true

	case models.UndoStroke:
		// No ownership check: the issuer need not be the stroke owner
		if s.pending != nil {
			s.pending.forget(o.StrokeID)
		}
		if _, ok := s.index[o.StrokeID]; !ok {
			return false
		}
		delete(s.index, o.StrokeID)
		for i, stroke := range s.strokes {
			if stroke.ID == o.StrokeID {
				s.strokes = append(s.strokes[:i], s.strokes[i+1:]...)
				break
			}
		}
		return true

	default:
		log.Printf("⚠️  canvas: ignoring unsupported operation %T", op)
		return false
	}
}

// park holds an operation whose stroke hasn't started yet, if buffering
// is enabled
func (s *State) park(strokeID string, op models.Operation) {
	if s.pending != nil {
		s.pending.add(strokeID, op)
	}
}

// touch returns the collaborator for id, creating it if unknown, and bumps
// LastSeen. Returns nil for the local user or an empty id.
func (s *State) touch(id string) *models.Collaborator {
	if id == "" || id == s.self.ID {
		return nil
	}
	c, ok := s.collaborators[id]
	if !ok {
		c = &models.Collaborator{ID: id, Color: UnknownCursorColor}
		s.collaborators[id] = c
	}
	c.LastSeen = s.now()
	return c
}

// Seed loads persisted strokes into the canvas. Only completed strokes are
// taken and strokes already present are left untouched.
func (s *State) Seed(strokes []models.Stroke) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, st := range strokes {
		if !st.Completed || st.ID == "" {
			continue
		}
		if _, exists := s.index[st.ID]; exists {
			continue
		}
		stroke := st.Clone()
		s.strokes = append(s.strokes, &stroke)
		s.index[stroke.ID] = &stroke
		added++
	}
	return added
}

// Strokes returns a copy of every stroke in creation order
func (s *State) Strokes() []models.Stroke {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Stroke, 0, len(s.strokes))
	for _, st := range s.strokes {
		out = append(out, st.Clone())
	}
	return out
}

// CompletedStrokes returns the strokes eligible for the persisted snapshot
func (s *State) CompletedStrokes() []models.Stroke {
	return models.CompletedOnly(s.Strokes())
}

// Stroke looks up one stroke by id
func (s *State) Stroke(id string) (models.Stroke, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.index[id]
	if !ok {
		return models.Stroke{}, false
	}
	return st.Clone(), true
}

// Collaborators returns every known remote participant, sorted by id
func (s *State) Collaborators() []models.Collaborator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Collaborator, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingCount reports how many operations wait in the reorder buffer
func (s *State) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pending == nil {
		return 0
	}
	return s.pending.size()
}

// DropCollaborators forgets every remote participant
func (s *State) DropCollaborators() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collaborators = make(map[string]*models.Collaborator)
}

// PruneIdle removes collaborators not heard from within threshold and
// returns their ids. Clients call this periodically since a killed peer
// never sends user-leave.
func (s *State) PruneIdle(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-threshold)
	var removed []string
	for id, c := range s.collaborators {
		if c.LastSeen.Before(cutoff) {
			delete(s.collaborators, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
