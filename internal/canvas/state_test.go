package canvas

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"sketchroom/internal/models"
)

var me = models.User{ID: "me", Name: "Me", Color: "#123456"}

func start(id, owner string, x, y float64) models.StrokeStart {
	return models.StrokeStart{
		StrokeID: id,
		Point:    models.Point{X: x, Y: y, Pressure: 1, Timestamp: 1},
		Color:    "#000000",
		Size:     3,
		Tool:     models.ToolBrush,
		OwnerID:  owner,
	}
}

func update(id string, x, y float64) models.StrokeUpdate {
	return models.StrokeUpdate{StrokeID: id, Point: models.Point{X: x, Y: y, Pressure: 1, Timestamp: 2}}
}

func TestScenarioA_StartUpdateComplete(t *testing.T) {
	s := New(me)
	s.Apply(start("s1", "u1", 0, 0))
	s.Apply(update("s1", 5, 5))
	s.Apply(models.StrokeComplete{StrokeID: "s1"})

	strokes := s.Strokes()
	if len(strokes) != 1 {
		t.Fatalf("got %d strokes, want 1", len(strokes))
	}
	st := strokes[0]
	if st.ID != "s1" || len(st.Points) != 2 || !st.Completed {
		t.Fatalf("unexpected stroke %+v", st)
	}
	if st.Points[1].X != 5 || st.Points[1].Y != 5 {
		t.Fatalf("second point = %+v", st.Points[1])
	}
}

func TestScenarioB_DuplicateStart(t *testing.T) {
	first := start("s1", "u1", 0, 0)
	second := start("s1", "u2", 9, 9)

	for _, order := range [][]models.StrokeStart{{first, second}, {second, first}} {
		s := New(me)
		s.Apply(order[0])
		if s.Apply(order[1]) {
			t.Fatal("second stroke-start reported a change")
		}
		strokes := s.Strokes()
		if len(strokes) != 1 {
			t.Fatalf("got %d strokes, want 1", len(strokes))
		}
		if strokes[0].OwnerID != order[0].OwnerID {
			t.Fatalf("duplicate overwrote stroke: owner %q", strokes[0].OwnerID)
		}
	}
}

func TestScenarioC_UpdateForUnknownStroke(t *testing.T) {
	s := New(me)
	s.Apply(start("s1", "u1", 0, 0))
	before := s.Strokes()

	if s.Apply(update("ghost", 1, 1)) {
		t.Fatal("update for ghost reported a change")
	}
	if !reflect.DeepEqual(before, s.Strokes()) {
		t.Fatal("state changed after update for unknown stroke")
	}
}

func TestScenarioD_ClearWhileDrawing(t *testing.T) {
	s := New(me)
	s.Apply(start("s1", "u1", 0, 0))
	s.Apply(update("s1", 1, 1))
	s.Apply(models.ClearCanvas{UserID: "u2"})

	if n := len(s.Strokes()); n != 0 {
		t.Fatalf("got %d strokes after clear", n)
	}
	s.Apply(update("s1", 2, 2))
	if n := len(s.Strokes()); n != 0 {
		t.Fatalf("update after clear resurrected stroke (%d strokes)", n)
	}
}

// A cursor-move from a user we haven't seen join creates the collaborator
func TestScenarioE_CursorBeforeJoin(t *testing.T) {
	s := New(me)
	s.Apply(models.CursorMove{UserID: "u1", X: 10, Y: 20})

	collabs := s.Collaborators()
	if len(collabs) != 1 {
		t.Fatalf("got %d collaborators, want 1", len(collabs))
	}
	c := collabs[0]
	if c.ID != "u1" || c.Cursor == nil || c.Cursor.X != 10 || c.Cursor.Y != 20 {
		t.Fatalf("unexpected collaborator %+v", c)
	}
	if c.Color != UnknownCursorColor {
		t.Fatalf("color = %q", c.Color)
	}

	// The later join fills in the profile and resets the cursor
	s.Apply(models.UserJoin{User: models.User{ID: "u1", Name: "Ada", Color: "#ff0000"}})
	c = s.Collaborators()[0]
	if c.Name != "Ada" || c.Cursor != nil {
		t.Fatalf("after join: %+v", c)
	}
}

// Undo and clear are not restricted to the stroke owner
func TestScenarioF_UndoByNonOwner(t *testing.T) {
	s := New(me)
	s.Apply(start("s1", "owner", 0, 0))
	s.Apply(models.StrokeComplete{StrokeID: "s1"})

	if !s.Apply(models.UndoStroke{StrokeID: "s1", UserID: "someone-else"}) {
		t.Fatal("undo by non-owner was rejected")
	}
	if _, ok := s.Stroke("s1"); ok {
		t.Fatal("stroke still present after undo")
	}
}

func TestIdempotence(t *testing.T) {
	ops := []models.Operation{
		start("s1", "u1", 0, 0),
		models.StrokeComplete{StrokeID: "s1"},
	}
	once := New(me)
	twice := New(me)
	for _, op := range ops {
		once.Apply(op)
		twice.Apply(op)
		twice.Apply(op)
	}
	if !reflect.DeepEqual(once.Strokes(), twice.Strokes()) {
		t.Fatalf("once=%+v twice=%+v", once.Strokes(), twice.Strokes())
	}
}

func TestAppendOnlyAfterComplete(t *testing.T) {
	s := New(me)
	s.Apply(start("s1", "u1", 0, 0))
	s.Apply(update("s1", 1, 1))
	s.Apply(models.StrokeComplete{StrokeID: "s1"})
	sealed, _ := s.Stroke("s1")

	if s.Apply(update("s1", 7, 7)) {
		t.Fatal("update after complete reported a change")
	}
	after, _ := s.Stroke("s1")
	if !reflect.DeepEqual(sealed.Points, after.Points) {
		t.Fatalf("points changed after completion: %+v", after.Points)
	}
}

func TestNoOpSafety(t *testing.T) {
	ops := []models.Operation{
		update("nope", 1, 1),
		models.StrokeComplete{StrokeID: "nope"},
		models.CursorLeave{UserID: "nobody"},
		models.UserLeave{UserID: "nobody"},
		models.ClearCanvas{},
		models.UndoStroke{StrokeID: "nope"},
	}
	s := New(me)
	for _, op := range ops {
		if s.Apply(op) {
			t.Errorf("%s on empty canvas reported a change", op.Kind())
		}
	}
	if len(s.Strokes()) != 0 || len(s.Collaborators()) != 0 {
		t.Fatal("empty canvas changed")
	}
}

func TestSelfIsNeverACollaborator(t *testing.T) {
	s := New(me)
	s.Apply(models.UserJoin{User: me})
	s.Apply(models.CursorMove{UserID: me.ID, X: 1, Y: 1})
	s.Apply(start("s1", me.ID, 0, 0))

	if n := len(s.Collaborators()); n != 0 {
		t.Fatalf("local user stored as collaborator (%d entries)", n)
	}
}

func TestCursorLeaveKeepsCollaborator(t *testing.T) {
	s := New(me)
	s.Apply(models.UserJoin{User: models.User{ID: "u1"}})
	s.Apply(models.CursorMove{UserID: "u1", X: 1, Y: 2})
	s.Apply(models.CursorLeave{UserID: "u1"})

	collabs := s.Collaborators()
	if len(collabs) != 1 || collabs[0].Cursor != nil {
		t.Fatalf("got %+v", collabs)
	}

	s.Apply(models.UserLeave{UserID: "u1"})
	if len(s.Collaborators()) != 0 {
		t.Fatal("user-leave did not remove collaborator")
	}
}

func TestIsDrawingFollowsStrokeLifecycle(t *testing.T) {
	s := New(me)
	s.Apply(models.UserJoin{User: models.User{ID: "u1"}})
	s.Apply(start("s1", "u1", 0, 0))
	if !s.Collaborators()[0].IsDrawing {
		t.Fatal("owner not marked drawing after stroke-start")
	}
	s.Apply(models.StrokeComplete{StrokeID: "s1"})
	if s.Collaborators()[0].IsDrawing {
		t.Fatal("owner still drawing after stroke-complete")
	}
}

// Two replicas receiving the same operations with cross-sender interleaving
// end with the same strokes, as long as each stroke's own updates keep
// their relative order.
func TestConvergence(t *testing.T) {
	senders := map[string][]models.Operation{
		"a": {start("a1", "a", 0, 0), update("a1", 1, 1), update("a1", 2, 2), models.StrokeComplete{StrokeID: "a1"}},
		"b": {start("b1", "b", 5, 5), update("b1", 6, 6), models.StrokeComplete{StrokeID: "b1"}, start("b2", "b", 0, 0)},
		"c": {models.UserJoin{User: models.User{ID: "c"}}, models.CursorMove{UserID: "c", X: 3, Y: 3}},
	}

	rng := rand.New(rand.NewSource(7))
	var reference map[string]models.Stroke
	for trial := 0; trial < 50; trial++ {
		s := New(me)
		for _, op := range interleave(rng, senders) {
			s.Apply(op)
		}
		got := byID(s.Strokes())
		if reference == nil {
			reference = got
			continue
		}
		if !reflect.DeepEqual(reference, got) {
			t.Fatalf("trial %d diverged:\n got  %+v\n want %+v", trial, got, reference)
		}
	}
}

func TestReorderBuffer_DropByDefault(t *testing.T) {
	s := New(me)
	s.Apply(update("s1", 1, 1))
	s.Apply(start("s1", "u1", 0, 0))

	st, _ := s.Stroke("s1")
	if len(st.Points) != 1 {
		t.Fatalf("early update was not dropped: %d points", len(st.Points))
	}
}

func TestReorderBuffer_ReplaysOnStart(t *testing.T) {
	s := New(me, WithReorderBuffer(16, 4))
	s.Apply(update("s1", 1, 1))
	s.Apply(update("s1", 2, 2))
	s.Apply(models.StrokeComplete{StrokeID: "s1"})
	if s.PendingCount() != 3 {
		t.Fatalf("pending = %d, want 3", s.PendingCount())
	}
	if len(s.Strokes()) != 0 {
		t.Fatal("parked ops created a stroke")
	}

	s.Apply(start("s1", "u1", 0, 0))
	st, _ := s.Stroke("s1")
	if len(st.Points) != 3 || !st.Completed {
		t.Fatalf("replay result %+v", st)
	}
	if st.Points[1].X != 1 || st.Points[2].X != 2 {
		t.Fatalf("replay order wrong: %+v", st.Points)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending = %d after replay", s.PendingCount())
	}
}

func TestReorderBuffer_Bounds(t *testing.T) {
	s := New(me, WithReorderBuffer(2, 2))
	for i := 0; i < 5; i++ {
		s.Apply(update("s1", float64(i), 0))
	}
	if s.PendingCount() != 2 {
		t.Fatalf("per-stroke bound: pending = %d", s.PendingCount())
	}

	s.Apply(update("s2", 0, 0))
	s.Apply(update("s3", 0, 0)) // evicts s1
	if s.PendingCount() != 2 {
		t.Fatalf("stroke bound: pending = %d", s.PendingCount())
	}
	s.Apply(start("s1", "u1", 0, 0))
	if st, _ := s.Stroke("s1"); len(st.Points) != 1 {
		t.Fatalf("evicted ops were replayed: %+v", st.Points)
	}
}

func TestReorderBuffer_ClearAndUndoDiscard(t *testing.T) {
	s := New(me, WithReorderBuffer(8, 8))
	s.Apply(update("s1", 1, 1))
	s.Apply(update("s2", 1, 1))
	s.Apply(models.UndoStroke{StrokeID: "s1"})
	if s.PendingCount() != 1 {
		t.Fatalf("undo left pending = %d", s.PendingCount())
	}
	s.Apply(models.ClearCanvas{})
	if s.PendingCount() != 0 {
		t.Fatalf("clear left pending = %d", s.PendingCount())
	}
}

func TestSeed_CompletedOnlyAndNoOverwrite(t *testing.T) {
	s := New(me)
	s.Apply(start("live", "u1", 0, 0))
	n := s.Seed([]models.Stroke{
		{ID: "a", Completed: true},
		{ID: "b", Completed: false},
		{ID: "live", Completed: true},
	})
	if n != 1 {
		t.Fatalf("seeded %d, want 1", n)
	}
	if st, _ := s.Stroke("live"); st.Completed {
		t.Fatal("seed overwrote a live stroke")
	}
	if got := len(s.CompletedStrokes()); got != 1 {
		t.Fatalf("completed strokes = %d", got)
	}
}

func TestPruneIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(me, WithClock(func() time.Time { return now }))
	s.Apply(models.UserJoin{User: models.User{ID: "old"}})
	now = now.Add(time.Minute)
	s.Apply(models.CursorMove{UserID: "fresh", X: 1, Y: 1})

	removed := s.PruneIdle(30 * time.Second)
	if !reflect.DeepEqual(removed, []string{"old"}) {
		t.Fatalf("removed %v", removed)
	}
	if c := s.Collaborators(); len(c) != 1 || c[0].ID != "fresh" {
		t.Fatalf("remaining %+v", c)
	}
}

func TestStrokesReturnsCopies(t *testing.T) {
	s := New(me)
	s.Apply(start("s1", "u1", 0, 0))
	got := s.Strokes()
	got[0].Points[0].X = 42
	if st, _ := s.Stroke("s1"); st.Points[0].X != 0 {
		t.Fatal("caller mutated internal state")
	}
}

// interleave merges per-sender sequences at random while keeping each
// sender's own order, like a relay with per-connection ordering
func interleave(rng *rand.Rand, senders map[string][]models.Operation) []models.Operation {
	keys := make([]string, 0, len(senders))
	for k := range senders {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pos := make(map[string]int)
	var out []models.Operation
	for {
		var live []string
		for _, k := range keys {
			if pos[k] < len(senders[k]) {
				live = append(live, k)
			}
		}
		if len(live) == 0 {
			return out
		}
		k := live[rng.Intn(len(live))]
		out = append(out, senders[k][pos[k]])
		pos[k]++
	}
}

func byID(strokes []models.Stroke) map[string]models.Stroke {
	m := make(map[string]models.Stroke, len(strokes))
	for _, s := range strokes {
		m[s.ID] = s
	}
	return m
}

func TestReorderBuffer_IgnoresRemovedStrokes(t *testing.T) {
	s := New(me, WithReorderBuffer(8, 8))
	s.Apply(start("s1", "u1", 0, 0))
	s.Apply(update("s1", 1, 1))
	s.Apply(start("s2", "u1", 0, 0))

	s.Apply(models.UndoStroke{StrokeID: "s1"})
	s.Apply(update("s1", 2, 2)) // in flight when the undo landed
	s.Apply(models.ClearCanvas{})
	s.Apply(update("s2", 3, 3))
	s.Apply(models.StrokeComplete{StrokeID: "s2"})

	if s.PendingCount() != 0 {
		t.Fatalf("parked ops for removed strokes: %d", s.PendingCount())
	}

	// A duplicate start can't bring back the old points
	s.Apply(start("s1", "u1", 0, 0))
	if st, _ := s.Stroke("s1"); len(st.Points) != 1 || st.Completed {
		t.Fatalf("resurrected %+v", st)
	}
}

func TestDropCollaborators(t *testing.T) {
	s := New(me)
	s.Apply(models.UserJoin{User: models.User{ID: "u1"}})
	s.Apply(models.CursorMove{UserID: "u2", X: 1, Y: 1})
	s.DropCollaborators()
	if c := s.Collaborators(); len(c) != 0 {
		t.Fatalf("remaining %+v", c)
	}
}
