package models

import "time"

/*
LEARNING: OPERATIONS AS A CLOSED SUM TYPE

Operations are the only unit of replication. Canvas state is always the fold
of an ordered operation sequence over an empty canvas, so every replica that
folds the same operations the same way converges.

Go has no enums with payloads, so the variant set is closed with an
unexported marker method: only this package can add a variant, and the
canvas state machine switches over all of them.
*/

// Kind is the wire tag of an operation
type Kind string

const (
	KindStrokeStart    Kind = "stroke-start"
	KindStrokeUpdate   Kind = "stroke-update"
	KindStrokeComplete Kind = "stroke-complete"
	KindCursorMove     Kind = "cursor-move"
	KindCursorLeave    Kind = "cursor-leave"
	KindUserJoin       Kind = "user-join"
	KindUserLeave      Kind = "user-leave"
	KindClearCanvas    Kind = "clear-canvas"
	KindUndoStroke     Kind = "undo-stroke"
)

// Operation is one replicated change to canvas state
type Operation interface {
	Kind() Kind
	isOperation()
}

// StrokeStart opens a new stroke with its first point
type StrokeStart struct {
	StrokeID string
	Point    Point
	Color    string
	Size     float64
	Tool     Tool
	OwnerID  string
}

// StrokeUpdate appends one point to an open stroke
type StrokeUpdate struct {
	StrokeID string
	Point    Point
}

// StrokeComplete seals a stroke
type StrokeComplete struct {
	StrokeID string
}

// CursorMove reports a participant's pointer position
type CursorMove struct {
	UserID string
	X, Y   float64
}

// CursorLeave hides a participant's cursor without removing them
type CursorLeave struct {
	UserID string
}

// UserJoin announces (or re-announces) a participant
type UserJoin struct {
	User User
}

// UserLeave removes a participant
type UserLeave struct {
	UserID string
}

// ClearCanvas removes every stroke. UserID names the issuer and is not
// checked against anything.
type ClearCanvas struct {
	UserID string
}

// UndoStroke removes one stroke. UserID names the issuer and is not checked
// against the stroke owner.
type UndoStroke struct {
	StrokeID string
	UserID   string
}

func (StrokeStart) Kind() Kind    { return KindStrokeStart }
func (StrokeUpdate) Kind() Kind   { return KindStrokeUpdate }
func (StrokeComplete) Kind() Kind { return KindStrokeComplete }
func (CursorMove) Kind() Kind     { return KindCursorMove }
func (CursorLeave) Kind() Kind    { return KindCursorLeave }
func (UserJoin) Kind() Kind       { return KindUserJoin }
func (UserLeave) Kind() Kind      { return KindUserLeave }
func (ClearCanvas) Kind() Kind    { return KindClearCanvas }
func (UndoStroke) Kind() Kind     { return KindUndoStroke }

func (StrokeStart) isOperation()    {}
func (StrokeUpdate) isOperation()   {}
func (StrokeComplete) isOperation() {}
func (CursorMove) isOperation()     {}
func (CursorLeave) isOperation()    {}
func (UserJoin) isOperation()       {}
func (UserLeave) isOperation()      {}
func (ClearCanvas) isOperation()    {}
func (UndoStroke) isOperation()     {}

// NewStroke builds the stroke a StrokeStart creates
func (op StrokeStart) NewStroke() Stroke {
	return Stroke{
		ID:      op.StrokeID,
		Points:  []Point{op.Point},
		Color:   op.Color,
		Size:    op.Size,
		Tool:    op.Tool,
		OwnerID: op.OwnerID,
	}
}

// IsCommit reports whether op changes the persisted (completed) stroke list
func IsCommit(op Operation) bool {
	switch op.(type) {
	case StrokeComplete, ClearCanvas, UndoStroke:
		return true
	}
	return false
}

// OptimisticRecord tracks a locally generated operation until the transport
// reports it sent. It exists only on the origin client and is never
// replicated.
type OptimisticRecord struct {
	ID        string    `json:"id"`
	Operation Operation `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Confirmed bool      `json:"confirmed"`
}
