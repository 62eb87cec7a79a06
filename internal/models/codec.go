package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is stamped on every encoded operation as "v". Messages
// without it are treated as version 1.
const SchemaVersion = 1

// ErrMalformedOperation is returned when a message has an unknown tag, is
// missing a required field, or isn't valid JSON. Receivers drop the message
// and keep going.
var ErrMalformedOperation = errors.New("malformed operation")

// ControlType tags relay-originated presence messages
type ControlType string

const (
	ControlWelcome          ControlType = "welcome"
	ControlUserConnected    ControlType = "user-connected"
	ControlUserDisconnected ControlType = "user-disconnected"
)

// ControlMessage is sent by the relay, never by clients. ConnectionID is the
// subject of the notice (the connection that joined or left, or for welcome
// the recipient's own id).
type ControlMessage struct {
	Type         ControlType `json:"type"`
	ConnectionID string      `json:"connectionId"`
	Timestamp    int64       `json:"timestamp"`
}

// Envelope is one inbound transport message: either an operation plus the
// metadata the relay stamped on it, or a control message.
type Envelope struct {
	Operation Operation
	Control   *ControlMessage
	SenderID  string // relay-stamped connection id of the origin
	Timestamp int64  // relay-stamped unix millis
}

// wireMessage is the flat JSON shape shared by every variant
type wireMessage struct {
	Type     string   `json:"type"`
	Version  int      `json:"v,omitempty"`
	StrokeID string   `json:"strokeId,omitempty"`
	Point    *Point   `json:"point,omitempty"`
	Color    string   `json:"color,omitempty"`
	Size     float64  `json:"size,omitempty"`
	Tool     Tool     `json:"tool,omitempty"`
	OwnerID  string   `json:"ownerId,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	User     *User    `json:"user,omitempty"`

	// Added by the relay
	ConnectionID string `json:"connectionId,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// EncodeOperation serializes op to its JSON wire form
func EncodeOperation(op Operation) ([]byte, error) {
	w := wireMessage{Type: string(op.Kind()), Version: SchemaVersion}

	switch o := op.(type) {
	case StrokeStart:
		p := o.Point
		w.StrokeID, w.Point = o.StrokeID, &p
		w.Color, w.Size, w.Tool, w.OwnerID = o.Color, o.Size, o.Tool, o.OwnerID
	case StrokeUpdate:
		p := o.Point
		w.StrokeID, w.Point = o.StrokeID, &p
	case StrokeComplete:
		w.StrokeID = o.StrokeID
	case CursorMove:
		x, y := o.X, o.Y
		w.UserID, w.X, w.Y = o.UserID, &x, &y
	case CursorLeave:
		w.UserID = o.UserID
	case UserJoin:
		u := o.User
		w.User = &u
	case UserLeave:
		w.UserID = o.UserID
	case ClearCanvas:
		w.UserID = o.UserID
	case UndoStroke:
		w.StrokeID, w.UserID = o.StrokeID, o.UserID
	default:
		return nil, fmt.Errorf("cannot encode operation %T", op)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", op.Kind(), err)
	}
	return data, nil
}

// DecodeOperation parses an operation, ignoring any relay metadata
func DecodeOperation(data []byte) (Operation, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Operation == nil {
		return nil, fmt.Errorf("%w: %q is a control message", ErrMalformedOperation, env.Control.Type)
	}
	return env.Operation, nil
}

// DecodeEnvelope parses an inbound transport message
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	if w.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrMalformedOperation, w.Version)
	}

	switch ControlType(w.Type) {
	case ControlWelcome, ControlUserConnected, ControlUserDisconnected:
		if w.ConnectionID == "" {
			return nil, missing(w.Type, "connectionId")
		}
		return &Envelope{
			Control: &ControlMessage{
				Type:         ControlType(w.Type),
				ConnectionID: w.ConnectionID,
				Timestamp:    w.Timestamp,
			},
			Timestamp: w.Timestamp,
		}, nil
	}

	op, err := w.operation()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Operation: op,
		SenderID:  w.ConnectionID,
		Timestamp: w.Timestamp,
	}, nil
}

func (w *wireMessage) operation() (Operation, error) {
	switch Kind(w.Type) {
	case KindStrokeStart:
		if w.StrokeID == "" {
			return nil, missing(w.Type, "strokeId")
		}
		if w.Point == nil {
			return nil, missing(w.Type, "point")
		}
		if w.OwnerID == "" {
			return nil, missing(w.Type, "ownerId")
		}
		return StrokeStart{
			StrokeID: w.StrokeID,
			Point:    *w.Point,
			Color:    w.Color,
			Size:     w.Size,
			Tool:     w.Tool,
			OwnerID:  w.OwnerID,
		}, nil

	case KindStrokeUpdate:
		if w.StrokeID == "" {
			return nil, missing(w.Type, "strokeId")
		}
		if w.Point == nil {
			return nil, missing(w.Type, "point")
		}
		return StrokeUpdate{StrokeID: w.StrokeID, Point: *w.Point}, nil

	case KindStrokeComplete:
		if w.StrokeID == "" {
			return nil, missing(w.Type, "strokeId")
		}
		return StrokeComplete{StrokeID: w.StrokeID}, nil

	case KindCursorMove:
		if w.UserID == "" {
			return nil, missing(w.Type, "userId")
		}
		if w.X == nil || w.Y == nil {
			return nil, missing(w.Type, "x/y")
		}
		return CursorMove{UserID: w.UserID, X: *w.X, Y: *w.Y}, nil

	case KindCursorLeave:
		if w.UserID == "" {
			return nil, missing(w.Type, "userId")
		}
		return CursorLeave{UserID: w.UserID}, nil

	case KindUserJoin:
		if w.User == nil || w.User.ID == "" {
			return nil, missing(w.Type, "user.id")
		}
		return UserJoin{User: *w.User}, nil

	case KindUserLeave:
		if w.UserID == "" {
			return nil, missing(w.Type, "userId")
		}
		return UserLeave{UserID: w.UserID}, nil

	case KindClearCanvas:
		return ClearCanvas{UserID: w.UserID}, nil

	case KindUndoStroke:
		if w.StrokeID == "" {
			return nil, missing(w.Type, "strokeId")
		}
		return UndoStroke{StrokeID: w.StrokeID, UserID: w.UserID}, nil

	case "":
		return nil, missing("message", "type")
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedOperation, w.Type)
}

func missing(tag, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformedOperation, tag, field)
}
