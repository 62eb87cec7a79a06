// Package client joins a room on the relay and keeps a local canvas replica
// in sync with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sketchroom/internal/canvas"
	"sketchroom/internal/models"
	"sketchroom/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

/*
LEARNING: OPTIMISTIC LOCAL-FIRST CLIENT

Local input never waits for the network:

  Submit(op) ─▶ State.Apply(op)      (user sees it immediately)
             └▶ Queue.Enqueue(op)   ─▶ send loop ─▶ relay ─▶ peers

Inbound traffic goes through the very same State.Apply, so local and remote
replicas fold identical operations identically. The relay never echoes a
message to its sender, but if it ever did, the stamped connection id would
match ours and the message is dropped instead of applied twice.

Persistence is a side effect of local commits only. Every client that
commits saves the full completed-stroke list, so the last writer's view wins.
*/

const (
	// DefaultLivenessTimeout prunes collaborators not heard from in this long
	DefaultLivenessTimeout = 2 * time.Minute

	writeWait = 10 * time.Second
	minTick   = 10 * time.Millisecond
)

var (
	// ErrAlreadyConnected is returned by a second Connect
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrNotConnected is returned when closing a client that is not connected
	ErrNotConnected = errors.New("client is not connected")
)

// SnapshotStore defines what the client needs from snapshot persistence
type SnapshotStore interface {
	Load(ctx context.Context, roomID string) ([]models.Stroke, error)
	Save(ctx context.Context, roomID string, strokes []models.Stroke) error
}

// Saver accepts snapshot saves without blocking
type Saver interface {
	Submit(roomID string, strokes []models.Stroke) bool
}

// Options configures a Client
type Options struct {
	URL    string // relay base URL, ws(s):// or http(s)://
	RoomID string
	User   models.User

	// Store seeds the canvas on connect. When Saver is nil and Store is set,
	// commits are saved to Store through a private snapshot service.
	Store SnapshotStore
	Saver Saver

	ReorderBuffer   int           // pending ops kept per unknown stroke; 0 drops them
	LivenessTimeout time.Duration // 0 means DefaultLivenessTimeout, negative disables
	QueueLimit      int
	Dialer          *websocket.Dialer
}

// Stats counts client traffic since start
type Stats struct {
	Sent             int64 `json:"sent"`
	Discarded        int64 `json:"discarded"`
	EchoesSuppressed int64 `json:"echoes_suppressed"`
	Malformed        int64 `json:"malformed"`
	Applied          int64 `json:"applied"`
	Pending          int   `json:"pending"`
	QueueDropped     int   `json:"queue_dropped"`
}

// Client is one participant in a room
type Client struct {
	opts  Options
	state *canvas.State
	queue *canvas.Queue

	saver    Saver
	ownSaver *services.SnapshotService
	submitMu sync.Mutex // keeps apply+save ordered across goroutines

	mu     sync.RWMutex
	conn   *websocket.Conn
	connID string
	peers  map[string]string // connection id -> user id last seen on it

	writeMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	readDone chan struct{}

	sent      atomic.Int64
	discarded atomic.Int64
	echoes    atomic.Int64
	malformed atomic.Int64
	applied   atomic.Int64
}

// New creates a client; nothing touches the network until Connect
func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.LivenessTimeout == 0 {
		opts.LivenessTimeout = DefaultLivenessTimeout
	}

	var stateOpts []canvas.Option
	if opts.ReorderBuffer > 0 {
		stateOpts = append(stateOpts, canvas.WithReorderBuffer(opts.ReorderBuffer, 256))
	}
	var queueOpts []canvas.QueueOption
	if opts.QueueLimit > 0 {
		queueOpts = append(queueOpts, canvas.WithQueueLimit(opts.QueueLimit))
	}

	c := &Client{
		opts:  opts,
		state: canvas.New(opts.User, stateOpts...),
		queue: canvas.NewQueue(queueOpts...),
		saver: opts.Saver,
		peers: make(map[string]string),
	}
	c.ensureSaver()
	return c
}

// ensureSaver starts the private snapshot service when the caller gave a
// Store but no Saver
func (c *Client) ensureSaver() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if c.saver == nil && c.opts.Store != nil {
		c.ownSaver = services.NewSnapshotService(c.opts.Store, 1, 16, 3)
		c.ownSaver.Start()
		c.saver = c.ownSaver
	}
}

// Connect seeds the canvas from the snapshot store, joins the room and
// starts the background loops. A client that was closed, or whose
// connection was lost and torn down, may Connect again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	c.ensureSaver()

	if c.opts.Store != nil {
		strokes, err := c.opts.Store.Load(ctx, c.opts.RoomID)
		if err != nil {
			// An unreachable store must not keep anyone from drawing
			log.Printf("⚠️  Failed to load snapshot for room %s, starting empty: %v", c.opts.RoomID, err)
		} else {
			n := c.state.Seed(strokes)
			log.Printf("✓ Loaded %d strokes for room %s", n, c.opts.RoomID)
		}
	}

	connID := ksuid.New().String()
	target, err := roomURL(c.opts.URL, c.opts.RoomID, connID, c.opts.User.ID)
	if err != nil {
		return err
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connID = connID
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.readDone = readDone
	c.mu.Unlock()

	c.Submit(models.UserJoin{User: c.opts.User})

	c.wg.Add(3)
	go c.readLoop(conn, readDone)
	go c.sendLoop()
	go c.livenessLoop()

	log.Printf("✓ Joined room %s as %s (connection %s)", c.opts.RoomID, c.opts.User.ID, connID)
	return nil
}

// roomURL builds the websocket URL of a room
func roomURL(base, roomID, connID, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", base)
	}

	u = u.JoinPath("ws", "rooms", roomID)
	q := url.Values{}
	q.Set("connection_id", connID)
	if userID != "" {
		q.Set("user_id", userID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Submit applies a local operation and queues it for the room. Without an
// open connection the operation is still applied locally but never sent.
// Commits (stroke-complete, clear-canvas, undo-stroke) also schedule a
// snapshot save. Returns whether the local canvas changed.
func (c *Client) Submit(op models.Operation) bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	changed := c.state.Apply(op)
	if c.Connected() {
		c.queue.Enqueue(op)
	} else {
		c.discarded.Add(1)
	}

	if changed && models.IsCommit(op) && c.saver != nil {
		c.saver.Submit(c.opts.RoomID, models.Persistable(c.state.Strokes()))
	}
	return changed
}

// BeginStroke starts a stroke at p and returns its id
func (c *Client) BeginStroke(p models.Point, color string, size float64, tool models.Tool) string {
	id := uuid.NewString()
	c.Submit(models.StrokeStart{
		StrokeID: id,
		Point:    p.Normalize(),
		Color:    color,
		Size:     size,
		Tool:     tool,
		OwnerID:  c.opts.User.ID,
	})
	return id
}

// ExtendStroke appends a point to an open stroke
func (c *Client) ExtendStroke(strokeID string, p models.Point) bool {
	return c.Submit(models.StrokeUpdate{StrokeID: strokeID, Point: p.Normalize()})
}

// EndStroke seals a stroke
func (c *Client) EndStroke(strokeID string) bool {
	return c.Submit(models.StrokeComplete{StrokeID: strokeID})
}

// MoveCursor shares the local pointer position
func (c *Client) MoveCursor(x, y float64) {
	c.Submit(models.CursorMove{UserID: c.opts.User.ID, X: x, Y: y})
}

// LeaveCursor hides the local pointer from others
func (c *Client) LeaveCursor() {
	c.Submit(models.CursorLeave{UserID: c.opts.User.ID})
}

// Undo removes a stroke, whoever drew it
func (c *Client) Undo(strokeID string) bool {
	return c.Submit(models.UndoStroke{StrokeID: strokeID, UserID: c.opts.User.ID})
}

// Clear removes every stroke for everyone
func (c *Client) Clear() bool {
	return c.Submit(models.ClearCanvas{UserID: c.opts.User.ID})
}

func (c *Client) sendLoop() {
	defer c.wg.Done()

	for {
		rec, err := c.queue.Next(c.ctx)
		if err != nil {
			return
		}
		c.transmit(rec.Operation)
		// At-most-once: the record is done whether or not the write worked
		c.queue.MarkSent(rec.ID)
	}
}

// transmit writes one operation to the relay. Without an open connection
// the operation is discarded.
func (c *Client) transmit(op models.Operation) {
	data, err := models.EncodeOperation(op)
	if err != nil {
		log.Printf("⚠️  %v", err)
		c.discarded.Add(1)
		return
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		c.discarded.Add(1)
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		log.Printf("⚠️  Failed to send %s: %v", op.Kind(), err)
		c.discarded.Add(1)
		return
	}
	c.sent.Add(1)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️  Lost connection to room %s: %v", c.opts.RoomID, err)
			}
			return
		}
		c.handle(data)
	}
}

// handle processes one inbound message
func (c *Client) handle(data []byte) {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		c.malformed.Add(1)
		log.Printf("⚠️  Ignoring message: %v", err)
		return
	}

	if env.Control != nil {
		c.handleControl(env.Control)
		return
	}

	if env.SenderID != "" && env.SenderID == c.ConnectionID() {
		c.echoes.Add(1)
		return
	}

	c.observe(env.SenderID, env.Operation)
	if c.state.Apply(env.Operation) {
		c.applied.Add(1)
	}
}

// observe remembers which user speaks on which connection, so a
// user-disconnected notice can be turned into a user-leave
func (c *Client) observe(connID string, op models.Operation) {
	if connID == "" {
		return
	}

	var userID string
	switch o := op.(type) {
	case models.UserJoin:
		userID = o.User.ID
	case models.StrokeStart:
		userID = o.OwnerID
	case models.CursorMove:
		userID = o.UserID
	case models.UserLeave:
		c.mu.Lock()
		delete(c.peers, connID)
		c.mu.Unlock()
		return
	}

	if userID != "" {
		c.mu.Lock()
		c.peers[connID] = userID
		c.mu.Unlock()
	}
}

func (c *Client) handleControl(msg *models.ControlMessage) {
	switch msg.Type {
	case models.ControlWelcome:
		c.mu.Lock()
		if c.connID != msg.ConnectionID {
			log.Printf("  Relay assigned connection id %s", msg.ConnectionID)
		}
		c.connID = msg.ConnectionID
		c.mu.Unlock()

	case models.ControlUserConnected:
		// Tell the newcomer who we are
		if msg.ConnectionID != c.ConnectionID() {
			c.queue.Enqueue(models.UserJoin{User: c.opts.User})
		}

	case models.ControlUserDisconnected:
		c.mu.Lock()
		userID := c.peers[msg.ConnectionID]
		delete(c.peers, msg.ConnectionID)
		// Same user on another tab is still here
		for _, other := range c.peers {
			if other == userID {
				userID = ""
				break
			}
		}
		c.mu.Unlock()

		if userID != "" && c.state.Apply(models.UserLeave{UserID: userID}) {
			c.applied.Add(1)
		}
	}
}

func (c *Client) livenessLoop() {
	defer c.wg.Done()

	timeout := c.opts.LivenessTimeout
	if timeout < 0 {
		return
	}

	ticker := time.NewTicker(tickEvery(timeout))
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if gone := c.state.PruneIdle(timeout); len(gone) > 0 {
				log.Printf("  Pruned idle collaborators: %s", strings.Join(gone, ", "))
			}
		}
	}
}

// tickEvery is the period of a check that must run twice per timeout
func tickEvery(timeout time.Duration) time.Duration {
	if d := timeout / 2; d > minTick {
		return d
	}
	return minTick
}

// Done is closed when the current connection ends, either through Close
// or because the relay went away. Nil before the first Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readDone
}

// Close announces departure, flushes queued operations and disconnects.
// ctx bounds how long to wait for the flush.
func (c *Client) Close(ctx context.Context) error {
	err := c.disconnect(ctx, true)
	c.shutdownSaver()
	if err != nil {
		return err
	}

	log.Printf("✓ Left room %s", c.opts.RoomID)
	return nil
}

// Reconnect tears down the current connection, if any, and joins the room
// again. The canvas is reseeded from the snapshot store and presence is
// rebuilt from the room's answers to our user-join.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.disconnect(ctx, false); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	c.state.DropCollaborators()
	return c.Connect(ctx)
}

// disconnect stops the background loops and resets the connection state so
// Connect can run again. With announce set, cursor-leave and user-leave are
// flushed first.
func (c *Client) disconnect(ctx context.Context, announce bool) error {
	c.mu.RLock()
	cancel, conn, readDone := c.cancel, c.conn, c.readDone
	c.mu.RUnlock()

	if cancel == nil {
		return ErrNotConnected
	}

	if announce && conn != nil {
		c.Submit(models.CursorLeave{UserID: c.opts.User.ID})
		c.Submit(models.UserLeave{UserID: c.opts.User.ID})
		c.waitDrained(ctx)
	}
	cancel()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		select {
		case <-readDone:
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		conn.Close()
	}

	c.wg.Wait()

	// Whatever the send loop didn't reach belongs to the old connection
	for _, rec := range c.queue.Pending() {
		c.queue.MarkSent(rec.ID)
		c.discarded.Add(1)
	}

	c.mu.Lock()
	c.conn = nil
	c.connID = ""
	c.cancel = nil
	c.peers = make(map[string]string)
	c.mu.Unlock()
	return nil
}

func (c *Client) waitDrained(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for c.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) shutdownSaver() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if c.ownSaver != nil {
		c.ownSaver.Shutdown(5 * time.Second)
		c.ownSaver = nil
		c.saver = c.opts.Saver
	}
}

// State is the local canvas replica
func (c *Client) State() *canvas.State {
	return c.state
}

// RoomID is the room this client joins
func (c *Client) RoomID() string {
	return c.opts.RoomID
}

// ConnectionID is the relay's id for this client's connection
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Connected reports whether the websocket is open
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Stats returns traffic counters
func (c *Client) Stats() Stats {
	return Stats{
		Sent:             c.sent.Load(),
		Discarded:        c.discarded.Load(),
		EchoesSuppressed: c.echoes.Load(),
		Malformed:        c.malformed.Load(),
		Applied:          c.applied.Load(),
		Pending:          c.queue.Len(),
		QueueDropped:     c.queue.Dropped(),
	}
}
