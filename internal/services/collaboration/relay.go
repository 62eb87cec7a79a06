package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"sketchroom/internal/middleware"
	"sketchroom/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ROOM RELAY

The relay is a dumb fan-out. It does not know what a stroke is:

  1. A connection joins a room      → welcome to it, user-connected to others
  2. A connection sends a message   → stamp {connectionId, timestamp},
                                      forward to everyone else in the room
  3. A connection leaves            → user-disconnected to the others

All consistency logic lives in the clients, which must cope with duplicate,
reordered or dropped messages. The relay only promises that one sender's
messages leave in the order they arrived, because a single read pump feeds
a single event loop.

The event loop goroutine is the only writer of the room map, so rooms need
no lock for writes from the loop; readers outside the loop (stats endpoint)
take the read lock.
*/

const minSweepInterval = 10 * time.Millisecond

// ErrRelayClosed is returned when joining a relay that has shut down
var ErrRelayClosed = errors.New("relay is shut down")

// RelayOption configures a Relay
type RelayOption func(*Relay)

// WithSendBuffer sets the per-connection outbound buffer. A connection
// whose buffer fills up is dropped.
func WithSendBuffer(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.sendBuffer = n
		}
	}
}

// WithIdleTimeout closes connections that sent nothing (not even a pong)
// for d
func WithIdleTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithBackbone shares traffic with relays in other processes
func WithBackbone(b Backbone) RelayOption {
	return func(r *Relay) { r.backbone = b }
}

// Relay fans messages out to every other connection in the same room
type Relay struct {
	rooms map[string]map[*Connection]bool // roomID -> set of connections
	mu    sync.RWMutex

	register   chan *Connection
	unregister chan *Connection
	inbound    chan *inboundMessage
	remote     chan *remoteMessage

	sendBuffer  int
	idleTimeout time.Duration
	backbone    Backbone

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

type inboundMessage struct {
	from *Connection
	data []byte
}

type remoteMessage struct {
	roomID string
	data   []byte
}

// NewRelay creates a relay; call Start to run its event loop
func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		rooms:       make(map[string]map[*Connection]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		inbound:     make(chan *inboundMessage, 256),
		remote:      make(chan *remoteMessage, 256),
		sendBuffer:  256,
		idleTimeout: 5 * time.Minute,
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the relay event loop
func (r *Relay) Start() error {
	log.Println("🔄 Starting room relay...")

	if r.backbone != nil {
		if err := r.backbone.Start(r.deliverRemote); err != nil {
			return err
		}
	}

	go r.run()

	log.Println("✓ Room relay started")
	return nil
}

func (r *Relay) run() {
	defer close(r.loopDone)

	sweep := time.NewTicker(r.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-r.done:
			return

		case c := <-r.register:
			r.handleRegister(c)

		case c := <-r.unregister:
			r.handleUnregister(c)

		case msg := <-r.inbound:
			r.handleInbound(msg)

		case msg := <-r.remote:
			r.fanOut(msg.roomID, msg.data, nil)

		case <-sweep.C:
			r.sweepIdle()
		}
	}
}

// sweepInterval is how often idle connections are looked for
func (r *Relay) sweepInterval() time.Duration {
	if d := r.idleTimeout / 2; d > minSweepInterval {
		return d
	}
	return minSweepInterval
}

// handleRegister adds a connection to its room
func (r *Relay) handleRegister(c *Connection) {
	r.mu.Lock()
	if r.rooms[c.RoomID] == nil {
		r.rooms[c.RoomID] = make(map[*Connection]bool)
	}
	r.rooms[c.RoomID][c] = true
	total := len(r.rooms[c.RoomID])
	r.mu.Unlock()

	log.Printf("  Connection %s joined room %s (total: %d)", c.ID, c.RoomID, total)

	// Buffer is empty at this point, so this can't block
	c.send <- models.NewControlMessage(models.ControlWelcome, c.ID).Encode()

	notice := models.NewControlMessage(models.ControlUserConnected, c.ID).Encode()
	r.fanOut(c.RoomID, notice, c)
	r.publish(c.RoomID, notice)
}

// handleUnregister removes a connection from its room
func (r *Relay) handleUnregister(c *Connection) {
	r.mu.Lock()
	conns, ok := r.rooms[c.RoomID]
	if !ok || !conns[c] {
		r.mu.Unlock()
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.rooms, c.RoomID)
	}
	remaining := len(conns)
	r.mu.Unlock()

	close(c.send)

	log.Printf("  Connection %s left room %s (remaining: %d)", c.ID, c.RoomID, remaining)

	notice := models.NewControlMessage(models.ControlUserDisconnected, c.ID).Encode()
	r.fanOut(c.RoomID, notice, nil)
	r.publish(c.RoomID, notice)
}

// handleInbound stamps a client message and forwards it to the room
func (r *Relay) handleInbound(msg *inboundMessage) {
	c := msg.from
	_, span := middleware.StartSpan(context.Background(), "Relay.Forward",
		attribute.String("room.id", c.RoomID),
		attribute.String("connection.id", c.ID),
		attribute.Int("message.size", len(msg.data)),
	)
	defer span.End()

	stamped, err := stamp(msg.data, c.ID, time.Now())
	if err != nil {
		log.Printf("⚠️  Dropping message from %s: %v", c.ID, err)
		span.RecordError(err)
		return
	}

	delivered := r.fanOut(c.RoomID, stamped, c)
	span.SetAttributes(attribute.Int("message.recipients", delivered))
	r.publish(c.RoomID, stamped)
}

// fanOut queues data on every connection in roomID except exclude and
// returns how many connections it reached. Connections with a full buffer
// are dropped once the fan-out is done; dropping one notifies the room,
// which may in turn drop another.
func (r *Relay) fanOut(roomID string, data []byte, exclude *Connection) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	var slow []*Connection
	for _, c := range targets {
		if !r.member(c) {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		if !r.member(c) {
			continue // already dropped by a nested notice
		}
		// Buffer full - connection is slow/dead
		log.Printf("⚠️  Connection %s buffer full, dropping it", c.ID)
		r.handleUnregister(c)
		c.hangUp()
	}
	return delivered
}

// member reports whether c is still registered in its room
func (r *Relay) member(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[c.RoomID][c]
}

func (r *Relay) publish(roomID string, data []byte) {
	if r.backbone != nil {
		r.backbone.Publish(roomID, data)
	}
}

// deliverRemote is called by the backbone for traffic from other relays
func (r *Relay) deliverRemote(roomID string, data []byte) {
	select {
	case r.remote <- &remoteMessage{roomID: roomID, data: data}:
	case <-r.done:
	}
}

// sweepIdle closes connections that stopped talking. The read pump then
// unregisters them through the normal path.
func (r *Relay) sweepIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	var idle []*Connection
	for _, conns := range r.rooms {
		for c := range conns {
			if c.LastActive().Before(cutoff) {
				idle = append(idle, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range idle {
		log.Printf("  Closing idle connection %s", c.ID)
		c.hangUp()
	}
}

// join hands a new connection to the event loop
func (r *Relay) join(c *Connection) error {
	select {
	case r.register <- c:
		return nil
	case <-r.done:
		return ErrRelayClosed
	}
}

// leave hands a finished connection to the event loop
func (r *Relay) leave(c *Connection) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

// receive hands a client message to the event loop
func (r *Relay) receive(c *Connection, data []byte) bool {
	select {
	case r.inbound <- &inboundMessage{from: c, data: data}:
		return true
	case <-r.done:
		return false
	}
}

// Connections returns the connection ids in a room
func (r *Relay) Connections(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		ids = append(ids, c.ID)
	}
	return ids
}

// Rooms returns the number of connections per active room
func (r *Relay) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for id, conns := range r.rooms {
		out[id] = len(conns)
	}
	return out
}

// Shutdown gracefully closes all connections
func (r *Relay) Shutdown() {
	r.stopOnce.Do(func() {
		log.Println("🛑 Shutting down room relay...")

		close(r.done)
		<-r.loopDone

		if r.backbone != nil {
			if err := r.backbone.Close(); err != nil {
				log.Printf("⚠️  Failed to close backbone: %v", err)
			}
		}

		r.mu.Lock()
		for _, conns := range r.rooms {
			for c := range conns {
				close(c.send) // write pump sends a close frame and exits
			}
		}
		r.rooms = make(map[string]map[*Connection]bool)
		r.mu.Unlock()

		log.Println("✓ Room relay shutdown complete")
	})
}

// stamp adds relay metadata to an opaque JSON object without interpreting
// any other field
func stamp(data []byte, connectionID string, now time.Time) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("message is not a JSON object")
	}

	id, err := json.Marshal(connectionID)
	if err != nil {
		return nil, err
	}
	fields["connectionId"] = id
	fields["timestamp"] = json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10))

	return json.Marshal(fields)
}
