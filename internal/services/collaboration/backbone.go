package collaboration

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

/*
LEARNING: RELAY BACKBONE

One relay process only sees the sockets connected to it. To run several
relays behind a load balancer, every relay republishes what it forwards on
a shared bus and fans out what other relays published:

  relay A ──NOTIFY──▶ Postgres ──LISTEN──▶ relay B ──▶ B's sockets in room

Each payload carries the publishing node id so a relay ignores its own
notifications. Messages are already stamped, so the receiving relay
forwards them unchanged.

NOTIFY payloads are limited to 8000 bytes; larger messages stay local.
*/

// Backbone carries relay traffic between processes
type Backbone interface {
	// Start begins delivering messages published by other nodes
	Start(deliver func(roomID string, data []byte)) error
	// Publish shares a message with other nodes; it must not block
	Publish(roomID string, data []byte)
	Close() error
}

const (
	backboneChannel    = "sketchroom_relay"
	maxNotifyPayload   = 7900
	backboneOutboxSize = 1024
)

type backboneEnvelope struct {
	Node    string          `json:"node"`
	Room    string          `json:"room"`
	Message json.RawMessage `json:"message"`
}

// PostgresBackbone shares relay traffic over Postgres LISTEN/NOTIFY
type PostgresBackbone struct {
	nodeID   string
	db       *sql.DB
	listener *pq.Listener
	outbox   chan backboneEnvelope

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPostgresBackbone connects to the database at dsn
func NewPostgresBackbone(dsn string) (*PostgresBackbone, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open backbone database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach backbone database: %w", err)
	}

	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("⚠️  Backbone listener: %v", err)
		}
	})

	return &PostgresBackbone{
		nodeID:   uuid.NewString(),
		db:       db,
		listener: listener,
		outbox:   make(chan backboneEnvelope, backboneOutboxSize),
		done:     make(chan struct{}),
	}, nil
}

// NodeID identifies this relay on the backbone
func (b *PostgresBackbone) NodeID() string {
	return b.nodeID
}

// Start subscribes to the relay channel
func (b *PostgresBackbone) Start(deliver func(roomID string, data []byte)) error {
	if err := b.listener.Listen(backboneChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", backboneChannel, err)
	}

	b.wg.Add(2)
	go b.receive(deliver)
	go b.drain()

	log.Printf("✓ Relay backbone started (node %s)", b.nodeID)
	return nil
}

func (b *PostgresBackbone) receive(deliver func(roomID string, data []byte)) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; anything missed meanwhile is lost
			if n == nil {
				continue
			}
			var env backboneEnvelope
			if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
				log.Printf("⚠️  Backbone: malformed payload: %v", err)
				continue
			}
			if env.Node == b.nodeID {
				continue
			}
			deliver(env.Room, env.Message)
		}
	}
}

func (b *PostgresBackbone) drain() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case env := <-b.outbox:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := b.db.Exec("SELECT pg_notify($1, $2)", backboneChannel, string(payload)); err != nil {
				log.Printf("⚠️  Backbone publish failed: %v", err)
			}
		}
	}
}

// Publish queues a message for other relays. Oversized messages and
// messages that find the outbox full are kept local.
func (b *PostgresBackbone) Publish(roomID string, data []byte) {
	if len(data) > maxNotifyPayload {
		return
	}
	select {
	case b.outbox <- backboneEnvelope{Node: b.nodeID, Room: roomID, Message: data}:
	default:
		log.Printf("⚠️  Backbone outbox full, message for room %s kept local", roomID)
	}
}

// Close stops the listener and closes the database
func (b *PostgresBackbone) Close() error {
	close(b.done)
	b.wg.Wait()

	lerr := b.listener.Close()
	derr := b.db.Close()
	if lerr != nil {
		return lerr
	}
	return derr
}
