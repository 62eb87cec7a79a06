package collaboration

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sketchroom/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

func startRelay(t *testing.T, opts ...RelayOption) (*Relay, string) {
	t.Helper()
	relay := NewRelay(opts...)
	if err := relay.Start(); err != nil {
		t.Fatal(err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/rooms/{id}", NewWebSocketHandler(relay).HandleRoomConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		relay.Shutdown()
		srv.Close()
	})

	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, room, connID string) *websocket.Conn {
	t.Helper()
	url := base + "/ws/rooms/" + room
	if connID != "" {
		url += "?connection_id=" + connID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("frame type %d, want text", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func expectControl(t *testing.T, conn *websocket.Conn, typ models.ControlType, connID string) {
	t.Helper()
	m := readJSON(t, conn)
	if m["type"] != string(typ) || m["connectionId"] != connID {
		t.Fatalf("got %v, want %s for %s", m, typ, connID)
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message %s", data)
	}
}

func TestRelay_PresenceAndForwarding(t *testing.T) {
	_, base := startRelay(t)

	a := dial(t, base, "room1", "conn-a")
	expectControl(t, a, models.ControlWelcome, "conn-a")

	b := dial(t, base, "room1", "conn-b")
	expectControl(t, b, models.ControlWelcome, "conn-b")
	expectControl(t, a, models.ControlUserConnected, "conn-b")

	msg := `{"type":"cursor-move","v":1,"userId":"u1","x":1,"y":2,"connectionId":"forged"}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	got := readJSON(t, b)
	if got["connectionId"] != "conn-a" {
		t.Fatalf("connectionId = %v, want relay stamp", got["connectionId"])
	}
	if ts, ok := got["timestamp"].(float64); !ok || ts <= 0 {
		t.Fatalf("timestamp = %v", got["timestamp"])
	}
	if got["userId"] != "u1" || got["x"] != 1.0 {
		t.Fatalf("payload altered: %v", got)
	}

	// Never echoed to the sender
	expectSilence(t, a)

	b.Close()
	expectControl(t, a, models.ControlUserDisconnected, "conn-b")
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	relay, base := startRelay(t)

	a := dial(t, base, "red", "a")
	expectControl(t, a, models.ControlWelcome, "a")
	b := dial(t, base, "blue", "b")
	expectControl(t, b, models.ControlWelcome, "b")

	a.WriteMessage(websocket.TextMessage, []byte(`{"type":"clear-canvas","userId":"u"}`))
	expectSilence(t, b)

	rooms := relay.Rooms()
	if rooms["red"] != 1 || rooms["blue"] != 1 {
		t.Fatalf("rooms = %v", rooms)
	}
	if ids := relay.Connections("red"); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("connections = %v", ids)
	}
}

func TestRelay_PreservesSenderOrder(t *testing.T) {
	_, base := startRelay(t)

	a := dial(t, base, "room", "a")
	expectControl(t, a, models.ControlWelcome, "a")
	b := dial(t, base, "room", "b")
	expectControl(t, b, models.ControlWelcome, "b")
	expectControl(t, a, models.ControlUserConnected, "b")

	const n = 100
	for i := 0; i < n; i++ {
		op := models.StrokeUpdate{StrokeID: "s", Point: models.Point{X: float64(i)}}
		data, err := models.EncodeOperation(op)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < n; i++ {
		got := readJSON(t, b)
		p := got["point"].(map[string]any)
		if p["x"] != float64(i) {
			t.Fatalf("message %d carries x=%v", i, p["x"])
		}
	}
}

func TestRelay_GeneratesConnectionID(t *testing.T) {
	_, base := startRelay(t)

	a := dial(t, base, "room", "")
	m := readJSON(t, a)
	if m["type"] != string(models.ControlWelcome) {
		t.Fatalf("got %v", m)
	}
	if id, _ := m["connectionId"].(string); len(id) != 27 {
		t.Fatalf("generated id %q is not a KSUID", id)
	}
}

func TestRelay_DropsNonObjectMessages(t *testing.T) {
	_, base := startRelay(t)

	a := dial(t, base, "room", "a")
	expectControl(t, a, models.ControlWelcome, "a")
	b := dial(t, base, "room", "b")
	expectControl(t, b, models.ControlWelcome, "b")

	a.WriteMessage(websocket.TextMessage, []byte(`not json`))
	a.WriteMessage(websocket.TextMessage, []byte(`[1,2]`))
	a.WriteMessage(websocket.TextMessage, []byte(`{"type":"user-leave","userId":"u"}`))

	// Only the object makes it through
	if got := readJSON(t, b); got["type"] != "user-leave" {
		t.Fatalf("got %v", got)
	}
}

func TestStamp(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	out, err := stamp([]byte(`{"type":"x","nested":{"a":[1,2]},"timestamp":5}`), "c1", now)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if m["connectionId"] != "c1" || m["timestamp"] != float64(1700000000123) {
		t.Fatalf("stamped %v", m)
	}
	if nested := m["nested"].(map[string]any); len(nested["a"].([]any)) != 2 {
		t.Fatalf("nested field altered: %v", m)
	}

	for _, bad := range []string{``, `null`, `"str"`, `[]`} {
		if _, err := stamp([]byte(bad), "c1", now); err == nil {
			t.Errorf("stamp(%q) succeeded", bad)
		}
	}
}

type fakeBackbone struct {
	mu        sync.Mutex
	deliver   func(roomID string, data []byte)
	published []string
	closed    bool
}

func (f *fakeBackbone) Start(deliver func(roomID string, data []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = deliver
	return nil
}

func (f *fakeBackbone) Publish(roomID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, roomID+" "+string(data))
}

func (f *fakeBackbone) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackbone) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func TestRelay_Backbone(t *testing.T) {
	bb := &fakeBackbone{}
	relay, base := startRelay(t, WithBackbone(bb))

	a := dial(t, base, "room", "a")
	expectControl(t, a, models.ControlWelcome, "a")

	// Traffic from another node reaches local sockets unchanged
	remote := `{"type":"user-leave","userId":"u9","connectionId":"elsewhere","timestamp":1}`
	bb.deliver("room", []byte(remote))
	if got := readJSON(t, a); got["connectionId"] != "elsewhere" {
		t.Fatalf("got %v", got)
	}

	// Local traffic is republished after stamping
	a.WriteMessage(websocket.TextMessage, []byte(`{"type":"clear-canvas","userId":"u1"}`))
	deadline := time.Now().Add(2 * time.Second)
	for {
		var found bool
		for _, p := range bb.snapshot() {
			if strings.HasPrefix(p, "room ") && strings.Contains(p, `"connectionId":"a"`) &&
				strings.Contains(p, "clear-canvas") {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("published %v", bb.snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}

	relay.Shutdown()
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if !bb.closed {
		t.Fatal("backbone not closed on shutdown")
	}
}

// seat registers a connection without a socket and returns it
func seat(r *Relay, room, id string, buffer int) *Connection {
	c := newConnection(r, models.NewSession(room, id, ""), nil)
	c.send = make(chan []byte, buffer)
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Connection]bool)
	}
	r.rooms[room][c] = true
	return c
}

// drain empties a send buffer and reports whether it was closed
func drain(ch chan []byte) (msgs []string, closed bool) {
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return msgs, true
			}
			msgs = append(msgs, string(m))
		default:
			return msgs, false
		}
	}
}

func TestRelay_DropsSlowConsumer(t *testing.T) {
	relay := NewRelay(WithSendBuffer(1))
	slow := seat(relay, "room", "slow", 1)
	fast := seat(relay, "room", "fast", 8)
	sender := seat(relay, "room", "sender", 8)
	slow.send <- []byte(`{}`)

	relay.handleInbound(&inboundMessage{from: sender, data: []byte(`{"type":"clear-canvas","userId":"u"}`)})

	if _, closed := drain(slow.send); !closed {
		t.Fatal("slow connection's buffer was not closed")
	}
	msgs, _ := drain(fast.send)
	if len(msgs) != 2 || !strings.Contains(msgs[0], "clear-canvas") ||
		!strings.Contains(msgs[1], `"user-disconnected"`) || !strings.Contains(msgs[1], `"slow"`) {
		t.Fatalf("fast got %v", msgs)
	}
	if ids := relay.Connections("room"); len(ids) != 2 {
		t.Fatalf("connections = %v", ids)
	}
}

func TestRelay_DropsTwoSlowConsumers(t *testing.T) {
	relay := NewRelay(WithSendBuffer(1))
	a := seat(relay, "room", "a", 1)
	b := seat(relay, "room", "b", 1)
	sender := seat(relay, "room", "sender", 8)
	a.send <- []byte(`{}`)
	b.send <- []byte(`{}`)

	// The user-disconnected notice for one slow peer finds the other one
	// full as well; both must be dropped exactly once
	relay.handleInbound(&inboundMessage{from: sender, data: []byte(`{"type":"clear-canvas","userId":"u"}`)})

	for _, c := range []*Connection{a, b} {
		if _, closed := drain(c.send); !closed {
			t.Fatalf("%s not dropped", c.ID)
		}
	}
	if ids := relay.Connections("room"); len(ids) != 1 || ids[0] != "sender" {
		t.Fatalf("connections = %v", ids)
	}
	msgs, _ := drain(sender.send)
	disconnects := 0
	for _, m := range msgs {
		if strings.Contains(m, `"user-disconnected"`) {
			disconnects++
		}
	}
	if disconnects != 2 {
		t.Fatalf("sender got %v", msgs)
	}
}

func TestRelay_ClosesIdleConnections(t *testing.T) {
	relay, base := startRelay(t, WithIdleTimeout(200*time.Millisecond))

	a := dial(t, base, "room", "a")
	expectControl(t, a, models.ControlWelcome, "a")

	a.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("idle connection still open")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(relay.Rooms()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("rooms = %v", relay.Rooms())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelay_TinyIdleTimeout(t *testing.T) {
	relay := NewRelay(WithIdleTimeout(time.Nanosecond))
	if d := relay.sweepInterval(); d != minSweepInterval {
		t.Fatalf("sweep interval = %v", d)
	}
	if err := relay.Start(); err != nil {
		t.Fatal(err)
	}
	relay.Shutdown()
}
