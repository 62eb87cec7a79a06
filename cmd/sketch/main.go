package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sketchroom/internal/client"
	"sketchroom/internal/config"
	"sketchroom/internal/discovery"
	"sketchroom/internal/models"
	"sketchroom/internal/services"

	"github.com/google/uuid"
)

/*
LEARNING: HEADLESS ROOM CLIENT

A command-line participant: joins a room, optionally draws a stroke, and logs
how the shared canvas changes. Handy for smoke-testing a relay and for
watching a room from a terminal.

Without -relay it browses the LAN over mDNS and joins the first relay found.
*/

func main() {
	relayURL := flag.String("relay", "", "relay base URL (default: discover over mDNS)")
	room := flag.String("room", "lobby", "room id")
	userID := flag.String("user", "", "user id (default: random)")
	name := flag.String("name", "sketch-cli", "display name")
	color := flag.String("color", "#3366ff", "cursor and stroke color")
	demo := flag.Bool("demo", false, "draw a spiral after joining")
	discoverFor := flag.Duration("discover", 2*time.Second, "mDNS browse timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	if *relayURL == "" {
		*relayURL = discoverRelay(*discoverFor)
	}
	if *userID == "" {
		*userID = uuid.NewString()
	}

	user := models.User{ID: *userID, Name: *name, Color: *color}

	// Learning: Saves run on their own worker pool so drawing never waits
	// on the snapshot API
	store := client.NewHTTPSnapshotStore(*relayURL)
	saver := services.NewSnapshotService(store, cfg.SnapshotWorkers, cfg.SnapshotQueueSize, cfg.SnapshotSaveRetries)
	saver.Start()

	c := client.New(client.Options{
		URL:           *relayURL,
		RoomID:        *room,
		User:          user,
		Store:         store,
		Saver:         saver,
		ReorderBuffer: 64,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("❌ Failed to join room %s: %v", *room, err)
	}

	if *demo {
		drawSpiral(c, *color)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastStrokes, lastPeers = -1, -1
	for running := true; running; {
		select {
		case <-quit:
			running = false
		case <-c.Done():
			log.Printf("⚠️  Lost connection to room %s, reconnecting...", *room)
			running = reconnect(c, quit)
		case <-ticker.C:
			strokes := len(c.State().Strokes())
			peers := c.State().Collaborators()
			if strokes != lastStrokes || len(peers) != lastPeers {
				lastStrokes, lastPeers = strokes, len(peers)
				log.Printf("  room %s: %d strokes, %d collaborators %s", *room, strokes, len(peers), describe(peers))
			}
		}
	}

	log.Println("🛑 Leaving room...")

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Close(ctx)
	saver.Shutdown(5 * time.Second)

	st := c.Stats()
	log.Printf("✓ Sent %d, discarded %d, malformed %d, saves %+v", st.Sent, st.Discarded, st.Malformed, saver.Stats())
}

// reconnect retries with backoff until it succeeds or a signal arrives.
// Reports whether the client is connected again.
func reconnect(c *client.Client, quit <-chan os.Signal) bool {
	backoff := time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Reconnect(ctx)
		cancel()
		if err == nil {
			return true
		}
		log.Printf("⚠️  Reconnect failed, retrying in %v: %v", backoff, err)

		select {
		case <-quit:
			return false
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// discoverRelay returns the first relay answering on the LAN
func discoverRelay(timeout time.Duration) string {
	log.Printf("🔎 Looking for relays on the local network...")
	relays, err := discovery.Browse(timeout)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if len(relays) == 0 {
		log.Fatalf("❌ No relay found; pass -relay")
	}
	for _, r := range relays {
		log.Printf("  found %s at %s (version %s)", r.Name, r.Addr, r.Version)
	}
	return relays[0].URL()
}

func drawSpiral(c *client.Client, color string) {
	const steps = 60
	cx, cy := 400.0, 300.0

	id := c.BeginStroke(models.NewPoint(cx, cy), color, 3, models.ToolBrush)
	for i := 1; i <= steps; i++ {
		angle := float64(i) * 0.3
		radius := float64(i) * 3
		x, y := cx+radius*math.Cos(angle), cy+radius*math.Sin(angle)

		c.MoveCursor(x, y)
		c.ExtendStroke(id, models.NewPoint(x, y))
		time.Sleep(16 * time.Millisecond)
	}
	c.EndStroke(id)
	c.LeaveCursor()

	log.Printf("✓ Drew stroke %s", id)
}

func describe(peers []models.Collaborator) string {
	if len(peers) == 0 {
		return ""
	}
	s := "["
	for i, p := range peers {
		if i > 0 {
			s += ", "
		}
		label := p.Name
		if label == "" {
			label = p.ID
		}
		if p.IsDrawing {
			label += " ✏️"
		}
		s += label
	}
	return s + "]"
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nJoin a sketchroom room from the terminal.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
