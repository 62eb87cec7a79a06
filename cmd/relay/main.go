package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sketchroom/internal/api"
	"sketchroom/internal/config"
	"sketchroom/internal/db"
	"sketchroom/internal/discovery"
	"sketchroom/internal/repository"
	"sketchroom/internal/services/collaboration"
	"sketchroom/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function wires the relay:
1. Tracing first, so everything after it is traced
2. Snapshot store (Postgres via GORM, or embedded SQLite)
3. Relay event loop, optionally joined to other relays via the backbone
4. HTTP server for the REST API and websocket upgrades
5. Shutdown in reverse order on SIGINT/SIGTERM
*/

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

// closer is anything main has to release on exit
type closer interface {
	Close() error
}

func main() {
	log.Println("🚀 Starting sketchroom relay...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown := telemetry.ShutdownFunc(telemetry.Noop)
	if cfg.TracingEnabled {
		if jaegerShutdown, err = telemetry.InitJaeger("sketchroom-relay", version, cfg.JaegerEndpoint); err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
			jaegerShutdown = telemetry.Noop
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize snapshot store
	snapshots, store := openSnapshotStore(cfg)
	defer store.Close()

	// Initialize the room relay
	opts := []collaboration.RelayOption{
		collaboration.WithSendBuffer(cfg.RelaySendBuffer),
		collaboration.WithIdleTimeout(cfg.RelayIdleTimeout),
	}
	if cfg.BackboneEnabled {
		backbone, err := collaboration.NewPostgresBackbone(cfg.DatabaseURL())
		if err != nil {
			log.Fatalf("❌ Failed to connect relay backbone: %v", err)
		}
		opts = append(opts, collaboration.WithBackbone(backbone))
	}

	relay := collaboration.NewRelay(opts...)
	if err := relay.Start(); err != nil {
		log.Fatalf("❌ Failed to start relay: %v", err)
	}

	// Initialize handlers with dependency injection
	wsHandler := collaboration.NewWebSocketHandler(relay)
	handler := api.NewHandler(snapshots, relay, wsHandler)

	// Setup routes
	router := api.SetupRoutes(handler)

	// Configure HTTP server
	// Learning: The upgrader clears these deadlines on hijacked websocket
	// connections, so they only bound plain REST requests
	addr := cfg.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Printf("🌐 Relay listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   WS     /ws/rooms/:id            - Join a room")
		log.Printf("   GET    /api/rooms/:id/snapshot  - Load snapshot")
		log.Printf("   PUT    /api/rooms/:id/snapshot  - Save snapshot")
		log.Printf("   DELETE /api/rooms/:id/snapshot  - Delete snapshot")
		log.Printf("   GET    /api/rooms               - Live rooms")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Advertise on the LAN so clients can find us without an address
	var advertiser interface{ Shutdown() error }
	if cfg.MDNSEnabled {
		port, err := strconv.Atoi(cfg.ServerPort)
		if err != nil {
			log.Printf("⚠️  mDNS disabled: bad SERVER_PORT %q", cfg.ServerPort)
		} else if adv, err := discovery.Advertise(port, version); err != nil {
			log.Printf("⚠️  mDNS disabled: %v", err)
		} else {
			advertiser = adv
		}
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down relay...")

	if advertiser != nil {
		advertiser.Shutdown()
	}

	// Shutdown HTTP server with timeout
	// Learning: Server.Shutdown does not wait for hijacked websockets;
	// relay.Shutdown closes those
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	relay.Shutdown()

	log.Println("✓ Relay shutdown complete")
}

// openSnapshotStore picks the snapshot backend from config
func openSnapshotStore(cfg *config.Config) (api.SnapshotRepository, closer) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		return repository.NewSnapshotRepository(database.DB), database

	default:
		repo, err := repository.OpenSQLiteSnapshotRepository(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("❌ Failed to open sqlite store: %v", err)
		}
		log.Printf("✓ Snapshot store: sqlite at %s", cfg.SQLitePath)
		return repo, repo
	}
}
