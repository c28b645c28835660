/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral reward distribution engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, then flag overrides)
  2. Initialize SQLite store (edges + ledger + queue)
  3. Wire resolver, distributor, and recovery service
  4. Start the worker pool and the recovery sweeper
  5. Start HTTP server with graceful shutdown

CONFIGURATION:
  Environment variables (flags override PORT and DB_PATH):
    PORT             HTTP server port (default: 8080)
    DB_PATH          SQLite database path (default: referrals.db)
    WORKERS          Distribution worker count (default: 4)
    SWEEP_INTERVAL   Recovery sweep cadence (default: 30s)
    MAX_RETRIES      Retries before dead-lettering (default: 5)
    CHAIN_CACHE_TTL  Resolved chain cache TTL (default: 5m)
    STATS_CACHE_TTL  Stats cache TTL (default: 30s)
    TIER_CONFIG      Optional path to a tier table JSON file

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the worker pool and recovery sweeper (in-flight jobs finish)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/referrals.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - referral/distributor.go: The engine started here
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

// Config is loaded from the environment; PORT and DB_PATH can be
// overridden by flags for local convenience.
type Config struct {
	Port          int           `env:"PORT" envDefault:"8080"`
	DBPath        string        `env:"DB_PATH" envDefault:"referrals.db"`
	Workers       int           `env:"WORKERS" envDefault:"4"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"5"`
	ChainCacheTTL time.Duration `env:"CHAIN_CACHE_TTL" envDefault:"5m"`
	StatsCacheTTL time.Duration `env:"STATS_CACHE_TTL" envDefault:"30s"`
	TierConfig    string        `env:"TIER_CONFIG"`
}

func main() {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flags override environment for the two most commonly tweaked knobs
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.DBPath = *dbPath

	// Tier table: default rates unless a config file is provided
	tiers := referral.DefaultTierTable()
	if cfg.TierConfig != "" {
		data, err := os.ReadFile(cfg.TierConfig)
		if err != nil {
			log.Fatalf("Failed to read tier config: %v", err)
		}
		tiers, err = referral.ParseTierTable(data)
		if err != nil {
			log.Fatalf("Invalid tier config: %v", err)
		}
	}

	// Initialize store (serves as edge store, ledger store, and queue)
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the engine
	resolver := referral.NewCachedResolver(store, tiers, cfg.ChainCacheTTL)
	ledger := referral.NewLedger(store)
	distributor := referral.NewDistributor(resolver, ledger, store, tiers, cfg.StatsCacheTTL)
	distributor.Workers = cfg.Workers

	recovery := referral.NewRecoveryService(ledger, store, resolver)
	recovery.SweepInterval = cfg.SweepInterval
	recovery.MaxRetries = cfg.MaxRetries

	// One sweep before serving traffic picks up work orphaned by a
	// previous crash.
	recovery.Sweep(context.Background())

	distributor.Start()
	defer distributor.Stop()
	recovery.Start()
	defer recovery.Stop()

	// HTTP layer
	handler := api.NewHandler(distributor, resolver, ledger, recovery)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", cfg.Port)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
