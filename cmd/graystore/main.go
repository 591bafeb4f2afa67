// graystore - transactional storage daemon over embedded SQLite
//
// This is the main entry point for the graystore daemon. graystore owns a
// single SQLite database file and fronts it with:
//   - a dual-pool facade (one serialized writer, pooled snapshot readers)
//   - batch-atomic schema migrations
//   - post-commit change observation with cross-process signalling
//   - an optional MQTT changefeed and InfluxDB telemetry
//
// External processes sharing the database file coordinate through the
// signal file next to it; a SIGHUP tells the daemon to adopt a database
// file that an external transfer replaced.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/nerrad567/graystore/migrations"

	"github.com/nerrad567/graystore/internal/changefeed"
	"github.com/nerrad567/graystore/internal/infrastructure/config"
	"github.com/nerrad567/graystore/internal/infrastructure/logging"
	"github.com/nerrad567/graystore/internal/keyvalue"
	"github.com/nerrad567/graystore/internal/storage"
	"github.com/nerrad567/graystore/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// poolStatsInterval is how often pool snapshots go to telemetry.
const poolStatsInterval = 30 * time.Second

func main() {
	reset := flag.Bool("reset", false, "delete the database and all sidecar files, then exit")
	flag.Parse()

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *reset {
		if err := runReset(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Run the daemon
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startupCoordinator gates change delivery on daemon startup. Observers
// are registered and infrastructure wired before it flips ready; touches
// committed before that point are dropped with a diagnostic.
type startupCoordinator struct {
	ready atomic.Bool
}

func (c *startupCoordinator) Ready() bool {
	return c.ready.Load()
}

func (c *startupCoordinator) markReady() {
	c.ready.Store(true)
}

// run is the actual daemon logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting graystore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to InfluxDB (optional)
	var telemetryClient *telemetry.Client
	if cfg.Telemetry.Enabled {
		telemetryClient, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.Telemetry.URL,
			"org", cfg.Telemetry.Org,
			"bucket", cfg.Telemetry.Bucket,
		)

		telemetryClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Build the storage facade
	coordinator := &startupCoordinator{}
	opts := storage.Options{
		Database:    cfg.Database,
		Notifier:    cfg.Notifier,
		Coordinator: coordinator,
		Logger:      log,
	}
	if telemetryClient != nil {
		opts.Metrics = telemetryClient
	}

	store, err := storage.New(opts)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer func() {
		log.Info("closing store")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()

	// Run migrations; the completion callback fires on the store's
	// delivery goroutine once the schema is current.
	if migrateErr := store.RunMigrations(ctx, func() {
		log.Info("schema ready")
	}); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	applied, pending, statusErr := store.MigrationStatus(ctx)
	if statusErr != nil {
		return fmt.Errorf("reading migration status: %w", statusErr)
	}
	log.Info("database migrated",
		"path", cfg.Database.Path,
		"applied", len(applied),
		"pending", len(pending),
	)

	// React to writes from sibling processes sharing the database file.
	store.OnCrossProcessWrite(func() {
		log.Info("external write detected")
	})
	store.SetActive(true)

	// Connect the changefeed (optional)
	var feedClient *changefeed.Client
	if cfg.Changefeed.Enabled {
		feedClient, err = changefeed.Connect(cfg.Changefeed)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := feedClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.Changefeed.Broker.Host, cfg.Changefeed.Broker.Port),
			"client_id", cfg.Changefeed.Broker.ClientID,
		)

		feedClient.SetLogger(log)
		feedClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		feedClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		feed := changefeed.NewFeed(feedClient, byte(cfg.Changefeed.QoS)) // #nosec G115 -- QoS validated 0..2 by config
		feed.SetLogger(log)
		feed.Attach(store)
	} else {
		log.Info("changefeed disabled")
	}

	// Rewarm notice for dependents after a transferred database is adopted.
	store.OnReload(func() {
		log.Info("storage reloaded, dependents rewarmed")
	})

	// Adopt a transferred database file on SIGHUP.
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(reloadCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				log.Info("SIGHUP received, adopting transferred database")
				result := store.ReloadTransferredDatabase(ctx)
				if result.Outcome == storage.ReloadRelaunchRequired {
					log.Error("transferred database unusable, shutting down for relaunch", "error", result.Err)
					// The supervisor restarts the daemon against whatever
					// file state the transfer left behind.
					raise(syscall.SIGTERM)
				}
			}
		}
	}()

	// Verify infrastructure is healthy before declaring readiness
	if err := healthCheck(ctx, store, feedClient, telemetryClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Startup complete: open the delivery gate, then stamp the boot.
	coordinator.markReady()

	repo := keyvalue.NewRepository(store)
	if metaErr := repo.SetMeta(ctx, "last_started_at", time.Now().UTC().Format(time.RFC3339)); metaErr != nil {
		return fmt.Errorf("stamping boot time: %w", metaErr)
	}

	// Periodic pool snapshots for telemetry
	if telemetryClient != nil {
		go samplePoolStats(ctx, store, telemetryClient, log)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. MQTT (if enabled)
	// 2. Store (drains pending completions)
	// 3. InfluxDB (if enabled)

	log.Info("graystore stopped")
	return nil
}

// runReset deletes the database file and every sidecar artifact, then
// exits. Destructive and deliberate: only reachable via the -reset flag.
func runReset() error {
	log := logging.Default()

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)

	coordinator := &startupCoordinator{}
	store, err := storage.New(storage.Options{
		Database:    cfg.Database,
		Notifier:    cfg.Notifier,
		Coordinator: coordinator,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close() //nolint:errcheck // Best effort cleanup after reset

	if err := store.ResetAllStorage(); err != nil {
		return fmt.Errorf("resetting storage: %w", err)
	}

	log.Info("storage reset complete", "path", cfg.Database.Path)
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYSTORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYSTORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - store: Storage facade to check
//   - feedClient: MQTT client to check (may be nil if disabled)
//   - telemetryClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, store *storage.Store, feedClient *changefeed.Client, telemetryClient *telemetry.Client) error {
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if feedClient != nil {
		if err := feedClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("changefeed: %w", err)
		}
	}

	if telemetryClient != nil {
		if err := telemetryClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}

// samplePoolStats periodically records connection pool snapshots.
func samplePoolStats(ctx context.Context, store *storage.Store, tc *telemetry.Client, log *logging.Logger) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := store.Stats()
			if err != nil {
				log.Warn("reading pool stats failed", "error", err)
				continue
			}
			tc.RecordPoolStats(stats)
		}
	}
}

// raise sends a signal to the current process.
func raise(sig syscall.Signal) {
	_ = syscall.Kill(os.Getpid(), sig) //nolint:errcheck // Best effort self-signal
}
