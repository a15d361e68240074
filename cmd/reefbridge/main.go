// Reef Bridge Core - Neptune Apex integration daemon
//
// This is the main entry point for the Reef Bridge Core application.
// Reef Bridge polls a Neptune Apex aquarium controller over its local HTTP
// interfaces and republishes state to MQTT (with Home Assistant discovery),
// a local REST/WebSocket API, and InfluxDB telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/reeflabs/reefbridge-core/migrations"

	"github.com/reeflabs/reefbridge-core/internal/api"
	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/bridge/ha"
	"github.com/reeflabs/reefbridge-core/internal/control"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/config"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/database"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/influxdb"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/mqtt"
	"github.com/reeflabs/reefbridge-core/internal/poller"
	"github.com/reeflabs/reefbridge-core/internal/recorder"
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

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Reef Bridge Core",
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

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Controller HTTP client
	client := apex.NewClient(apex.ClientConfig{
		Host:       cfg.Controller.Host,
		Username:   cfg.Controller.Username,
		Password:   cfg.Controller.Password,
		StatusPath: cfg.Controller.StatusPath,
		Timeout:    time.Duration(cfg.Controller.TimeoutSeconds) * time.Second,
	}, log)
	defer func() {
		logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer logoutCancel()
		client.Close(logoutCtx)
	}()

	// Learn the controller's hostname for identity slugging. Fall back to
	// the configured host if the controller is unreachable at startup; the
	// coordinator keeps retrying once running.
	hostname := cfg.Controller.Host
	if snap, fetchErr := client.FetchStatus(ctx); fetchErr == nil && snap.Meta.Hostname != "" {
		hostname = snap.Meta.Hostname
	} else if fetchErr != nil {
		log.Warn("initial status fetch failed, deriving identity from configured host",
			"host", cfg.Controller.Host,
			"error", fetchErr,
		)
	}

	// Identity store and resolver
	store := identity.NewStore(db)
	resolver, err := identity.NewResolver(ctx, hostname, store)
	if err != nil {
		return fmt.Errorf("initialising identity resolver: %w", err)
	}
	log.Info("controller identity resolved", "slug", resolver.ControllerSlug())

	// Poll coordinator
	coordinator := poller.New(client, resolver, poller.Options{
		StatusInterval: cfg.Polling.StatusInterval,
		ConfigInterval: cfg.Polling.ConfigInterval,
		BackoffMax:     cfg.Polling.BackoffMax,
		RateLimitFloor: cfg.Polling.RateLimitFloor,
	}, log)

	// Command dispatcher
	dispatcher := control.New(client, coordinator, cfg.Controller.ReadOnly, log)
	if cfg.Controller.ReadOnly {
		log.Info("read-only mode enabled, controller writes are rejected")
	}

	// Connect to MQTT broker and start the HA bridge (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge := ha.New(mqttClient, dispatcher, resolver.ControllerSlug(), ha.Options{
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			QoS:             byte(cfg.MQTT.QoS),
		}, log)
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting HA bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping HA bridge")
			bridge.Stop()
		}()
		coordinator.Subscribe(bridge.HandleSnapshot)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB and wire the telemetry recorder (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
		)

		rec := recorder.New(influxClient, resolver.ControllerSlug(), log)
		coordinator.Subscribe(rec.HandleSnapshot)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start polling once all listeners are registered so the first snapshot
	// reaches every consumer.
	coordinator.Start(ctx)
	defer func() {
		log.Info("stopping poll coordinator")
		coordinator.Stop()
	}()

	// Local REST/WebSocket API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Poller:   coordinator,
			Commands: dispatcher,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Poll coordinator
	// 3. InfluxDB (if enabled)
	// 4. HA bridge and MQTT (if enabled)
	// 5. Controller client
	// 6. Database

	log.Info("Reef Bridge Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses REEFBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("REEFBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
