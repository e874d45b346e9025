// Fleetcore - device fleet connection and orchestration engine
//
// This is the main entry point for the Fleetcore service. It keeps a
// persistent WebSocket session with every field agent, tracks fleet
// health through heartbeats, routes commands with reply correlation,
// and drives batch upgrade/rollback tasks across the fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/edgewild/fleetcore/migrations"

	"github.com/edgewild/fleetcore/internal/api"
	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/events"
	"github.com/edgewild/fleetcore/internal/gateway"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
	"github.com/edgewild/fleetcore/internal/infrastructure/database"
	"github.com/edgewild/fleetcore/internal/infrastructure/influxdb"
	"github.com/edgewild/fleetcore/internal/infrastructure/logging"
	"github.com/edgewild/fleetcore/internal/infrastructure/mqtt"
	"github.com/edgewild/fleetcore/internal/router"
	"github.com/edgewild/fleetcore/internal/task"
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
	// Cancelled on Ctrl+C or SIGTERM for graceful shutdown.
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
	log.Info("starting Fleetcore",
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

	// Device registry, hydrated from durable storage. Every device
	// starts offline until its agent reconnects.
	deviceRepo := device.NewSQLiteRepository(db)
	registry := device.NewRegistry(deviceRepo, cfg.Registry.Capacity)
	registry.SetLogger(log)
	if hydrateErr := registry.Hydrate(ctx); hydrateErr != nil {
		return fmt.Errorf("hydrating device registry: %w", hydrateErr)
	}
	log.Info("device registry hydrated", "devices", registry.Count())

	// Heartbeat monitor, state syncer, and command router
	monitor := device.NewMonitor(registry, cfg.Heartbeat.Timeout, cfg.Heartbeat.ScanInterval)
	monitor.SetLogger(log)

	syncer := device.NewSyncer(registry, deviceRepo, cfg.Sync.FlushInterval)
	syncer.SetLogger(log)

	commands := router.New(registry)
	commands.SetLogger(log)

	// Task orchestrator. Tasks left running by a previous process
	// cannot resume mid-batch, so they are marked failed for operator
	// review before anything else happens.
	taskRepo := task.NewSQLiteRepository(db)
	orchestrator := task.NewOrchestrator(taskRepo, registry, commands, cfg.Tasks)
	orchestrator.SetLogger(log)
	if recoverErr := orchestrator.RecoverInterrupted(ctx); recoverErr != nil {
		return fmt.Errorf("recovering interrupted tasks: %w", recoverErr)
	}

	// Agent WebSocket gateway
	gw := gateway.New(cfg.WebSocket, registry, monitor, syncer, commands, cfg.Registry.OperationClearDelay)
	gw.SetLogger(log)
	gw.SetTaskSink(orchestrator)

	// Connect to MQTT broker (optional event bridge)
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

		bridge := events.NewBridge(mqttClient)
		bridge.SetLogger(log)
		gw.SetEventSink(bridge)
		orchestrator.SetEvents(bridge)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional metrics sink)
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
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		monitor.SetMetrics(influxClient)
		syncer.SetMetrics(influxClient)
		orchestrator.SetMetrics(influxClient)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Background loops. All share bgCtx and are joined before the
	// deferred Close calls run, so the syncer's final flush completes
	// while the database is still open.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		monitor.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		syncer.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		registry.RunJanitor(bgCtx, cfg.Registry.JanitorInterval, cfg.Registry.OfflineRetention)
	}()
	go func() {
		defer wg.Done()
		orchestrator.RunRetentionSweep(bgCtx)
	}()

	// HTTP server: agent WebSocket endpoint plus the REST control API
	server, err := api.New(api.Deps{
		Config:       cfg.Server,
		WS:           cfg.WebSocket,
		Router:       cfg.Router,
		Logger:       log,
		Registry:     registry,
		Monitor:      monitor,
		Commands:     commands,
		Orchestrator: orchestrator,
		Gateway:      gw,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Stop background loops and wait for the syncer's final flush
	// before the deferred Close chain tears infrastructure down.
	bgCancel()
	wg.Wait()

	log.Info("Fleetcore stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
