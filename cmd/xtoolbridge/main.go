// xTool Bridge - laser cutter network integration
//
// This is the main entry point for the bridge daemon. It polls xTool laser
// cutters over their local HTTP interface, listens to their WebSocket push
// channel, and relays state to MQTT and a REST/WebSocket API for home
// automation systems.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/darrenwf/xtool-bridge/internal/api"
	"github.com/darrenwf/xtool-bridge/internal/bridge"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/config"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/logging"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/mqtt"
	"github.com/darrenwf/xtool-bridge/internal/registry"
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
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting xTool Bridge",
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

	// Initialise the device registry and start a coordinator for every
	// configured device. Unreachable devices are still registered; their
	// poll loops recover when the device comes online.
	reg := registry.New(nil, log)
	defer func() {
		log.Info("stopping device coordinators")
		reg.StopAll()
	}()

	for _, dev := range cfg.Devices {
		entry, addErr := reg.Add(ctx, dev)
		if addErr != nil {
			return fmt.Errorf("registering device %q: %w", dev.Host, addErr)
		}
		log.Info("device registered",
			"entry_id", entry.ID,
			"host", entry.Host,
			"poll_interval", dev.GetPollInterval(),
			"push_channel", dev.PushEnabled(),
		)
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
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

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Start the MQTT relay (requires a broker connection)
	var mqttBridge *bridge.Bridge
	if mqttClient != nil {
		mqttBridge, err = bridge.New(bridge.Options{
			BridgeID: cfg.Bridge.ID,
			Version:  version,
			QoS:      byte(cfg.MQTT.QoS),
			MQTT:     mqttClient,
			Registry: reg,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("creating MQTT relay: %w", err)
		}
		if startErr := mqttBridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT relay: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT relay")
			mqttBridge.Stop()
		}()
		log.Info("MQTT relay started", "bridge_id", cfg.Bridge.ID)
	}

	// Start the REST/WebSocket API server (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = startAPIServer(ctx, cfg, reg, mqttBridge, log)
		if err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, mqttClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. MQTT relay
	// 3. MQTT client
	// 4. Device coordinators

	log.Info("xTool Bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses XTOOL_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("XTOOL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startAPIServer initialises and starts the REST/WebSocket API server.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - cfg: Application configuration
//   - reg: Device registry
//   - mqttBridge: MQTT relay (may be nil when MQTT is disabled)
//   - log: Logger instance
//
// Returns:
//   - *api.Server: Running API server
//   - error: If the server fails to start
func startAPIServer(ctx context.Context, cfg *config.Config, reg *registry.Registry, mqttBridge *bridge.Bridge, log *logging.Logger) (*api.Server, error) {
	// Avoid a typed-nil interface when the relay is disabled
	var watcher api.EntryWatcher
	if mqttBridge != nil {
		watcher = mqttBridge
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Discovery: cfg.Discovery,
		Logger:    log,
		Registry:  reg,
		Watcher:   watcher,
		Version:   version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	return server, nil
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - apiServer: API server to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, apiServer *api.Server) error {
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	// Device coordinators report health via MQTT; an unreachable laser is
	// not a startup failure.

	return nil
}
