// Package logging provides structured logging for the bridge.
//
// Built on Go's log/slog package, it provides:
//   - JSON output for production (machine-parseable)
//   - Text output for development (human-readable)
//   - Level-based filtering (debug, info, warn, error)
//   - Default fields on every record (service, version)
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("device online",
//	    "device_id", dev.ID,
//	    "host", dev.Host)
//
// Component loggers carry a fixed attribute set:
//
//	wsLog := logger.With("component", "pushchannel")
//
// # Output Destinations
//
// Logs are written to stdout or stderr per configuration. Log rotation
// and shipping are left to the process supervisor (systemd, container
// runtime).
package logging
