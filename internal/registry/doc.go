// Package registry tracks the active device entries for a bridge instance.
//
// Each entry pairs a device's configuration with its running controller
// (protocol client plus coordinator). The registry owns controller
// lifecycle: Add starts polling, Remove stops it, StopAll tears everything
// down at shutdown.
//
// Control actions from external surfaces (MQTT commands, HTTP API calls)
// route through Dispatch, which resolves the target entry and applies the
// single-device shorthand: an empty target is unambiguous when exactly one
// device is configured.
//
// Setup flows use Discover to locate candidate devices by broadcast and
// Validate to confirm a host is a reachable, identifiable device before
// committing it to configuration.
package registry
