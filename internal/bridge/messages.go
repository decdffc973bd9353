package bridge

import (
	"time"

	"github.com/darrenwf/xtool-bridge/internal/coordinator"
)

// MQTT message types for the bridge's broker surface.

// CommandMessage is received on xtool/command/{entry_id} to execute a
// job-control action on a device.
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is the job-control action ("pause", "resume", "stop").
	Action string `json:"action"`

	// Source indicates where the command originated (e.g. "automation",
	// "panel"). Informational only.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was delivered to the device.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is published on xtool/ack/{entry_id} to acknowledge a command.
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// EntryID is the device entry the command targeted.
	EntryID string `json:"entry_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Error contains details if status is "failed".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeCommandRejected   = "COMMAND_REJECTED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is published retained on xtool/state/{entry_id} after every
// successful poll (and after push-event merges).
type StateMessage struct {
	// EntryID is the device entry identifier.
	EntryID string `json:"entry_id"`

	// Timestamp is when the state was published (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State is the coordinator's current snapshot.
	State *coordinator.State `json:"state"`

	// Stale is true when the most recent poll failed and State is the
	// last known good snapshot.
	Stale bool `json:"stale"`
}

// EventMessage is published (not retained) on xtool/event/{entry_id} for
// each push-channel event.
type EventMessage struct {
	// EntryID is the device entry identifier.
	EntryID string `json:"entry_id"`

	// Timestamp is when the event was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Event is the raw push-channel payload, forwarded as an opaque
	// display value.
	Event string `json:"event"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published retained on xtool/health to report
// operational status.
type HealthMessage struct {
	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// DevicesManaged is the number of configured devices.
	DevicesManaged int `json:"devices_managed"`

	// Devices lists per-device health.
	Devices []DeviceHealth `json:"devices,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// DeviceHealth describes the health of one managed device.
type DeviceHealth struct {
	// EntryID is the device entry identifier.
	EntryID string `json:"entry_id"`

	// Host is the device address.
	Host string `json:"host"`

	// Status is "polling", "stale" (last poll failed), or "stopped".
	Status string `json:"status"`
}

// NewAckMessage creates an acknowledgment for a successfully delivered
// command.
func NewAckMessage(cmd CommandMessage, entryID string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		EntryID:   entryID,
		Status:    AckAccepted,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, entryID, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		EntryID:   entryID,
		Status:    AckFailed,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(entryID string, state *coordinator.State, stale bool) StateMessage {
	return StateMessage{
		EntryID:   entryID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Stale:     stale,
	}
}

// NewEventMessage creates an event message for a push-channel payload.
func NewEventMessage(entryID, event string) EventMessage {
	return EventMessage{
		EntryID:   entryID,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}
}
