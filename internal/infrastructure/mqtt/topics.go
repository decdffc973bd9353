package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the bridge's MQTT surface.
//
// All device topics use the flat scheme: xtool/{category}/{entry_id}
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "xtool"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "xtool/system"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("laser-workshop")
//	// Returns: "xtool/state/laser-workshop"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceState returns the topic for device state snapshots.
// Published retained after every successful poll.
//
// Example: xtool/state/laser-workshop
func (Topics) DeviceState(entryID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, entryID)
}

// DeviceCommand returns the topic for control commands to a device.
//
// Example: xtool/command/laser-workshop
func (Topics) DeviceCommand(entryID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, entryID)
}

// DeviceAck returns the topic for command acknowledgements.
//
// Example: xtool/ack/laser-workshop
func (Topics) DeviceAck(entryID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, entryID)
}

// DeviceEvent returns the topic for push-channel events.
// Not retained; events are transient.
//
// Example: xtool/event/laser-workshop
func (Topics) DeviceEvent(entryID string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, entryID)
}

// =============================================================================
// Bridge Topics
// =============================================================================

// Health returns the topic for bridge health status.
//
// Example: xtool/health
func (Topics) Health() string {
	return fmt.Sprintf("%s/health", TopicPrefix)
}

// Discovery returns the topic for broadcast discovery results.
//
// Example: xtool/discovery
func (Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery", TopicPrefix)
}

// SystemStatus returns the system status topic, also used for the LWT.
//
// Example: xtool/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceCommands returns a pattern matching commands for every device.
//
// Pattern: xtool/command/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllDeviceStates returns a pattern matching every device state topic.
//
// Pattern: xtool/state/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: xtool/#
func (Topics) AllTopics() string {
	return "xtool/#"
}

// EntryFromTopic extracts the entry id from a device topic
// (xtool/{category}/{entry_id}). Returns an empty string when the topic
// does not match.
func EntryFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix {
		return ""
	}
	return parts[2]
}
