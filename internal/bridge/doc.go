// Package bridge relays xTool device state between the per-device
// coordinators and an MQTT broker.
//
// # Message Flow
//
//	coordinator ──notify──► Bridge ──publish──► xtool/state/{entry}   (retained)
//	                                └─publish──► xtool/event/{entry}  (on push event)
//
//	xtool/command/{entry} ──subscribe──► Bridge ──dispatch──► registry
//	                                       └─publish──► xtool/ack/{entry}
//
// State snapshots are published retained so new subscribers immediately see
// the current state of every device. Push-channel events are edge-detected
// against the sticky push field, so a poll that merely carries an old event
// forward does not republish it.
//
// Commands are JSON CommandMessages; each receives an AckMessage with
// "accepted" or "failed" plus an error code. Dispatch failures never crash
// the bridge.
//
// # Health
//
// A HealthReporter publishes a retained HealthMessage to xtool/health every
// 30 seconds: healthy when the broker is connected and all devices are
// polling cleanly, degraded when any device's last poll failed.
package bridge
