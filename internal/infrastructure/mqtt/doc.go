// Package mqtt wraps paho.mqtt.golang for the bridge's broker connection.
//
// The bridge publishes device state and events to the broker and receives
// control commands over it. This package handles the connection plumbing:
//
//   - Automatic reconnection with exponential backoff
//   - Subscription restoration after reconnect
//   - Last Will and Testament on xtool/system/status for crash detection
//   - Panic recovery around message handlers
//
// # Topic Scheme
//
// Device topics are flat: xtool/{category}/{entry_id}
//
//	xtool/state/laser-workshop      retained state snapshots
//	xtool/command/laser-workshop    inbound control commands
//	xtool/ack/laser-workshop        command acknowledgements
//	xtool/event/laser-workshop      push-channel events
//	xtool/health                    bridge health reports
//	xtool/system/status             online/offline status (retained, LWT)
//
// Use the Topics builders rather than hand-written strings.
package mqtt
