// Package api provides the HTTP REST API and WebSocket server for the bridge.
//
// It exposes device registry operations, control actions, network discovery,
// and real-time state updates to user interfaces and automation systems.
//
// # Architecture
//
//	┌──────────────┐   REST    ┌─────────────┐
//	│  UI / tools  │──────────▶│   Server    │──▶ registry.Registry
//	└──────────────┘           │  (chi/v5)   │──▶ bridge (watch/unwatch)
//	       │        WebSocket  └─────────────┘
//	       └──────────────────▶│     Hub     │◀── coordinator notifications
//	                           └─────────────┘
//
// The server follows the same lifecycle pattern as the other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// WebSocket clients subscribe to named channels; state snapshots from every
// registered device are broadcast on "device.state_changed" as they arrive
// from the coordinators, and push-channel events on "device.push_event".
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
