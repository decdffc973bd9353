// Package xtool implements the device communication protocol for xTool
// laser cutters and engravers.
//
// The device exposes three surfaces, all unauthenticated and LAN-only:
//
//   - JSON over HTTP on port 8080 for status queries and job control.
//     Responses are JSON bodies regardless of the declared content type.
//   - A WebSocket push channel on port 8081 delivering bare-string event
//     frames while a job runs.
//   - UDP broadcast discovery on port 20000: a probe datagram carrying a
//     random request id is broadcast, and devices answer with their
//     address, name, and firmware version.
//
// # Architecture
//
//	┌─────────────┐   HTTP :8080    ┌──────────┐
//	│   Client    │────────────────►│          │
//	│             │   ws :8081      │  Device  │
//	│  pushLoop   │◄────────────────│          │
//	└─────────────┘                 └──────────┘
//	   Discover ──── UDP :20000 broadcast ────►
//
// One Client is constructed per configured device. HTTP operations are
// stateless and share a caller-provided http.Client. The push channel is an
// owned background task: StartPushChannel spawns a reconnect loop with a
// fixed 5 second backoff, and StopPushChannel cancels it and waits for a
// clean exit.
//
// # Error Semantics
//
// HTTP failures of any kind wrap ErrProtocol. Push-channel transport errors
// are swallowed inside the reconnect loop and never propagate. Discovery
// failures degrade to an empty device list.
package xtool
