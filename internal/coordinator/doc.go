// Package coordinator drives periodic polling of one xTool device and
// merges push-channel events into the latest known state.
//
// # Architecture
//
//	           poll timer                push channel
//	                │                         │
//	                ▼                         ▼
//	           refresh()             handlePushMessage()
//	                │                         │
//	                └────► current *State ◄───┘
//	                         (serialised)
//	                              │
//	                              ▼
//	                    subscriber callbacks
//
// The coordinator owns one protocol client, one poll timer, and one push
// channel. Both update paths replace the current state wholesale under a
// lock; the push-event field is sticky, carried forward across polls until
// a newer push event overwrites it.
//
// # Failure Handling
//
// A failed poll records an update-failed condition and keeps the last known
// snapshot as current state. Subscribers are not notified for failed polls;
// the poll loop continues on schedule. Control actions dispatch to the
// device and then trigger an immediate out-of-cycle poll.
//
// # Lifecycle
//
// Idle on construction, Polling after Start (the first poll runs
// immediately so setup can fail fast), Stopped after Stop. Stopped is
// terminal; Stop waits for the poll loop and push channel to fully exit.
package coordinator
