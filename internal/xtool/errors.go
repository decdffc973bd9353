package xtool

import "errors"

// Sentinel errors for protocol operations.
//
// Use errors.Is() to check error types:
//
//	snap, err := client.Snapshot(ctx)
//	if errors.Is(err, xtool.ErrProtocol) {
//	    // Device unreachable or returned garbage
//	}
var (
	// ErrProtocol indicates an HTTP transport failure, timeout, non-2xx
	// status, or an undecodable response body. Every HTTP operation wraps
	// its failures in this sentinel.
	ErrProtocol = errors.New("xtool: protocol error")

	// ErrInvalidAction indicates a control action outside the supported
	// set (pause, resume, stop).
	ErrInvalidAction = errors.New("xtool: invalid control action")
)
