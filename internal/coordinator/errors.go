package coordinator

import "errors"

// Sentinel errors for coordinator lifecycle and poll outcomes.
var (
	// ErrAlreadyStarted indicates Start was called while the coordinator
	// is already polling.
	ErrAlreadyStarted = errors.New("coordinator: already started")

	// ErrStopped indicates an operation on a coordinator that has been
	// stopped. Stopped is terminal; construct a new coordinator instead.
	ErrStopped = errors.New("coordinator: stopped")

	// ErrUpdateFailed wraps the protocol error behind a failed poll. The
	// last known snapshot remains current while this condition holds.
	ErrUpdateFailed = errors.New("coordinator: update failed")

	// ErrActionRejected indicates the device answered a control action
	// with a non-ok result.
	ErrActionRejected = errors.New("coordinator: control action rejected by device")
)
