package registry

import "errors"

// Sentinel errors for registry operations. Use errors.Is() to check.
var (
	// ErrDuplicateEntry indicates an Add with an id already registered.
	ErrDuplicateEntry = errors.New("registry: duplicate entry")

	// ErrEntryNotFound indicates the requested entry id is not registered.
	ErrEntryNotFound = errors.New("registry: entry not found")

	// ErrNoEntries indicates a dispatch with no devices configured.
	ErrNoEntries = errors.New("registry: no devices configured")

	// ErrAmbiguousTarget indicates a dispatch without a target while more
	// than one device is configured.
	ErrAmbiguousTarget = errors.New("registry: multiple devices configured, target required")
)
