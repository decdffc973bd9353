package xtool

// Snapshot is the assembled device state from one concurrent fetch of the
// progress, working-state, peripheral-status, and machine-type endpoints.
//
// A Snapshot is produced whole or not at all. Fields use the raw device
// representation; derived values (state labels, elapsed seconds) are the
// caller's concern.
type Snapshot struct {
	// Progress is the job completion percentage (0-100).
	Progress float64

	// WorkingTimeMS is the elapsed job time in milliseconds.
	WorkingTimeMS int64

	// Line is the current G-code line number.
	Line int

	// WorkingState is the raw device state code ("0", "1", "2", ...).
	WorkingState string

	// MachineType is the device model string as reported by the device.
	MachineType string

	// Peripheral is the raw peripheral-status payload (SD card, limit
	// switches, tilt and moving-stop flags). Structure varies by model,
	// so it is passed through undecoded.
	Peripheral map[string]any
}

// DiscoveredDevice describes one device that answered a broadcast probe.
type DiscoveredDevice struct {
	// Host is the device IP address as advertised in its response.
	Host string `json:"host"`

	// Name is the advertised device name.
	Name string `json:"name"`

	// Version is the advertised firmware version.
	Version string `json:"version"`
}

// Identity is the result of a connectivity check against a candidate host,
// used during setup to confirm a reachable, identifiable device.
type Identity struct {
	MachineType string `json:"machine_type"`
	MAC         string `json:"mac"`
}

// Action is a job-control command accepted by the device.
type Action string

// Supported control actions.
const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// Valid reports whether the action is one of the supported commands.
func (a Action) Valid() bool {
	switch a {
	case ActionPause, ActionResume, ActionStop:
		return true
	}
	return false
}

// Logger is the minimal logging interface used by this package.
// A nil logger disables logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
