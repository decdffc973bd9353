package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/darrenwf/xtool-bridge/internal/coordinator"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/config"
	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Controller is the per-device coordination surface the registry manages.
// Satisfied by *coordinator.Coordinator; tests substitute a mock.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Status() coordinator.Status
	CurrentState() *coordinator.State
	LastError() error
	Subscribe(fn coordinator.Subscriber) func()
	RequestRefresh()
	DispatchControlAction(ctx context.Context, action xtool.Action) error
}

// Entry is one managed device: its configuration plus the running
// controller that polls it.
type Entry struct {
	ID         string
	Name       string
	Host       string
	Controller Controller
	AddedAt    time.Time
}

// Registry tracks the active device entries for this bridge instance.
//
// The registry is explicit state owned by the composition layer and
// injected into consumers; nothing in the protocol or coordination packages
// reaches into it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	httpClient *http.Client
	logger     Logger

	// newController builds the controller for a device entry. Replaced
	// in tests.
	newController func(dev config.DeviceConfig) Controller
}

// New creates an empty registry. The HTTP client is shared across all
// device entries; pass nil for a default.
func New(httpClient *http.Client, logger Logger) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Registry{
		entries:    make(map[string]*Entry),
		httpClient: httpClient,
		logger:     logger,
	}
	r.newController = r.defaultController
	return r
}

// defaultController wires a protocol client and coordinator for a device.
func (r *Registry) defaultController(dev config.DeviceConfig) Controller {
	host, opts := splitHostOverride(dev.Host)
	client := xtool.New(host, r.httpClient, r.logger, opts...)
	return coordinator.New(client, coordinator.Options{
		PollInterval:   dev.GetPollInterval(),
		UsePushChannel: dev.PushEnabled(),
		Logger:         r.logger,
	})
}

// splitHostOverride accepts either a bare host or host:port. The device
// firmware serves on fixed ports, but a port override keeps test rigs and
// port-forwarded setups workable.
func splitHostOverride(host string) (string, []xtool.Option) {
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		return host, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, nil
	}
	return h, []xtool.Option{xtool.WithHTTPPort(port)}
}

// Add registers a device and starts its controller.
//
// An unreachable device is registered anyway: the controller's poll loop
// recovers on its own once the device comes back, so a bridge restart while
// a laser is powered off does not drop the entry. The first-poll error is
// logged but not returned.
//
// Returns ErrDuplicateEntry if the id or the host is already registered.
// One controller per device: a second entry for the same host would run a
// second poll loop and push channel against it.
func (r *Registry) Add(ctx context.Context, dev config.DeviceConfig) (*Entry, error) {
	if dev.ID == "" {
		dev.ID = uuid.New().String()
	}

	r.mu.Lock()
	if _, exists := r.entries[dev.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, dev.ID)
	}
	for _, existing := range r.entries {
		if existing.Host == dev.Host {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: host %s already registered as %s",
				ErrDuplicateEntry, dev.Host, existing.ID)
		}
	}

	entry := &Entry{
		ID:         dev.ID,
		Name:       dev.Name,
		Host:       dev.Host,
		Controller: r.newController(dev),
		AddedAt:    time.Now(),
	}
	r.entries[dev.ID] = entry
	r.order = append(r.order, dev.ID)
	r.mu.Unlock()

	if err := entry.Controller.Start(ctx); err != nil {
		r.logger.Warn("device not reachable at startup, will retry",
			"device_id", dev.ID,
			"host", dev.Host,
			"error", err)
	} else {
		r.logger.Info("device registered",
			"device_id", dev.ID,
			"host", dev.Host,
			"name", dev.Name)
	}
	return entry, nil
}

// Remove stops a device's controller and drops it from the registry.
//
// Returns ErrEntryNotFound if the id is not registered.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	entry.Controller.Stop()
	r.logger.Info("device removed", "device_id", id)
	return nil
}

// Get returns the entry for id, or ErrEntryNotFound.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry, nil
}

// List returns all entries in registration order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	return entries
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch routes a control action to a device. An empty target is allowed
// when exactly one device is configured.
//
// Returns:
//   - ErrNoEntries when no devices are configured
//   - ErrAmbiguousTarget when target is empty with multiple devices
//   - ErrEntryNotFound when the target id is not registered
func (r *Registry) Dispatch(ctx context.Context, target string, action xtool.Action) error {
	r.mu.RLock()
	var entry *Entry
	switch {
	case len(r.entries) == 0:
		r.mu.RUnlock()
		return ErrNoEntries
	case target == "" && len(r.entries) == 1:
		entry = r.entries[r.order[0]]
	case target == "":
		r.mu.RUnlock()
		return ErrAmbiguousTarget
	default:
		var ok bool
		entry, ok = r.entries[target]
		if !ok {
			r.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrEntryNotFound, target)
		}
	}
	r.mu.RUnlock()

	return entry.Controller.DispatchControlAction(ctx, action)
}

// StopAll stops every controller. Used at bridge shutdown; entries remain
// listed so state endpoints stay readable during teardown.
func (r *Registry) StopAll() {
	for _, entry := range r.List() {
		entry.Controller.Stop()
	}
}

// Discover runs a broadcast probe and returns the devices that answered.
// Best effort; an empty result means no devices answered or the probe
// could not be sent.
func (r *Registry) Discover(ctx context.Context, window time.Duration) []xtool.DiscoveredDevice {
	return xtool.Discover(ctx, window, r.logger)
}

// Validate confirms a candidate host is a reachable, identifiable device
// before it is committed to configuration.
//
// The device must answer a ping with an ok result; machine type and MAC are
// then fetched concurrently.
func (r *Registry) Validate(ctx context.Context, host string) (*xtool.Identity, error) {
	h, opts := splitHostOverride(host)
	client := xtool.New(h, r.httpClient, r.logger, opts...)

	ok, err := client.Ping(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: device did not acknowledge ping", xtool.ErrProtocol)
	}

	identity := &xtool.Identity{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		identity.MachineType, err = client.MachineType(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		identity.MAC, err = client.MAC(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return identity, nil
}
