package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darrenwf/xtool-bridge/internal/coordinator"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/mqtt"
	"github.com/darrenwf/xtool-bridge/internal/registry"
	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// commandTimeout bounds the HTTP round trip for a dispatched command.
const commandTimeout = 15 * time.Second

// Bridge relays device state between the coordinators and the MQTT broker.
// It handles:
//   - Publishing retained state snapshots on every coordinator notification
//   - Publishing push-channel events as they arrive
//   - Receiving control commands via MQTT and acknowledging them
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID string
	qos      byte
	mqtt     MQTTClient
	registry DeviceRegistry
	health   *HealthReporter

	// lastEvent caches the last push event per entry for edge detection,
	// so a sticky event carried across polls is not republished.
	lastEvent   map[string]string
	lastEventMu sync.Mutex

	// unsubscribes holds coordinator unsubscribe functions per entry.
	unsubscribes   map[string]func()
	unsubscribesMu sync.Mutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishRetained sends a retained message at the configured QoS.
	// Used for state topics so late subscribers see the last snapshot.
	PublishRetained(topic string, payload []byte) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// DeviceRegistry is the registry surface the bridge consumes.
// Satisfied by *registry.Registry.
type DeviceRegistry interface {
	List() []*registry.Entry
	Get(id string) (*registry.Entry, error)
	Dispatch(ctx context.Context, target string, action xtool.Action) error
}

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// BridgeID identifies this bridge instance in health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// QoS is the QoS level for published messages.
	QoS byte

	// HealthInterval is how often health is reported (default 30s).
	HealthInterval time.Duration

	// MQTT is the broker client.
	MQTT MQTTClient

	// Registry holds the managed device entries.
	Registry DeviceRegistry

	// Logger is optional structured logging.
	Logger Logger
}

// New creates a bridge instance. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("bridge: MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:     opts.BridgeID,
		qos:          opts.QoS,
		mqtt:         opts.MQTT,
		registry:     opts.Registry,
		lastEvent:    make(map[string]string),
		unsubscribes: make(map[string]func()),
		ctx:          ctx,
		ctxCancel:    cancel,
		logger:       opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Registry:  opts.Registry,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This watches every registered device, subscribes to command topics, and
// starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	for _, entry := range b.registry.List() {
		b.WatchEntry(entry)
	}

	commandTopic := mqtt.Topics{}.AllDeviceCommands()
	if err := b.mqtt.Subscribe(commandTopic, b.qos, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"devices", len(b.registry.List()))

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		b.unsubscribesMu.Lock()
		for _, unsub := range b.unsubscribes {
			unsub()
		}
		b.unsubscribes = make(map[string]func())
		b.unsubscribesMu.Unlock()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// WatchEntry subscribes the bridge to a device entry's state notifications.
// Called for every registered entry at startup and again when devices are
// added at runtime. Idempotent per entry.
func (b *Bridge) WatchEntry(entry *registry.Entry) {
	b.unsubscribesMu.Lock()
	defer b.unsubscribesMu.Unlock()

	if _, watching := b.unsubscribes[entry.ID]; watching {
		return
	}

	entryID := entry.ID
	ctrl := entry.Controller
	b.unsubscribes[entryID] = ctrl.Subscribe(func(st *coordinator.State) {
		b.publishState(entryID, st, ctrl.LastError() != nil)
	})
}

// UnwatchEntry stops relaying an entry's state. Called when a device is
// removed at runtime.
func (b *Bridge) UnwatchEntry(entryID string) {
	b.unsubscribesMu.Lock()
	unsub := b.unsubscribes[entryID]
	delete(b.unsubscribes, entryID)
	b.unsubscribesMu.Unlock()

	if unsub != nil {
		unsub()
	}

	b.lastEventMu.Lock()
	delete(b.lastEvent, entryID)
	b.lastEventMu.Unlock()
}

// publishState relays one coordinator notification to the broker: a
// retained state snapshot, plus an event message when the push-event field
// changed since the last notification.
func (b *Bridge) publishState(entryID string, st *coordinator.State, stale bool) {
	msg := NewStateMessage(entryID, st, stale)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	topic := mqtt.Topics{}.DeviceState(entryID)
	if err := b.mqtt.PublishRetained(topic, payload); err != nil {
		b.logError("failed to publish state", err)
	}

	b.lastEventMu.Lock()
	changed := st.PushEvent != "" && st.PushEvent != b.lastEvent[entryID]
	if changed {
		b.lastEvent[entryID] = st.PushEvent
	}
	b.lastEventMu.Unlock()

	if changed {
		b.publishEvent(entryID, st.PushEvent)
	}
}

// publishEvent publishes a push-channel event. Not retained; events are
// transient.
func (b *Bridge) publishEvent(entryID, event string) {
	msg := NewEventMessage(entryID, event)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal event", err)
		return
	}

	topic := mqtt.Topics{}.DeviceEvent(entryID)
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.logError("failed to publish event", err)
	}
}

// handleCommandMessage processes a control command received via MQTT.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	entryID := mqtt.EntryFromTopic(topic)
	if entryID == "" {
		return fmt.Errorf("invalid command topic: %s", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return fmt.Errorf("parse command: %w", err)
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"entry_id", entryID,
		"action", cmd.Action)

	action := xtool.Action(cmd.Action)
	if !action.Valid() {
		b.publishAckError(cmd, entryID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", cmd.Action))
		return nil
	}

	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.registry.Dispatch(ctx, entryID, action); err != nil {
		b.publishAckError(cmd, entryID, ackCodeForError(err), err.Error())
		return nil
	}

	b.publishAck(cmd, entryID)
	return nil
}

// ackCodeForError maps dispatch failures to acknowledgment error codes.
func ackCodeForError(err error) string {
	switch {
	case errors.Is(err, registry.ErrEntryNotFound),
		errors.Is(err, registry.ErrNoEntries),
		errors.Is(err, registry.ErrAmbiguousTarget):
		return ErrCodeNotConfigured
	case errors.Is(err, coordinator.ErrActionRejected):
		return ErrCodeCommandRejected
	case errors.Is(err, xtool.ErrInvalidAction):
		return ErrCodeInvalidCommand
	case errors.Is(err, xtool.ErrProtocol):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, entryID string) {
	ack := NewAckMessage(cmd, entryID)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	topic := mqtt.Topics{}.DeviceAck(entryID)
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, entryID, code, message string) {
	ack := NewAckError(cmd, entryID, code, message)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}

	topic := mqtt.Topics{}.DeviceAck(entryID)
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.logError("failed to publish ack error", err)
	}

	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// PublishDiscovery publishes a discovery result set to the broker.
func (b *Bridge) PublishDiscovery(devices []xtool.DiscoveredDevice) {
	payload, err := json.Marshal(map[string]any{
		"timestamp": time.Now().UTC(),
		"bridge":    b.bridgeID,
		"devices":   devices,
	})
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}

	topic := mqtt.Topics{}.Discovery()
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.logError("failed to publish discovery", err)
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
