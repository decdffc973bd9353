package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// DeviceClient is the protocol surface the coordinator drives. Satisfied by
// *xtool.Client; tests substitute a mock.
type DeviceClient interface {
	Snapshot(ctx context.Context) (*xtool.Snapshot, error)
	SendControlAction(ctx context.Context, action xtool.Action) (bool, error)
	StartPushChannel(onMessage func(string))
	StopPushChannel()
	Host() string
}

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

// Status is the coordinator lifecycle state.
type Status string

// Lifecycle states. Transitions are Idle -> Polling -> Stopped; Stopped is
// terminal for the instance.
const (
	StatusIdle    Status = "idle"
	StatusPolling Status = "polling"
	StatusStopped Status = "stopped"
)

// workingStateLabels maps raw device state codes to display labels.
var workingStateLabels = map[string]string{
	"0": "idle",
	"1": "running_api",
	"2": "running_button",
}

// labelForState returns the display label for a raw working-state code,
// "unknown" for anything outside the fixed table.
func labelForState(code string) string {
	if label, ok := workingStateLabels[code]; ok {
		return label
	}
	return "unknown"
}

// State is the coordinator's merged view of device state. Instances are
// immutable once published; each update replaces the whole value.
type State struct {
	Progress          float64        `json:"progress"`
	WorkingTimeMS     int64          `json:"working_time_ms"`
	Line              int            `json:"line"`
	WorkingState      string         `json:"working_state"`
	WorkingStateLabel string         `json:"working_state_label"`
	MachineType       string         `json:"machine_type"`
	Peripheral        map[string]any `json:"peripheral"`

	// PushEvent is the last push-channel message. Sticky: it persists
	// across poll cycles until overwritten by a newer push event.
	PushEvent string `json:"push_event,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// WorkingSeconds returns the elapsed job time in whole seconds.
func (s *State) WorkingSeconds() int64 {
	return s.WorkingTimeMS / 1000
}

// Subscriber receives state notifications. Callbacks run on the
// coordinator's delivery goroutine and should return quickly.
type Subscriber func(*State)

// Options configures a Coordinator.
type Options struct {
	// PollInterval between scheduled polls. Defaults to 3 seconds.
	PollInterval time.Duration

	// UsePushChannel enables the persistent push connection alongside
	// polling.
	UsePushChannel bool

	// Logger for diagnostics, may be nil.
	Logger Logger
}

// Coordinator owns the polling cadence and push-channel subscription for
// one device and produces the authoritative state snapshot.
//
// One coordinator per configured device. The poll path and the push path
// both read-modify-write the current state; updates are serialised so a
// push merge is never lost between a concurrent poll's read and write.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscriber callbacks are delivered in arrival order.
type Coordinator struct {
	client   DeviceClient
	interval time.Duration
	usePush  bool
	logger   Logger

	mu      sync.Mutex
	status  Status
	state   *State
	lastErr error

	subs    map[int]Subscriber
	nextSub int

	// notifyMu serialises subscriber delivery so poll and push
	// notifications cannot interleave out of order.
	notifyMu sync.Mutex

	refreshCh chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a coordinator for the given device client. Call Start to
// begin polling.
func New(client DeviceClient, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Coordinator{
		client:    client,
		interval:  opts.PollInterval,
		usePush:   opts.UsePushChannel,
		logger:    opts.Logger,
		status:    StatusIdle,
		subs:      make(map[int]Subscriber),
		refreshCh: make(chan struct{}, 1),
	}
}

// Start transitions the coordinator from Idle to Polling.
//
// The first poll happens immediately and its error is returned so setup can
// fail fast; the poll loop and push channel start regardless, so a device
// that is briefly offline recovers without intervention. Callers that want
// strict fail-fast semantics check the returned error and call Stop.
//
// Returns ErrAlreadyStarted if polling, ErrStopped if stopped.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusPolling:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case StatusStopped:
		c.mu.Unlock()
		return ErrStopped
	}
	c.status = StatusPolling

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.usePush {
		c.client.StartPushChannel(c.handlePushMessage)
	}

	firstErr := c.refresh(runCtx)

	go c.run(runCtx)

	return firstErr
}

// Stop cancels polling and shuts down the push channel, waiting for both to
// fully exit. Idempotent; safe to call from any goroutine.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		done := c.done
		c.status = StatusStopped
		c.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		if c.usePush {
			c.client.StopPushChannel()
		}
		c.logger.Info("coordinator stopped", "host", c.client.Host())
	})
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CurrentState returns the latest snapshot, or nil before the first
// successful poll. The returned value is immutable.
func (c *Coordinator) CurrentState() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the failure behind the most recent poll, or nil when
// the last poll succeeded. A non-nil result marks the current snapshot as
// stale rather than invalid.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe registers a callback for state notifications and returns its
// unsubscribe function.
func (c *Coordinator) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// RequestRefresh schedules an out-of-cycle poll. Non-blocking; coalesces
// with an already pending request.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// DispatchControlAction sends a job-control command to the device and
// triggers an immediate refresh so subscribers see the resulting state
// without waiting for the next scheduled poll.
func (c *Coordinator) DispatchControlAction(ctx context.Context, action xtool.Action) error {
	ok, err := c.client.SendControlAction(ctx, action)
	if err != nil {
		return err
	}
	c.RequestRefresh()
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionRejected, action)
	}
	c.logger.Debug("control action dispatched",
		"host", c.client.Host(),
		"action", string(action))
	return nil
}

// run is the poll loop. Scheduled ticks and out-of-cycle refresh requests
// both funnel through refresh; failures never terminate the loop.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		case <-c.refreshCh:
			c.refresh(ctx)
			ticker.Reset(c.interval)
		}
	}
}

// refresh performs one poll cycle: fetch, map, merge, notify. On failure
// the last known snapshot remains current, the error is recorded, and no
// notification is sent.
func (c *Coordinator) refresh(ctx context.Context) error {
	snap, err := c.client.Snapshot(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = fmt.Errorf("%w: %v", ErrUpdateFailed, err)
		c.mu.Unlock()
		c.logger.Warn("poll failed",
			"host", c.client.Host(),
			"error", err)
		return c.lastErrLocked()
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	st := &State{
		Progress:          snap.Progress,
		WorkingTimeMS:     snap.WorkingTimeMS,
		Line:              snap.Line,
		WorkingState:      snap.WorkingState,
		WorkingStateLabel: labelForState(snap.WorkingState),
		MachineType:       snap.MachineType,
		Peripheral:        snap.Peripheral,
		UpdatedAt:         time.Now(),
	}
	if c.state != nil {
		st.PushEvent = c.state.PushEvent
	}
	c.state = st
	c.lastErr = nil
	subs := c.subscriberList()
	c.mu.Unlock()

	c.deliver(subs, st)
	return nil
}

// handlePushMessage merges one push-channel event into the current state
// and notifies subscribers immediately, independent of the poll timer.
func (c *Coordinator) handlePushMessage(msg string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	var st State
	if c.state != nil {
		st = *c.state
	}
	st.PushEvent = msg
	st.UpdatedAt = time.Now()
	c.state = &st
	subs := c.subscriberList()
	c.mu.Unlock()

	c.deliver(subs, &st)
}

// subscriberList snapshots the subscriber set in registration order.
// Caller must hold c.mu.
func (c *Coordinator) subscriberList() []Subscriber {
	subs := make([]Subscriber, 0, len(c.subs))
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

// deliver invokes subscriber callbacks. Caller holds notifyMu, which keeps
// poll and push notifications in arrival order.
func (c *Coordinator) deliver(subs []Subscriber, st *State) {
	for _, fn := range subs {
		fn(st)
	}
}

func (c *Coordinator) lastErrLocked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
