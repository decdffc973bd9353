package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// ============================================================================
// Mock device client
// ============================================================================

type mockClient struct {
	mu sync.Mutex

	snapshotFunc func() (*xtool.Snapshot, error)
	snapshots    int

	actions      []xtool.Action
	actionResult bool
	actionErr    error

	pushCallback func(string)
	pushStarts   int
	pushStops    int
}

func newMockClient() *mockClient {
	return &mockClient{
		snapshotFunc: func() (*xtool.Snapshot, error) {
			return &xtool.Snapshot{WorkingState: "0", MachineType: "xTool M1"}, nil
		},
		actionResult: true,
	}
}

func (m *mockClient) Snapshot(ctx context.Context) (*xtool.Snapshot, error) {
	m.mu.Lock()
	m.snapshots++
	fn := m.snapshotFunc
	m.mu.Unlock()
	return fn()
}

func (m *mockClient) SendControlAction(ctx context.Context, action xtool.Action) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	return m.actionResult, m.actionErr
}

func (m *mockClient) StartPushChannel(onMessage func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushStarts++
	m.pushCallback = onMessage
}

func (m *mockClient) StopPushChannel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushStops++
}

func (m *mockClient) Host() string { return "192.168.1.50" }

func (m *mockClient) setSnapshotFunc(fn func() (*xtool.Snapshot, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotFunc = fn
}

func (m *mockClient) simulatePush(msg string) {
	m.mu.Lock()
	cb := m.pushCallback
	m.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (m *mockClient) getActions() []xtool.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]xtool.Action(nil), m.actions...)
}

// collectStates subscribes and forwards every notification to a channel.
func collectStates(c *Coordinator) <-chan *State {
	ch := make(chan *State, 32)
	c.Subscribe(func(st *State) { ch <- st })
	return ch
}

func waitState(t *testing.T, ch <-chan *State) *State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state notification")
		return nil
	}
}

// ============================================================================
// Working-state mapping
// ============================================================================

func TestLabelForState(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"0", "idle"},
		{"1", "running_api"},
		{"2", "running_button"},
		{"9", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := labelForState(tt.code); got != tt.want {
			t.Errorf("labelForState(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// ============================================================================
// Poll cycle
// ============================================================================

func TestStart_FirstPollImmediate(t *testing.T) {
	mock := newMockClient()
	mock.setSnapshotFunc(func() (*xtool.Snapshot, error) {
		return &xtool.Snapshot{
			Progress:      45.0,
			WorkingTimeMS: 120000,
			Line:          30,
			WorkingState:  "1",
			MachineType:   "xTool M1",
		}, nil
	})

	c := New(mock, Options{PollInterval: time.Hour})
	states := collectStates(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	st := waitState(t, states)
	if st.Progress != 45.0 {
		t.Errorf("Progress = %v, want 45.0", st.Progress)
	}
	if st.WorkingSeconds() != 120 {
		t.Errorf("WorkingSeconds() = %v, want 120", st.WorkingSeconds())
	}
	if st.Line != 30 {
		t.Errorf("Line = %v, want 30", st.Line)
	}
	if st.WorkingStateLabel != "running_api" {
		t.Errorf("WorkingStateLabel = %q, want %q", st.WorkingStateLabel, "running_api")
	}
	if c.Status() != StatusPolling {
		t.Errorf("Status() = %v, want %v", c.Status(), StatusPolling)
	}
}

func TestStart_FirstPollFailure(t *testing.T) {
	mock := newMockClient()
	mock.setSnapshotFunc(func() (*xtool.Snapshot, error) {
		return nil, xtool.ErrProtocol
	})

	c := New(mock, Options{PollInterval: 50 * time.Millisecond})
	states := collectStates(c)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrUpdateFailed) {
		t.Errorf("Start() error = %v, want ErrUpdateFailed", err)
	}
	defer c.Stop()

	if c.CurrentState() != nil {
		t.Error("CurrentState() should be nil before first successful poll")
	}

	// The loop keeps running and recovers on the next successful poll.
	mock.setSnapshotFunc(func() (*xtool.Snapshot, error) {
		return &xtool.Snapshot{WorkingState: "0"}, nil
	})

	st := waitState(t, states)
	if st.WorkingStateLabel != "idle" {
		t.Errorf("WorkingStateLabel = %q, want %q", st.WorkingStateLabel, "idle")
	}
	if c.LastError() != nil {
		t.Errorf("LastError() = %v, want nil after recovery", c.LastError())
	}
}

func TestRefresh_FailureKeepsLastSnapshot(t *testing.T) {
	mock := newMockClient()
	mock.setSnapshotFunc(func() (*xtool.Snapshot, error) {
		return &xtool.Snapshot{Progress: 10, WorkingState: "1"}, nil
	})

	c := New(mock, Options{PollInterval: time.Hour})
	states := collectStates(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()
	waitState(t, states)

	mock.setSnapshotFunc(func() (*xtool.Snapshot, error) {
		return nil, xtool.ErrProtocol
	})
	c.RequestRefresh()

	// Give the failed refresh time to run, then check nothing was notified
	// and the previous snapshot survived.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.LastError() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !errors.Is(c.LastError(), ErrUpdateFailed) {
		t.Errorf("LastError() = %v, want ErrUpdateFailed", c.LastError())
	}
	st := c.CurrentState()
	if st == nil || st.Progress != 10 {
		t.Errorf("CurrentState() = %+v, want retained snapshot with Progress 10", st)
	}
	select {
	case st := <-states:
		t.Errorf("unexpected notification after failed poll: %+v", st)
	default:
	}
}

// ============================================================================
// Push-event handling
// ============================================================================

func TestPushEvent_Sticky(t *testing.T) {
	mock := newMockClient()
	c := New(mock, Options{PollInterval: time.Hour, UsePushChannel: true})
	states := collectStates(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	s1 := waitState(t, states)
	if s1.PushEvent != "" {
		t.Errorf("initial PushEvent = %q, want empty", s1.PushEvent)
	}

	mock.simulatePush("M")
	pushed := waitState(t, states)
	if pushed.PushEvent != "M" {
		t.Errorf("PushEvent = %q, want %q", pushed.PushEvent, "M")
	}

	// A later poll without a push field carries the event forward.
	c.RequestRefresh()
	s2 := waitState(t, states)
	if s2.PushEvent != "M" {
		t.Errorf("PushEvent after poll = %q, want sticky %q", s2.PushEvent, "M")
	}
}

func TestPushEvent_BeforeFirstPoll(t *testing.T) {
	mock := newMockClient()
	mock.setSnapshotFunc(func() (*xtool.Snapshot, error) {
		return nil, xtool.ErrProtocol
	})

	c := New(mock, Options{PollInterval: time.Hour, UsePushChannel: true})
	states := collectStates(c)
	_ = c.Start(context.Background())
	defer c.Stop()

	mock.simulatePush("early")
	st := waitState(t, states)
	if st.PushEvent != "early" {
		t.Errorf("PushEvent = %q, want %q", st.PushEvent, "early")
	}
	if st.Progress != 0 {
		t.Errorf("Progress = %v, want zero value in empty snapshot", st.Progress)
	}
}

func TestPushChannel_Lifecycle(t *testing.T) {
	mock := newMockClient()
	c := New(mock, Options{PollInterval: time.Hour, UsePushChannel: true})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if mock.pushStarts != 1 {
		t.Errorf("push channel started %d times, want 1", mock.pushStarts)
	}
	if mock.pushStops != 1 {
		t.Errorf("push channel stopped %d times, want 1", mock.pushStops)
	}
}

func TestPushChannel_DisabledByDefault(t *testing.T) {
	mock := newMockClient()
	c := New(mock, Options{PollInterval: time.Hour})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if mock.pushStarts != 0 {
		t.Errorf("push channel started %d times, want 0", mock.pushStarts)
	}
}

// ============================================================================
// Control actions
// ============================================================================

func TestDispatchControlAction_TriggersRefresh(t *testing.T) {
	mock := newMockClient()
	c := New(mock, Options{PollInterval: time.Hour})
	states := collectStates(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()
	waitState(t, states)

	if err := c.DispatchControlAction(context.Background(), xtool.ActionPause); err != nil {
		t.Fatalf("DispatchControlAction() error = %v", err)
	}

	// The out-of-cycle refresh notifies well before the hour-long interval.
	waitState(t, states)

	actions := mock.getActions()
	if len(actions) != 1 || actions[0] != xtool.ActionPause {
		t.Errorf("device received %v, want [pause]", actions)
	}
}

func TestDispatchControlAction_Rejected(t *testing.T) {
	mock := newMockClient()
	mock.actionResult = false

	c := New(mock, Options{PollInterval: time.Hour})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	err := c.DispatchControlAction(context.Background(), xtool.ActionStop)
	if !errors.Is(err, ErrActionRejected) {
		t.Errorf("DispatchControlAction() error = %v, want ErrActionRejected", err)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestLifecycle_Terminal(t *testing.T) {
	mock := newMockClient()
	c := New(mock, Options{PollInterval: time.Hour})

	if c.Status() != StatusIdle {
		t.Errorf("Status() = %v, want %v", c.Status(), StatusIdle)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	c.Stop()
	c.Stop() // idempotent

	if c.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", c.Status(), StatusStopped)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	mock := newMockClient()
	c := New(mock, Options{PollInterval: time.Hour})

	var mu sync.Mutex
	var count int
	unsubscribe := c.Subscribe(func(*State) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	unsubscribe()
	c.RequestRefresh()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("notifications = %d, want 1 (unsubscribed before refresh)", count)
	}
}
