package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darrenwf/xtool-bridge/internal/coordinator"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/config"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/logging"
	"github.com/darrenwf/xtool-bridge/internal/registry"
	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// ============================================================================
// Mocks
// ============================================================================

// mockController satisfies registry.Controller for API tests.
type mockController struct {
	mu         sync.Mutex
	state      *coordinator.State
	lastErr    error
	refreshes  int
	subscriber coordinator.Subscriber
}

func (m *mockController) Start(ctx context.Context) error { return nil }
func (m *mockController) Stop()                           {}
func (m *mockController) Status() coordinator.Status      { return coordinator.StatusPolling }

func (m *mockController) CurrentState() *coordinator.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockController) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *mockController) Subscribe(fn coordinator.Subscriber) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriber = fn
	return func() {}
}

// notify delivers the current state to the captured subscriber.
func (m *mockController) notify() {
	m.mu.Lock()
	fn := m.subscriber
	st := m.state
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (m *mockController) RequestRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
}

func (m *mockController) DispatchControlAction(ctx context.Context, action xtool.Action) error {
	return nil
}

// mockRegistry satisfies DeviceRegistry with canned behaviour.
type mockRegistry struct {
	mu          sync.Mutex
	entries     []*registry.Entry
	addErr      error
	dispatchErr error
	dispatches  []string
	discovered  []xtool.DiscoveredDevice
	identity    *xtool.Identity
	validateErr error
}

func (m *mockRegistry) Add(ctx context.Context, dev config.DeviceConfig) (*registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	id := dev.ID
	if id == "" {
		id = "generated-id"
	}
	entry := &registry.Entry{
		ID:         id,
		Name:       dev.Name,
		Host:       dev.Host,
		Controller: &mockController{},
		AddedAt:    time.Now().UTC(),
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *mockRegistry) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return registry.ErrEntryNotFound
}

func (m *mockRegistry) Get(id string) (*registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, registry.ErrEntryNotFound
}

func (m *mockRegistry) List() []*registry.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*registry.Entry(nil), m.entries...)
}

func (m *mockRegistry) Dispatch(ctx context.Context, target string, action xtool.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatchErr != nil {
		return m.dispatchErr
	}
	m.dispatches = append(m.dispatches, target+" "+string(action))
	return nil
}

func (m *mockRegistry) Discover(ctx context.Context, window time.Duration) []xtool.DiscoveredDevice {
	return m.discovered
}

func (m *mockRegistry) Validate(ctx context.Context, host string) (*xtool.Identity, error) {
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return m.identity, nil
}

// mockWatcher records bridge watch/unwatch calls.
type mockWatcher struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
}

func (m *mockWatcher) WatchEntry(entry *registry.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched = append(m.watched, entry.ID)
}

func (m *mockWatcher) UnwatchEntry(entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwatched = append(m.unwatched, entryID)
}

func newTestServer(t *testing.T) (*Server, *mockRegistry, *mockWatcher) {
	t.Helper()

	reg := &mockRegistry{}
	watcher := &mockWatcher{}
	s, err := New(Deps{
		Config:    config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:        config.WebSocketConfig{MaxMessageSize: 65536, PingInterval: 30, PongTimeout: 60},
		Discovery: config.DiscoveryConfig{Timeout: 5},
		Logger:    logging.Default(),
		Registry:  reg,
		Watcher:   watcher,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	return s, reg, watcher
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// ============================================================================
// Health
// ============================================================================

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

// ============================================================================
// Devices
// ============================================================================

func TestAddDevice(t *testing.T) {
	s, reg, watcher := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices", map[string]any{
		"id":   "laser-1",
		"name": "Workshop Laser",
		"host": "192.168.1.50",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["id"] != "laser-1" || body["host"] != "192.168.1.50" {
		t.Errorf("response = %v, want laser-1 at 192.168.1.50", body)
	}
	if len(reg.List()) != 1 {
		t.Errorf("registry has %d entries, want 1", len(reg.List()))
	}

	watcher.mu.Lock()
	watched := append([]string(nil), watcher.watched...)
	watcher.mu.Unlock()
	if len(watched) != 1 || watched[0] != "laser-1" {
		t.Errorf("watched = %v, want [laser-1]", watched)
	}
}

func TestAddDevice_MissingHost(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices", map[string]any{"id": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAddDevice_Duplicate(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.addErr = registry.ErrDuplicateEntry

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices", map[string]any{"host": "192.168.1.50"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestListDevices(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Add(context.Background(), config.DeviceConfig{ID: "a", Host: "192.168.1.50"})
	reg.Add(context.Background(), config.DeviceConfig{ID: "b", Host: "192.168.1.51"})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/devices/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeleteDevice(t *testing.T) {
	s, reg, watcher := newTestServer(t)
	reg.Add(context.Background(), config.DeviceConfig{ID: "laser-1", Host: "192.168.1.50"})

	rec := doRequest(t, s, http.MethodDelete, "/api/v1/devices/laser-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if len(reg.List()) != 0 {
		t.Errorf("registry has %d entries, want 0", len(reg.List()))
	}

	watcher.mu.Lock()
	unwatched := append([]string(nil), watcher.unwatched...)
	watcher.mu.Unlock()
	if len(unwatched) != 1 || unwatched[0] != "laser-1" {
		t.Errorf("unwatched = %v, want [laser-1]", unwatched)
	}
}

func TestGetDeviceState(t *testing.T) {
	s, reg, _ := newTestServer(t)
	entry, _ := reg.Add(context.Background(), config.DeviceConfig{ID: "laser-1", Host: "192.168.1.50"})
	ctrl := entry.Controller.(*mockController)
	ctrl.mu.Lock()
	ctrl.state = &coordinator.State{Progress: 45, WorkingStateLabel: "running_api"}
	ctrl.mu.Unlock()

	rec := doRequest(t, s, http.MethodGet, "/api/v1/devices/laser-1/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	state, ok := body["state"].(map[string]any)
	if !ok {
		t.Fatalf("state = %v, want object", body["state"])
	}
	if state["progress"] != float64(45) {
		t.Errorf("progress = %v, want 45", state["progress"])
	}
	if body["stale"] != false {
		t.Errorf("stale = %v, want false", body["stale"])
	}
}

func TestRefreshDevice(t *testing.T) {
	s, reg, _ := newTestServer(t)
	entry, _ := reg.Add(context.Background(), config.DeviceConfig{ID: "laser-1", Host: "192.168.1.50"})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices/laser-1/refresh", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	ctrl := entry.Controller.(*mockController)
	ctrl.mu.Lock()
	refreshes := ctrl.refreshes
	ctrl.mu.Unlock()
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

// ============================================================================
// Actions
// ============================================================================

func TestDeviceAction(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Add(context.Background(), config.DeviceConfig{ID: "laser-1", Host: "192.168.1.50"})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices/laser-1/actions/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	reg.mu.Lock()
	dispatches := append([]string(nil), reg.dispatches...)
	reg.mu.Unlock()
	if len(dispatches) != 1 || dispatches[0] != "laser-1 pause" {
		t.Errorf("dispatches = %v, want [laser-1 pause]", dispatches)
	}
}

func TestDeviceAction_Errors(t *testing.T) {
	tests := []struct {
		name        string
		action      string
		dispatchErr error
		wantStatus  int
	}{
		{"unknown action", "reboot", nil, http.StatusBadRequest},
		{"device not found", "pause", registry.ErrEntryNotFound, http.StatusNotFound},
		{"empty registry", "pause", registry.ErrNoEntries, http.StatusNotFound},
		{"ambiguous target", "pause", registry.ErrAmbiguousTarget, http.StatusNotFound},
		{"action rejected", "stop", coordinator.ErrActionRejected, http.StatusConflict},
		{"device unreachable", "resume", xtool.ErrProtocol, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, reg, _ := newTestServer(t)
			reg.dispatchErr = tt.dispatchErr

			rec := doRequest(t, s, http.MethodPost, "/api/v1/devices/laser-1/actions/"+tt.action, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

// ============================================================================
// Discovery
// ============================================================================

func TestDiscover(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.discovered = []xtool.DiscoveredDevice{
		{Host: "192.168.1.50", Name: "M1-Garage", Version: "v2.1"},
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/discover", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestDiscover_BadTimeout(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/discover?timeout=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestValidate(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.identity = &xtool.Identity{MachineType: "xTool M1", MAC: "AA:BB:CC:DD:EE:FF"}

	rec := doRequest(t, s, http.MethodPost, "/api/v1/discover/validate",
		map[string]any{"host": "192.168.1.50"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["machine_type"] != "xTool M1" {
		t.Errorf("machine_type = %v, want xTool M1", body["machine_type"])
	}
}

func TestValidate_NotADevice(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.validateErr = xtool.ErrProtocol

	rec := doRequest(t, s, http.MethodPost, "/api/v1/discover/validate",
		map[string]any{"host": "192.168.1.99"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

// ============================================================================
// WebSocket
// ============================================================================

func TestWebSocket_SubscribeAndBroadcast(t *testing.T) {
	s, _, _ := newTestServer(t)

	ts := httptest.NewServer(s.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// Subscribe to the device state channel
	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceState}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var ack WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSTypeResponse {
		t.Fatalf("ack.Type = %q, want %q", ack.Type, WSTypeResponse)
	}

	s.hub.Broadcast(ChannelDeviceState, map[string]any{"entry_id": "laser-1"})

	var event WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelDeviceState {
		t.Errorf("event = %+v, want device state event", event)
	}
}

func TestWebSocket_PushEventBroadcastOnce(t *testing.T) {
	s, reg, _ := newTestServer(t)
	entry, _ := reg.Add(context.Background(), config.DeviceConfig{ID: "laser-1", Host: "192.168.1.50"})
	ctrl := entry.Controller.(*mockController)

	ts := httptest.NewServer(s.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceEvent}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var ack WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	s.watchEntry(entry)

	// A sticky event carried across two notifications is delivered once.
	ctrl.mu.Lock()
	ctrl.state = &coordinator.State{PushEvent: "job_done"}
	ctrl.mu.Unlock()
	ctrl.notify()
	ctrl.notify()

	ctrl.mu.Lock()
	ctrl.state = &coordinator.State{PushEvent: "sd_removed"}
	ctrl.mu.Unlock()
	ctrl.notify()

	for _, want := range []string{"job_done", "sd_removed"} {
		var event WSMessage
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if event.EventType != ChannelDeviceEvent {
			t.Fatalf("EventType = %q, want %q", event.EventType, ChannelDeviceEvent)
		}
		payload, ok := event.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload = %v, want object", event.Payload)
		}
		if payload["event"] != want {
			t.Errorf("event = %v, want %s", payload["event"], want)
		}
	}
}
