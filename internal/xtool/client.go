package xtool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// Device port and timeout constants. The device firmware serves HTTP on
// 8080 and the push channel on 8081; neither is configurable on the device
// side.
const (
	defaultHTTPPort = 8080
	defaultPushPort = 8081

	httpTimeout = 10 * time.Second
)

// defaultMachineType is reported when the device omits its model string.
const defaultMachineType = "Unknown xTool"

// Client speaks the device's JSON-over-HTTP protocol and owns the lifecycle
// of at most one push-channel connection.
//
// The HTTP client is shared with the caller, not owned; Close is therefore
// not needed for the HTTP side. The push channel is started and stopped
// explicitly via StartPushChannel/StopPushChannel.
//
// Thread Safety:
//   - All HTTP operations are safe for concurrent use.
//   - StartPushChannel and StopPushChannel are safe to call concurrently
//     and are idempotent.
type Client struct {
	host       string
	httpPort   int
	pushPort   int
	httpClient *http.Client
	logger     Logger

	// Fixed 5s reconnect delay. Not exponential: the device sits on a
	// local network and outages are typically brief.
	reconnectDelay    time.Duration
	connectTimeout    time.Duration
	heartbeatInterval time.Duration

	push pushState
}

// New creates a protocol client for the device at host.
//
// Parameters:
//   - host: Device IP address or hostname (no port)
//   - httpClient: Shared HTTP client, may be nil
//   - logger: Logger for diagnostics, may be nil
//   - opts: Optional overrides, mainly for test harnesses
func New(host string, httpClient *http.Client, logger Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	c := &Client{
		host:              host,
		httpPort:          defaultHTTPPort,
		pushPort:          defaultPushPort,
		httpClient:        httpClient,
		logger:            logger,
		reconnectDelay:    5 * time.Second,
		connectTimeout:    15 * time.Second,
		heartbeatInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the configured device host.
func (c *Client) Host() string {
	return c.host
}

// Ping checks device reachability via GET /ping.
//
// Returns:
//   - bool: true iff the device answered with result "ok"
//   - error: ErrProtocol on timeout, transport failure, or malformed body
func (c *Client) Ping(ctx context.Context) (bool, error) {
	var resp struct {
		Result string `json:"result"`
	}
	if err := c.getJSON(ctx, "/ping", &resp); err != nil {
		return false, err
	}
	return resp.Result == "ok", nil
}

// MachineType returns the device model string via GET /getmachinetype,
// defaulting to "Unknown xTool" when the field is absent.
func (c *Client) MachineType(ctx context.Context) (string, error) {
	var resp struct {
		Type string `json:"type"`
	}
	if err := c.getJSON(ctx, "/getmachinetype", &resp); err != nil {
		return "", err
	}
	if resp.Type == "" {
		return defaultMachineType, nil
	}
	return resp.Type, nil
}

// MAC returns the device MAC address via GET /system?action=mac.
// The result is empty when the device does not report one.
func (c *Client) MAC(ctx context.Context) (string, error) {
	var resp struct {
		Mac string `json:"mac"`
	}
	if err := c.getJSON(ctx, "/system?action=mac", &resp); err != nil {
		return "", err
	}
	return resp.Mac, nil
}

// Progress returns the raw job-progress payload via GET /progress.
// Fields of interest are "progress", "working", and "line"; the payload is
// passed through undecoded because firmware versions disagree on number
// formatting.
func (c *Client) Progress(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.getJSON(ctx, "/progress", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// WorkingState returns the raw working-state code via
// GET /system?action=get_working_sta, defaulting to "0".
func (c *Client) WorkingState(ctx context.Context) (string, error) {
	var resp map[string]any
	if err := c.getJSON(ctx, "/system?action=get_working_sta", &resp); err != nil {
		return "", err
	}
	working, ok := resp["working"]
	if !ok {
		return "0", nil
	}
	return asString(working), nil
}

// PeripheralStatus returns the raw peripheral payload via
// GET /peripherystatus (SD card, limit switches, tilt, moving-stop).
func (c *Client) PeripheralStatus(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.getJSON(ctx, "/peripherystatus", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Snapshot fetches progress, working state, peripheral status, and machine
// type concurrently and assembles them into one Snapshot.
//
// The operation is atomic: if any sub-call fails, the remaining calls are
// cancelled and no partial snapshot is returned.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		progress   map[string]any
		working    string
		peripheral map[string]any
		machine    string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		progress, err = c.Progress(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		working, err = c.WorkingState(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		peripheral, err = c.PeripheralStatus(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		machine, err = c.MachineType(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Progress:      asFloat(progress["progress"]),
		WorkingTimeMS: asInt(progress["working"]),
		Line:          int(asInt(progress["line"])),
		WorkingState:  working,
		MachineType:   machine,
		Peripheral:    peripheral,
	}, nil
}

// SendControlAction dispatches a job-control command via
// GET /cnc/data?action={pause|resume|stop}.
//
// Returns:
//   - bool: true iff the device acknowledged with result "ok"
//   - error: ErrInvalidAction for unsupported actions, ErrProtocol on
//     transport or decode failure
func (c *Client) SendControlAction(ctx context.Context, action Action) (bool, error) {
	if !action.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	var resp struct {
		Result string `json:"result"`
	}
	if err := c.getJSON(ctx, "/cnc/data?action="+string(action), &resp); err != nil {
		return false, err
	}
	return resp.Result == "ok", nil
}

// getJSON issues one GET with the fixed 10s timeout and decodes the body as
// JSON regardless of the declared content type. The device firmware labels
// JSON bodies as text/html.
func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", c.host, c.httpPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", ErrProtocol, path, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: unexpected status %d", ErrProtocol, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: %s: decode body: %v", ErrProtocol, path, err)
	}
	return nil
}

// asString renders a loosely typed JSON value as a string. Numeric values
// drop a trailing ".0" so state codes compare cleanly.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// asFloat converts a loosely typed JSON value to float64, defaulting to 0.
func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// asInt converts a loosely typed JSON value to int64, defaulting to 0.
func asInt(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
