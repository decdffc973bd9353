package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/darrenwf/xtool-bridge/internal/coordinator"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/config"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/logging"
	"github.com/darrenwf/xtool-bridge/internal/registry"
	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceRegistry is the registry surface the API server consumes.
// Satisfied by *registry.Registry.
type DeviceRegistry interface {
	Add(ctx context.Context, dev config.DeviceConfig) (*registry.Entry, error)
	Remove(id string) error
	Get(id string) (*registry.Entry, error)
	List() []*registry.Entry
	Dispatch(ctx context.Context, target string, action xtool.Action) error
	Discover(ctx context.Context, window time.Duration) []xtool.DiscoveredDevice
	Validate(ctx context.Context, host string) (*xtool.Identity, error)
}

// EntryWatcher is notified when devices are added or removed at runtime, so
// the MQTT relay can follow registry changes made through the REST API.
type EntryWatcher interface {
	WatchEntry(entry *registry.Entry)
	UnwatchEntry(entryID string)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Discovery config.DiscoveryConfig
	Logger    *logging.Logger
	Registry  DeviceRegistry
	Watcher   EntryWatcher // optional; nil when MQTT is disabled
	Version   string
}

// Server is the HTTP API server for the bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	discovery config.DiscoveryConfig
	logger    *logging.Logger
	registry  DeviceRegistry
	watcher   EntryWatcher
	version   string
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc

	// unsubscribes holds coordinator unsubscribe functions per entry, used
	// to relay state notifications to WebSocket clients.
	unsubscribes   map[string]func()
	unsubscribesMu sync.Mutex

	// lastEvent caches the last push event per entry so a sticky event
	// carried across polls is broadcast once.
	lastEvent   map[string]string
	lastEventMu sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	return &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		discovery:    deps.Discovery,
		logger:       deps.Logger,
		registry:     deps.Registry,
		watcher:      deps.Watcher,
		version:      deps.Version,
		unsubscribes: make(map[string]func()),
		lastEvent:    make(map[string]string),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to coordinator
// state notifications for real-time WebSocket broadcast, and launches the
// HTTP listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Relay existing device state to WebSocket clients
	for _, entry := range s.registry.List() {
		s.watchEntry(entry)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub)
	if s.cancel != nil {
		s.cancel()
	}

	s.unsubscribesMu.Lock()
	for _, unsub := range s.unsubscribes {
		unsub()
	}
	s.unsubscribes = make(map[string]func())
	s.unsubscribesMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// watchEntry subscribes the server to an entry's state notifications for
// WebSocket broadcast. Idempotent per entry.
func (s *Server) watchEntry(entry *registry.Entry) {
	s.unsubscribesMu.Lock()
	defer s.unsubscribesMu.Unlock()

	if _, watching := s.unsubscribes[entry.ID]; watching {
		return
	}

	entryID := entry.ID
	ctrl := entry.Controller
	s.unsubscribes[entryID] = ctrl.Subscribe(func(st *coordinator.State) {
		if s.hub == nil {
			return
		}
		s.hub.Broadcast(ChannelDeviceState, map[string]any{
			"entry_id": entryID,
			"state":    st,
			"stale":    ctrl.LastError() != nil,
		})

		s.lastEventMu.Lock()
		changed := st.PushEvent != "" && st.PushEvent != s.lastEvent[entryID]
		if changed {
			s.lastEvent[entryID] = st.PushEvent
		}
		s.lastEventMu.Unlock()

		if changed {
			s.hub.Broadcast(ChannelDeviceEvent, map[string]any{
				"entry_id": entryID,
				"event":    st.PushEvent,
			})
		}
	})
}

// unwatchEntry stops relaying an entry's state to WebSocket clients.
func (s *Server) unwatchEntry(entryID string) {
	s.unsubscribesMu.Lock()
	unsub := s.unsubscribes[entryID]
	delete(s.unsubscribes, entryID)
	s.unsubscribesMu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.lastEventMu.Lock()
	delete(s.lastEvent, entryID)
	s.lastEventMu.Unlock()
}
