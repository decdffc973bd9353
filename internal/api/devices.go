package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darrenwf/xtool-bridge/internal/coordinator"
	"github.com/darrenwf/xtool-bridge/internal/infrastructure/config"
	"github.com/darrenwf/xtool-bridge/internal/registry"
	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// deviceResponse is the REST representation of a registered device.
type deviceResponse struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Host    string             `json:"host"`
	AddedAt time.Time          `json:"added_at"`
	Status  coordinator.Status `json:"status"`
	Stale   bool               `json:"stale"`
	State   *coordinator.State `json:"state,omitempty"`
}

// addDeviceRequest is the POST /devices payload.
type addDeviceRequest struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	Host           string `json:"host"`
	PollInterval   int    `json:"poll_interval,omitempty"`
	UsePushChannel *bool  `json:"use_push_channel,omitempty"`
}

// toResponse converts a registry entry into its REST representation.
func toResponse(entry *registry.Entry, includeState bool) deviceResponse {
	resp := deviceResponse{
		ID:      entry.ID,
		Name:    entry.Name,
		Host:    entry.Host,
		AddedAt: entry.AddedAt,
		Status:  entry.Controller.Status(),
		Stale:   entry.Controller.LastError() != nil,
	}
	if includeState {
		resp.State = entry.Controller.CurrentState()
	}
	return resp
}

// handleListDevices returns all registered devices in registration order.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.List()
	devices := make([]deviceResponse, 0, len(entries))
	for _, entry := range entries {
		devices = append(devices, toResponse(entry, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleAddDevice registers a new device and starts its coordinator.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Host == "" {
		writeBadRequest(w, "host is required")
		return
	}

	entry, err := s.registry.Add(r.Context(), config.DeviceConfig{
		ID:             req.ID,
		Name:           req.Name,
		Host:           req.Host,
		PollInterval:   req.PollInterval,
		UsePushChannel: req.UsePushChannel,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateEntry) {
			writeConflict(w, "device already registered")
			return
		}
		writeInternalError(w, "failed to register device")
		return
	}

	// Follow the new entry on both the WebSocket hub and the MQTT relay
	s.watchEntry(entry)
	if s.watcher != nil {
		s.watcher.WatchEntry(entry)
	}

	writeJSON(w, http.StatusCreated, toResponse(entry, true))
}

// handleGetDevice returns a single device by ID, including its current state.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, toResponse(entry, true))
}

// handleDeleteDevice removes a device and stops its coordinator.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.unwatchEntry(id)
	if s.watcher != nil {
		s.watcher.UnwatchEntry(id)
	}

	if err := s.registry.Remove(id); err != nil {
		writeNotFound(w, "device not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetDeviceState returns the last known state snapshot for a device.
// The state may be nil if no poll has succeeded yet.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": entry.ID,
		"state":    entry.Controller.CurrentState(),
		"status":   entry.Controller.Status(),
		"stale":    entry.Controller.LastError() != nil,
	})
}

// handleRefreshDevice requests an out-of-cycle poll for a device.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}

	entry.Controller.RequestRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"entry_id": entry.ID, "refresh": "requested"})
}

// handleDeviceAction dispatches a control action to a device.
//
// Path parameters:
//   - id: device entry ID
//   - action: one of pause, resume, stop
func (s *Server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := xtool.Action(chi.URLParam(r, "action"))

	if !action.Valid() {
		writeBadRequest(w, "unknown action: "+string(action))
		return
	}

	if err := s.registry.Dispatch(r.Context(), id, action); err != nil {
		switch {
		// The path always names a target, so an empty registry and an
		// ambiguous target both read as an unknown device.
		case errors.Is(err, registry.ErrEntryNotFound),
			errors.Is(err, registry.ErrNoEntries),
			errors.Is(err, registry.ErrAmbiguousTarget):
			writeNotFound(w, "device not found")
		case errors.Is(err, coordinator.ErrActionRejected):
			writeError(w, http.StatusConflict, ErrCodeRejected, "device rejected the action")
		case errors.Is(err, xtool.ErrProtocol):
			writeError(w, http.StatusBadGateway, ErrCodeDeviceDown, "device unreachable")
		default:
			writeInternalError(w, "failed to dispatch action")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": id,
		"action":   string(action),
		"status":   "accepted",
	})
}
