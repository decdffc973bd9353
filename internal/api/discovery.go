package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/darrenwf/xtool-bridge/internal/xtool"
)

// maxDiscoveryWindowSeconds caps the listen window a client may request.
const maxDiscoveryWindowSeconds = 30

// handleDiscover broadcasts a discovery probe and returns the devices that
// answered within the listen window.
//
// Query parameters:
//   - timeout: listen window in seconds (default from config, max 30)
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	seconds := s.discovery.Timeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "timeout must be an integer")
			return
		}
		seconds = parsed
	}
	if seconds < 1 {
		seconds = 1
	}
	if seconds > maxDiscoveryWindowSeconds {
		seconds = maxDiscoveryWindowSeconds
	}

	devices := s.registry.Discover(r.Context(), time.Duration(seconds)*time.Second)
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// validateRequest is the POST /discover/validate payload.
type validateRequest struct {
	Host string `json:"host"`
}

// handleValidate checks that a host speaks the device protocol and returns
// its identity. Used by UIs to verify a manually entered address before
// registering it.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Host == "" {
		writeBadRequest(w, "host is required")
		return
	}

	identity, err := s.registry.Validate(r.Context(), req.Host)
	if err != nil {
		if errors.Is(err, xtool.ErrProtocol) {
			writeError(w, http.StatusBadGateway, ErrCodeDeviceDown,
				"host did not respond as an xTool device")
			return
		}
		writeInternalError(w, "validation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"host":         req.Host,
		"machine_type": identity.MachineType,
		"mac":          identity.MAC,
	})
}
