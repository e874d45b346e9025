package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
	"github.com/edgewild/fleetcore/internal/router"
)

// handleListDevices returns the device inventory.
//
// Query parameters:
//   - status: filter by connection status (online, offline)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []device.Device

	switch status := r.URL.Query().Get("status"); status {
	case "":
		devices = s.registry.ListAll()
	case string(device.StatusOnline):
		devices = s.registry.ListOnline()
	case string(device.StatusOffline):
		for _, d := range s.registry.ListAll() {
			if d.Status == device.StatusOffline {
				devices = append(devices, d)
			}
		}
	default:
		writeBadRequest(w, "unknown status filter: "+status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, ok := s.registry.Get(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// handleDeviceStats returns fleet-wide connection and health counts.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()

	resp := map[string]any{
		"total":   stats.Total,
		"online":  stats.Online,
		"offline": stats.Offline,
	}
	if s.monitor != nil {
		health := s.monitor.HealthStats()
		resp["healthy"] = health.Healthy
		resp["timed_out"] = health.TimedOut
	}
	if s.commands != nil {
		resp["pending_commands"] = s.commands.PendingCount()
	}

	writeJSON(w, http.StatusOK, resp)
}

// commandRequest is the body for POST /devices/{id}/command.
type commandRequest struct {
	Command        string          `json:"command"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// timeout resolves the reply wait for this request. Caller-supplied
// values go through the same clamp as the config, so a request cannot
// arm an hours-long pending timer. Absent or zero selects the default.
func (req commandRequest) timeout(cfg config.RouterConfig) time.Duration {
	return cfg.ClampCommandTimeout(time.Duration(req.TimeoutSeconds) * time.Second)
}

// handleDeviceCommand sends a command to an online device and waits for
// the agent's reply. The wait is bounded by the configured command
// timeout unless the request overrides it.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeInternalError(w, "command routing not available")
		return
	}

	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}

	result, err := s.commands.SendCommand(r.Context(), id, req.Command, req.Params, req.timeout(s.routerCfg))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, router.ErrDeviceOffline):
		writeError(w, http.StatusConflict, ErrCodeOffline, "device is offline")
	case errors.Is(err, router.ErrCommandTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "device did not reply in time")
	case errors.Is(err, router.ErrSendFailed):
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "command delivery failed")
	default:
		writeInternalError(w, "command failed")
	}
}
