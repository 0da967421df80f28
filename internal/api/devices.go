package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/printgate/internal/device"
)

// deviceID returns the {id} path parameter, unescaping %2F in serial identities.
func deviceID(r *http.Request) (device.Identity, bool) {
	raw := chi.URLParam(r, "id")
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		return "", false
	}
	return device.Identity(id), true
}

// handleListDevices returns all sessions, with optional query filters.
//
// Query parameters:
//   - kind: network, moonraker or serial
//   - state: discovered, connecting, connected, busy, error, disconnected
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var kind device.Kind
	if v := q.Get("kind"); v != "" {
		k, err := device.ParseKind(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		kind = k
	}
	state := device.State(q.Get("state"))

	devices := make([]device.Info, 0)
	for _, info := range s.registry.List() {
		if kind != "" && info.Kind != kind {
			continue
		}
		if state != "" && info.State != state {
			continue
		}
		devices = append(devices, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one session by identity.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	info, err := s.registry.Info(id)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleRegisterDevice adds an explicitly configured device.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var ann device.Announcement
	if err := json.NewDecoder(r.Body).Decode(&ann); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ann.Source = "api"

	info, err := s.registry.Register(r.Context(), ann.Identity, ann)
	if err != nil {
		status, _ := deviceErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("registering device failed", "identity", ann.ResolveIdentity(), "error", err)
		}
		writeDeviceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/devices/"+url.PathEscape(string(info.Identity)))
	writeJSON(w, http.StatusCreated, info)
}

// handleRemoveDevice disconnects and deletes a session.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.registry.Remove(r.Context(), id); err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnectDevice starts a fresh connection cycle.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	if err := s.registry.Connect(r.Context(), id); err != nil {
		writeDeviceError(w, err)
		return
	}
	info, err := s.registry.Info(id)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

// handleDeviceStats returns counts by kind and state plus fan-out totals.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.registry.Stats(),
		"updates":  s.hub.aggregator.Stats(),
		"streams":  s.hub.ClientCount(),
	})
}
