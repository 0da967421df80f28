package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/printgate/internal/device"
)

// maxWait bounds how long a request may block on a command outcome.
const maxWait = 2 * time.Minute

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	ID         string             `json:"id,omitempty"`
	Kind       device.CommandKind `json:"kind"`
	Params     map[string]any     `json:"params,omitempty"`
	Timeout    string             `json:"timeout,omitempty"`
	Idempotent bool               `json:"idempotent,omitempty"`
	MaxRetries int                `json:"max_retries,omitempty"`
}

// commandResponse describes a tracked command.
type commandResponse struct {
	ID          string             `json:"id"`
	Device      device.Identity    `json:"device"`
	Kind        device.CommandKind `json:"kind"`
	SubmittedAt time.Time          `json:"submitted_at"`
	Resolved    bool               `json:"resolved"`
	Result      *device.Result     `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func newCommandResponse(st device.CommandStatus) commandResponse {
	resp := commandResponse{
		ID:          st.ID,
		Device:      st.Identity,
		Kind:        st.Kind,
		SubmittedAt: st.SubmittedAt,
		Resolved:    st.Resolved,
	}
	if st.Resolved {
		if st.Err != nil {
			resp.Error = st.Err.Error()
			resp.Reason = device.ReasonCode(st.Err)
		} else {
			res := st.Result
			resp.Result = &res
		}
	}
	return resp
}

// parseWait reads the optional wait query parameter.
// A bare "true" waits for the maximum.
func parseWait(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	switch v {
	case "", "false", "0":
		return 0, nil
	case "true":
		return maxWait, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", v)
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

// handleSubmitCommand enqueues a command on a device.
//
// Without ?wait the response is 202 with the command ID. With ?wait the
// request blocks until the command resolves (200) or the wait ends (202).
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}
	wait, err := parseWait(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	cmd := device.Command{
		ID:         req.ID,
		Kind:       req.Kind,
		Params:     req.Params,
		Idempotent: req.Idempotent,
		MaxRetries: req.MaxRetries,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeBadRequest(w, "timeout must be a positive duration")
			return
		}
		cmd.Deadline = time.Now().Add(d)
	}

	p, err := s.dispatcher.Submit(r.Context(), id, cmd)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/commands/"+p.ID())

	if wait > 0 {
		s.awaitCommand(r.Context(), p.ID(), wait)
	}
	s.writeCommand(w, p.ID(), true)
}

// handleGetCommand reports a command, optionally waiting for it to resolve.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")
	wait, err := parseWait(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if wait > 0 {
		s.awaitCommand(r.Context(), commandID, wait)
	}
	s.writeCommand(w, commandID, false)
}

// handleCancelCommand cancels a queued or in-flight command.
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")
	if err := s.dispatcher.Cancel(r.Context(), commandID); err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// awaitCommand blocks until the command resolves, wait elapses or the client leaves.
func (s *Server) awaitCommand(ctx context.Context, commandID string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	//nolint:errcheck // outcome is read back through Poll
	s.dispatcher.Await(ctx, commandID)
}

// writeCommand writes the current view of a command. Unresolved commands
// use 202 when accepted is set.
func (s *Server) writeCommand(w http.ResponseWriter, commandID string, accepted bool) {
	st, err := s.dispatcher.Poll(commandID)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	status := http.StatusOK
	if accepted && !st.Resolved {
		status = http.StatusAccepted
	}
	writeJSON(w, status, newCommandResponse(st))
}
