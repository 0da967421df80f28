package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/printgate/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeNotConnected = "not_connected"
	ErrCodeQueueFull    = "queue_full"
	ErrCodeTimeout      = "timeout"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="printgate"`)
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// deviceErrorStatus maps a device package error to a status and code.
func deviceErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrCommandNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, device.ErrDuplicateIdentity):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, device.ErrInvalidCommand),
		errors.Is(err, device.ErrInvalidAnnouncement),
		errors.Is(err, device.ErrNoBackend):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, device.ErrNotConnected):
		return http.StatusConflict, ErrCodeNotConnected
	case errors.Is(err, device.ErrQueueFull):
		return http.StatusServiceUnavailable, ErrCodeQueueFull
	case errors.Is(err, device.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, device.ErrRegistryClosed), errors.Is(err, device.ErrSessionClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDeviceError writes the response for an error from the registry or dispatcher.
// Internal errors are logged by the caller and reported without detail.
func writeDeviceError(w http.ResponseWriter, err error) {
	status, code := deviceErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	reason := device.ReasonCode(err)
	if reason == device.ReasonUnknown {
		reason = ""
	}
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: msg,
		Reason:  reason,
	})
}
