package device

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// Connect failures.

	// ErrUnreachable is returned when the device cannot be reached on the network or port.
	ErrUnreachable = errors.New("device: unreachable")

	// ErrAuthRejected is returned when the device refuses the supplied credentials.
	ErrAuthRejected = errors.New("device: authentication rejected")

	// ErrProtocolMismatch is returned when the device answers in an unexpected protocol.
	ErrProtocolMismatch = errors.New("device: protocol mismatch")

	// ErrConnectTimeout is returned when a connection attempt exceeds its deadline.
	ErrConnectTimeout = errors.New("device: connect timeout")

	// Command failures.

	// ErrNotConnected is returned when a command cannot be accepted without a connection.
	ErrNotConnected = errors.New("device: not connected")

	// ErrRejected is returned when the device refuses a command.
	ErrRejected = errors.New("device: command rejected")

	// ErrCommandTimeout is returned when a command's deadline expires.
	ErrCommandTimeout = errors.New("device: command timeout")

	// ErrTransportLost is returned when the connection drops while a command is in flight.
	ErrTransportLost = errors.New("device: transport lost")

	// ErrCancelled is returned when a command is cancelled before completion.
	ErrCancelled = errors.New("device: command cancelled")

	// ErrQueueFull is returned when a session's command queue is at its limit.
	ErrQueueFull = errors.New("device: command queue full")

	// ErrInvalidCommand is returned when command validation fails.
	ErrInvalidCommand = errors.New("device: invalid command")

	// ErrCommandNotFound is returned when a correlation ID is unknown.
	ErrCommandNotFound = errors.New("device: command not found")

	// Registry failures.

	// ErrNotFound is returned when an identity has no session.
	ErrNotFound = errors.New("device: not found")

	// ErrDuplicateIdentity is returned when an identity is already taken.
	ErrDuplicateIdentity = errors.New("device: duplicate identity")

	// ErrInvalidAnnouncement is returned when an announcement cannot create a session.
	ErrInvalidAnnouncement = errors.New("device: invalid announcement")

	// ErrNoBackend is returned when no backend is registered for a kind.
	ErrNoBackend = errors.New("device: no backend for kind")

	// ErrRegistryClosed is returned after the registry has been shut down.
	ErrRegistryClosed = errors.New("device: registry closed")

	// ErrSessionClosed is returned when a session has been removed.
	ErrSessionClosed = errors.New("device: session closed")
)

// ConnectError is returned by Backend.Connect.
// It matches its sentinel with errors.Is.
type ConnectError struct {
	Err    error
	Reason string
}

func (e *ConnectError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError is returned by Conn.Submit and Conn.FetchStatus.
type CommandError struct {
	Err    error
	Reason string
}

func (e *CommandError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *CommandError) Unwrap() error { return e.Err }

// ConnectFailure builds a ConnectError around one of the connect sentinels.
func ConnectFailure(kind error, format string, args ...any) error {
	return &ConnectError{Err: kind, Reason: fmt.Sprintf(format, args...)}
}

// CommandFailure builds a CommandError around one of the command sentinels.
func CommandFailure(kind error, format string, args ...any) error {
	return &CommandError{Err: kind, Reason: fmt.Sprintf(format, args...)}
}

// Rejected is shorthand for a CommandFailure wrapping ErrRejected.
func Rejected(format string, args ...any) error {
	return CommandFailure(ErrRejected, format, args...)
}

// Reason codes reported in Info.Reason and StatusUpdate.Reason.
const (
	ReasonUnreachable      = "unreachable"
	ReasonAuthRejected     = "auth_rejected"
	ReasonProtocolMismatch = "protocol_mismatch"
	ReasonConnectTimeout   = "connect_timeout"
	ReasonNotConnected     = "not_connected"
	ReasonRejected         = "rejected"
	ReasonCommandTimeout   = "command_timeout"
	ReasonTransportLost    = "transport_lost"
	ReasonCancelled        = "cancelled"
	ReasonRemoved          = "removed"
	ReasonAttemptsExceeded = "attempts_exceeded"
	ReasonUnknown          = "unknown"
)

// ReasonCode maps an error to a stable reason code. A nil error yields "".
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreachable):
		return ReasonUnreachable
	case errors.Is(err, ErrAuthRejected):
		return ReasonAuthRejected
	case errors.Is(err, ErrProtocolMismatch):
		return ReasonProtocolMismatch
	case errors.Is(err, ErrConnectTimeout):
		return ReasonConnectTimeout
	case errors.Is(err, ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrRejected):
		return ReasonRejected
	case errors.Is(err, ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonCommandTimeout
	case errors.Is(err, ErrTransportLost):
		return ReasonTransportLost
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonUnknown
	}
}

// IsRetryable reports whether an idempotent command may be retried after err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportLost) || errors.Is(err, ErrCommandTimeout)
}
