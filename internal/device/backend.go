package device

import "context"

// SessionConfig is handed to a Backend when a session connects.
type SessionConfig struct {
	Identity Identity
	Kind     Kind
	Address  string
	Name     string
	Model    string
	Meta     map[string]string
}

// Backend opens connections to devices of one Kind.
//
// Implementations must be safe for concurrent use; the registry shares
// one Backend across every session of its kind.
type Backend interface {
	Kind() Kind

	// Connect performs the protocol handshake.
	// Errors wrap ErrUnreachable, ErrAuthRejected, ErrProtocolMismatch
	// or ErrConnectTimeout.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// Conn is one live connection to a device.
//
// The session owning a Conn calls Submit and FetchStatus one at a time.
// SubscribeStatus is called once per Conn.
type Conn interface {
	// Submit executes a command.
	// Errors wrap ErrNotConnected, ErrRejected, ErrCommandTimeout or ErrTransportLost.
	Submit(ctx context.Context, cmd Command) (Result, error)

	// FetchStatus returns a fresh snapshot.
	FetchStatus(ctx context.Context) (Snapshot, error)

	// SubscribeStatus streams snapshots until the connection ends or ctx is
	// cancelled, then closes the channel. It cannot be restarted.
	SubscribeStatus(ctx context.Context) (<-chan Snapshot, error)

	// Disconnect tears the connection down. Errors are logged, not returned.
	Disconnect(ctx context.Context)
}

// Logger defines the logging interface used by this package.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives lifecycle events for metrics.
type Observer interface {
	StateChanged(kind Kind, from, to State)
	ConnectAttempt(kind Kind, reason string)
	CommandFinished(kind Kind, cmd CommandKind, reason string, seconds float64)
	UpdateDropped(listener string)
	Announcement(kind Kind, source, action string)
}

type noopObserver struct{}

func (noopObserver) StateChanged(Kind, State, State)                    {}
func (noopObserver) ConnectAttempt(Kind, string)                        {}
func (noopObserver) CommandFinished(Kind, CommandKind, string, float64) {}
func (noopObserver) UpdateDropped(string)                               {}
func (noopObserver) Announcement(Kind, string, string)                  {}
