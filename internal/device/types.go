package device

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Identity is the stable key of a device within the registry.
//
// It is either user-assigned at registration or derived from an
// announcement as "<kind>:<host>". Once a session exists its identity
// never changes.
type Identity string

// Kind selects the backend protocol variant for a device.
type Kind string

// The closed set of backend variants.
const (
	// KindNetwork is a printer speaking the Bambu LAN protocol (MQTT over TLS).
	KindNetwork Kind = "network"

	// KindMoonraker is a Klipper host exposing the Moonraker HTTP API.
	KindMoonraker Kind = "moonraker"

	// KindSerial is a directly attached printer speaking line-oriented G-code.
	KindSerial Kind = "serial"
)

// AllKinds lists every supported backend kind.
var AllKinds = []Kind{KindNetwork, KindMoonraker, KindSerial}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNetwork, KindMoonraker, KindSerial:
		return true
	}
	return false
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidAnnouncement, s)
	}
	return k, nil
}

// State is the connection state of a device session.
type State string

// Session states.
const (
	StateDiscovered   State = "discovered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBusy         State = "busy"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// IsConnected reports whether a live backend connection exists in this state.
func (s State) IsConnected() bool {
	return s == StateConnected || s == StateBusy
}

// transitions lists every legal state change. Anything else is a bug.
var transitions = map[State][]State{
	StateDiscovered:   {StateConnecting, StateDisconnected},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateBusy, StateError, StateDisconnected},
	StateBusy:         {StateConnected, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
	StateDisconnected: {StateConnecting},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Announcement describes a device observed by discovery or registered
// explicitly.
type Announcement struct {
	// Identity is optional. When empty it is derived from Kind and Address.
	Identity Identity          `json:"identity,omitempty"`
	Kind     Kind              `json:"kind"`
	Address  string            `json:"address"`
	Name     string            `json:"name,omitempty"`
	Model    string            `json:"model,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`

	// Source names the discovery source ("ssdp", "mdns", "serial", "static", "api").
	Source string    `json:"source,omitempty"`
	SeenAt time.Time `json:"seen_at"`
}

// Validate checks that an announcement can create a session.
func (a Announcement) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAnnouncement, a.Kind)
	}
	if strings.TrimSpace(a.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidAnnouncement)
	}
	return nil
}

// ResolveIdentity returns the announcement's identity, deriving it if unset.
func (a Announcement) ResolveIdentity() Identity {
	if a.Identity != "" {
		return a.Identity
	}
	return DeriveIdentity(a.Kind, a.Address)
}

// Clone returns a copy with its own Meta map.
func (a Announcement) Clone() Announcement {
	a.Meta = copyStrings(a.Meta)
	return a
}

// DeriveIdentity builds "<kind>:<host>" from a device address.
// Ports are dropped so a printer keeps its identity across port changes.
func DeriveIdentity(kind Kind, address string) Identity {
	host := strings.TrimSpace(address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return Identity(string(kind) + ":" + strings.ToLower(host))
}

// Temperature is a heater or sensor reading in degrees Celsius.
type Temperature struct {
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

// Detail carries backend-specific status fields.
// Each backend package provides exactly one implementation.
type Detail interface {
	DetailKind() Kind
	CloneDetail() Detail
}

// Snapshot is a point-in-time view of a printer.
type Snapshot struct {
	Timestamp    time.Time              `json:"timestamp"`
	Temperatures map[string]Temperature `json:"temperatures,omitempty"`
	Progress     float64                `json:"progress"`
	JobName      string                 `json:"job_name,omitempty"`
	JobState     string                 `json:"job_state,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
	Detail       Detail                 `json:"detail,omitempty"`
}

// Clone returns a deep copy of the snapshot. A nil receiver yields nil.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cpy := *s
	if s.Temperatures != nil {
		cpy.Temperatures = make(map[string]Temperature, len(s.Temperatures))
		for k, v := range s.Temperatures {
			cpy.Temperatures[k] = v
		}
	}
	if s.Errors != nil {
		cpy.Errors = append([]string(nil), s.Errors...)
	}
	if s.Detail != nil {
		cpy.Detail = s.Detail.CloneDetail()
	}
	return &cpy
}

// UpdateSource says what produced a status update.
type UpdateSource string

const (
	// SourceTransition marks an update synthesized from a state change.
	SourceTransition UpdateSource = "transition"

	// SourceBackend marks an update carrying a fresh backend snapshot.
	SourceBackend UpdateSource = "backend"
)

// StatusUpdate is delivered to aggregator listeners.
//
// Seq increases strictly and Timestamp never decreases within one session.
type StatusUpdate struct {
	Identity  Identity     `json:"identity"`
	Kind      Kind         `json:"kind"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	State     State        `json:"state"`
	Previous  State        `json:"previous,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Source    UpdateSource `json:"source"`
	Status    *Snapshot    `json:"status,omitempty"`
}

// Clone returns a copy with its own Snapshot.
func (u StatusUpdate) Clone() StatusUpdate {
	u.Status = u.Status.Clone()
	return u
}

// Info is an immutable view of a session used by list and get operations.
type Info struct {
	Identity   Identity          `json:"identity"`
	Kind       Kind              `json:"kind"`
	Address    string            `json:"address"`
	Name       string            `json:"name,omitempty"`
	Model      string            `json:"model,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	State      State             `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	Status     *Snapshot         `json:"status,omitempty"`
	InFlight   string            `json:"in_flight,omitempty"`
	QueueDepth int               `json:"queue_depth"`
	Attempts   int               `json:"connect_attempts"`
	Seq        uint64            `json:"seq"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the info.
func (i Info) Clone() Info {
	i.Meta = copyStrings(i.Meta)
	i.Status = i.Status.Clone()
	return i
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cpy := make(map[string]string, len(m))
	for k, v := range m {
		cpy[k] = v
	}
	return cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	case *Snapshot:
		return val.Clone()
	default:
		return v
	}
}
