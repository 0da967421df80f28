package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// CommandKind is the uniform command vocabulary translated by every backend.
type CommandKind string

// Supported command kinds.
const (
	CmdHome        CommandKind = "home"
	CmdMove        CommandKind = "move"
	CmdPause       CommandKind = "pause"
	CmdResume      CommandKind = "resume"
	CmdCancel      CommandKind = "cancel"
	CmdSubmitJob   CommandKind = "submit_job"
	CmdSetLight    CommandKind = "set_light"
	CmdQueryStatus CommandKind = "query_status"
	CmdCustom      CommandKind = "custom"
)

var commandKinds = map[CommandKind]bool{
	CmdHome: true, CmdMove: true, CmdPause: true, CmdResume: true, CmdCancel: true,
	CmdSubmitJob: true, CmdSetLight: true, CmdQueryStatus: true, CmdCustom: true,
}

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool { return commandKinds[k] }

// Command is a request to a device.
//
// Params by kind:
//   - home: axes (string, e.g. "xy"), optional
//   - move: x, y, z, e (numbers), feedrate (mm/min), relative (bool)
//   - submit_job: file (string, required), plate (number), use_ams (bool)
//   - set_light: on (bool), node (string, backend-specific)
//   - custom: gcode (string) or name (string) for a backend-native action
type Command struct {
	ID       string         `json:"id"`
	Kind     CommandKind    `json:"kind"`
	Params   map[string]any `json:"params,omitempty"`
	Deadline time.Time      `json:"deadline"`

	// Idempotent marks a command as safe to retry after TransportLost or a
	// backend timeout. query_status is always treated as idempotent.
	Idempotent bool `json:"idempotent,omitempty"`

	// MaxRetries bounds retries of an idempotent command. Zero selects the default.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Validate checks the command kind and required params.
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	switch c.Kind {
	case CmdSubmitJob:
		if f, _ := c.String("file"); f == "" {
			return fmt.Errorf("%w: submit_job requires a file", ErrInvalidCommand)
		}
	case CmdSetLight:
		if _, ok := c.Bool("on"); !ok {
			return fmt.Errorf("%w: set_light requires on", ErrInvalidCommand)
		}
	case CmdMove:
		if !c.has("x", "y", "z", "e") {
			return fmt.Errorf("%w: move requires at least one axis", ErrInvalidCommand)
		}
	case CmdCustom:
		g, _ := c.String("gcode")
		n, _ := c.String("name")
		if g == "" && n == "" {
			return fmt.Errorf("%w: custom requires gcode or name", ErrInvalidCommand)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidCommand)
	}
	return nil
}

// IsIdempotent reports whether the command may be retried.
func (c Command) IsIdempotent() bool {
	return c.Idempotent || c.Kind == CmdQueryStatus
}

// Clone returns a copy with its own Params.
func (c Command) Clone() Command {
	c.Params = deepCopyMap(c.Params)
	return c
}

func (c Command) has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := c.Params[k]; ok {
			return true
		}
	}
	return false
}

// String returns a string param.
func (c Command) String(key string) (string, bool) {
	v, ok := c.Params[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// Float returns a numeric param, accepting the types JSON and YAML decoders produce.
func (c Command) Float(key string) (float64, bool) {
	v, ok := c.Params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns a boolean param.
func (c Command) Bool(key string) (bool, bool) {
	v, ok := c.Params[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	return false, false
}

// Result is the outcome of a completed command.
type Result struct {
	CommandID  string         `json:"command_id"`
	Completed  bool           `json:"completed"`
	Data       map[string]any `json:"data,omitempty"`
	Attempts   int            `json:"attempts"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Pending tracks a submitted command until it resolves.
//
// A Pending resolves exactly once, either with a Result or an error.
// It is safe for concurrent use.
type Pending struct {
	id        string
	identity  Identity
	kind      CommandKind
	submitted time.Time

	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	result Result
	err    error
}

func newPending(id string, identity Identity, kind CommandKind, now time.Time) *Pending {
	return &Pending{
		id:        id,
		identity:  identity,
		kind:      kind,
		submitted: now,
		done:      make(chan struct{}),
	}
}

// ID returns the command's correlation ID.
func (p *Pending) ID() string { return p.id }

// Identity returns the device the command was submitted to.
func (p *Pending) Identity() Identity { return p.identity }

// Kind returns the command kind.
func (p *Pending) Kind() CommandKind { return p.kind }

// SubmittedAt returns when the command was accepted.
func (p *Pending) SubmittedAt() time.Time { return p.submitted }

// Done is closed when the command resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the command resolves or ctx ends.
// A ctx ending does not cancel the command.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Outcome()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Outcome returns the resolved result and error.
// Before resolution it returns a zero Result and nil error; check Resolved first.
func (p *Pending) Outcome() (Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r := p.result
	r.Data = deepCopyMap(r.Data)
	return r, p.err
}

// Resolved reports whether the command has finished.
func (p *Pending) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// resolve records the outcome. Later calls are ignored.
func (p *Pending) resolve(r Result, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.mu.Lock()
		r.CommandID = p.id
		p.result = r
		p.err = err
		p.mu.Unlock()
		close(p.done)
		resolved = true
	})
	return resolved
}
