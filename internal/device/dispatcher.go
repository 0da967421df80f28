package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultResultRetention is how long resolved commands stay pollable.
const DefaultResultRetention = 5 * time.Minute

// Dispatcher routes commands to sessions and tracks them by correlation ID.
//
// Ordering and exclusivity are enforced by each session's FIFO; the
// dispatcher adds lookup by ID so callers can poll, await or cancel a
// command without holding its Pending.
type Dispatcher struct {
	registry  *Registry
	retention time.Duration
	logger    Logger

	index sync.Map // command ID -> *Pending, nil while the ID is reserved
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	ResultRetention time.Duration
	Logger          Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.ResultRetention <= 0 {
		opts.ResultRetention = DefaultResultRetention
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Dispatcher{
		registry:  registry,
		retention: opts.ResultRetention,
		logger:    opts.Logger,
	}
}

// Submit enqueues cmd on the session for id.
//
// Returns:
//   - *Pending: handle resolving with the command outcome
//   - error: ErrNotFound, ErrInvalidCommand, ErrNotConnected, ErrQueueFull
func (d *Dispatcher) Submit(ctx context.Context, id Identity, cmd Command) (*Pending, error) {
	s, err := d.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	// Reserve the ID before enqueueing so concurrent submits cannot share it.
	if _, taken := d.index.LoadOrStore(cmd.ID, (*Pending)(nil)); taken {
		return nil, fmt.Errorf("%w: duplicate command id %q", ErrInvalidCommand, cmd.ID)
	}
	p, err := s.Submit(ctx, cmd)
	if err != nil {
		d.index.Delete(cmd.ID)
		return nil, err
	}
	d.index.Store(cmd.ID, p)
	return p, nil
}

// Execute submits cmd and waits for its outcome.
func (d *Dispatcher) Execute(ctx context.Context, id Identity, cmd Command) (Result, error) {
	p, err := d.Submit(ctx, id, cmd)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// Lookup returns the Pending for a correlation ID.
func (d *Dispatcher) Lookup(commandID string) (*Pending, error) {
	v, ok := d.index.Load(commandID)
	if !ok {
		return nil, ErrCommandNotFound
	}
	p := v.(*Pending)
	if p == nil {
		return nil, ErrCommandNotFound
	}
	return p, nil
}

// CommandStatus is a non-blocking view of a tracked command.
type CommandStatus struct {
	ID          string
	Identity    Identity
	Kind        CommandKind
	SubmittedAt time.Time
	Resolved    bool
	Result      Result
	Err         error
}

// Poll reports where a command stands without waiting for it.
func (d *Dispatcher) Poll(commandID string) (CommandStatus, error) {
	p, err := d.Lookup(commandID)
	if err != nil {
		return CommandStatus{}, err
	}
	st := CommandStatus{
		ID:          p.ID(),
		Identity:    p.Identity(),
		Kind:        p.Kind(),
		SubmittedAt: p.SubmittedAt(),
	}
	if p.Resolved() {
		st.Resolved = true
		st.Result, st.Err = p.Outcome()
	}
	return st, nil
}

// Await blocks until the command resolves or ctx ends.
func (d *Dispatcher) Await(ctx context.Context, commandID string) (Result, error) {
	p, err := d.Lookup(commandID)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// Cancel cancels a queued or in-flight command.
// An already resolved command yields ErrCommandNotFound.
func (d *Dispatcher) Cancel(ctx context.Context, commandID string) error {
	p, err := d.Lookup(commandID)
	if err != nil {
		return err
	}
	if p.Resolved() {
		return ErrCommandNotFound
	}
	s, err := d.registry.Get(p.Identity())
	if err != nil {
		return err
	}
	return s.Cancel(ctx, commandID)
}

// Run evicts resolved commands older than the retention period until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := d.evict(now); n > 0 {
				d.logger.Debug("evicted resolved commands", "count", n)
			}
		}
	}
}

// evict removes resolved commands whose outcome is older than the retention.
func (d *Dispatcher) evict(now time.Time) int {
	n := 0
	d.index.Range(func(k, v any) bool {
		p := v.(*Pending)
		if p == nil || !p.Resolved() {
			return true
		}
		r, _ := p.Outcome()
		finished := r.FinishedAt
		if finished.IsZero() {
			finished = p.SubmittedAt()
		}
		if now.Sub(finished) >= d.retention {
			d.index.Delete(k)
			n++
		}
		return true
	})
	return n
}
