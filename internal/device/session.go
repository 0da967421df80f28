package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session defaults.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultMaxRetries        = 2
	DefaultDisconnectTimeout = 5 * time.Second
	mailboxSize              = 64
)

// SessionOptions configures a device session.
type SessionOptions struct {
	Backoff     BackoffConfig
	MaxAttempts int

	// AutoConnect starts connecting when the session is created and lets
	// commands submitted in Discovered wait for the connection.
	AutoConnect bool

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	QueueLimit     int

	// Publish receives every status update. It must not block.
	Publish func(StatusUpdate)

	Logger   Logger
	Observer Observer
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.Publish == nil {
		o.Publish = func(StatusUpdate) {}
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	return o
}

// Session owns the connection to one device.
//
// A single goroutine (the loop) owns the state, the command queue, the
// in-flight command and the backend connection. Everything else talks to
// it through the mailbox. Readers get Info copies published after every
// mailbox step.
type Session struct {
	id      Identity
	kind    Kind
	backend Backend
	opts    SessionOptions
	logger  Logger

	mailbox  chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	infoMu sync.RWMutex
	info   Info

	// Loop-owned state below. Never touched outside the loop goroutine.
	ann        Announcement
	state      State
	reason     string
	lastStatus *Snapshot
	seq        uint64
	lastTS     time.Time

	conn          Conn
	gen           uint64
	attemptCancel context.CancelFunc
	subCancel     context.CancelFunc
	attempts      int
	backoff       *Backoff
	retryTimer    *time.Timer

	queue    []*job
	inflight *job
}

// job is a command inside a session.
type job struct {
	cmd      Command
	pending  *Pending
	attempts int
	timer    *time.Timer
	started  time.Time
	// retryErr is the failure that put the job back in the queue.
	retryErr error
}

func newSession(id Identity, ann Announcement, backend Backend, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		kind:    ann.Kind,
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		mailbox: make(chan func(), mailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		ann:     ann.Clone(),
		state:   StateDiscovered,
		backoff: NewBackoff(opts.Backoff),
	}
	s.refreshInfo()
	return s
}

// start launches the loop and emits the Discovered update.
func (s *Session) start() {
	s.emit("", SourceTransition)
	s.refreshInfo()
	go s.run()
	if s.opts.AutoConnect {
		s.post(s.connectNow)
	}
}

// Identity returns the session's identity.
func (s *Session) Identity() Identity { return s.id }

// Kind returns the session's backend kind.
func (s *Session) Kind() Kind { return s.kind }

// Info returns a copy of the session's current view.
func (s *Session) Info() Info {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.Clone()
}

// State returns the current state.
func (s *Session) State() State {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.State
}

// Connect requests a connection cycle with a fresh attempt budget.
// It is a no-op while connecting or connected.
func (s *Session) Connect(ctx context.Context) error {
	_, err := call(ctx, s, func() struct{} {
		s.connectNow()
		return struct{}{}
	})
	return err
}

// Submit validates cmd and enqueues it.
//
// Fails fast with ErrNotConnected when the session is Disconnected, or
// Discovered without auto-connect. While Connecting or in Error the
// command waits in the queue until the connection is up, its deadline
// passes, or the session gives up.
func (s *Session) Submit(ctx context.Context, cmd Command) (*Pending, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	cmd = cmd.Clone()
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	now := time.Now()
	if cmd.Deadline.IsZero() {
		cmd.Deadline = now.Add(s.opts.CommandTimeout)
	}
	if !cmd.Deadline.After(now) {
		return nil, CommandFailure(ErrCommandTimeout, "deadline already passed")
	}
	if cmd.IsIdempotent() && cmd.MaxRetries == 0 {
		cmd.MaxRetries = DefaultMaxRetries
	}

	type reply struct {
		p   *Pending
		err error
	}
	r, err := call(ctx, s, func() reply {
		p, err := s.enqueue(cmd)
		return reply{p, err}
	})
	if err != nil {
		return nil, err
	}
	return r.p, r.err
}

// Cancel cancels a queued or in-flight command.
//
// A queued command is removed and resolves with ErrCancelled. An in-flight
// command resolves with ErrCancelled immediately but keeps the session Busy
// until the backend returns.
func (s *Session) Cancel(ctx context.Context, commandID string) error {
	r, err := call(ctx, s, func() error { return s.cancelCommand(commandID) })
	if err != nil {
		return err
	}
	return r
}

// Close stops the session. Queued and in-flight commands resolve with
// ErrCancelled and the connection is torn down best-effort.
func (s *Session) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, s *Session, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if !s.post(func() { reply <- fn() }) {
		return zero, ErrSessionClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrSessionClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post hands fn to the loop. It returns false once the loop has stopped.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
			s.refreshInfo()
		case <-s.stop:
			s.shutdown()
			s.refreshInfo()
			return
		}
	}
}

// refreshInfo publishes the loop state for readers.
func (s *Session) refreshInfo() {
	info := Info{
		Identity:   s.id,
		Kind:       s.kind,
		Address:    s.ann.Address,
		Name:       s.ann.Name,
		Model:      s.ann.Model,
		Meta:       copyStrings(s.ann.Meta),
		State:      s.state,
		Reason:     s.reason,
		Status:     s.lastStatus.Clone(),
		QueueDepth: len(s.queue),
		Attempts:   s.attempts,
		Seq:        s.seq,
		UpdatedAt:  s.lastTS,
	}
	if s.inflight != nil {
		info.InFlight = s.inflight.cmd.ID
	}
	s.infoMu.Lock()
	s.info = info
	s.infoMu.Unlock()
}

// transition moves to next and emits an update. Illegal moves are logged
// and refused.
func (s *Session) transition(next State, reason string) bool {
	prev := s.state
	if prev == next {
		return false
	}
	if !CanTransition(prev, next) {
		s.logger.Error("illegal state transition refused", "device", s.id, "from", prev, "to", next)
		return false
	}
	s.state = next
	s.reason = reason
	s.opts.Observer.StateChanged(s.kind, prev, next)
	s.logger.Debug("state changed", "device", s.id, "from", prev, "to", next, "reason", reason)
	s.emit(prev, SourceTransition)
	return true
}

// emit publishes an update for the current state. Timestamps are clamped
// so they never go backwards within the session.
func (s *Session) emit(prev State, source UpdateSource) {
	now := time.Now()
	if now.Before(s.lastTS) {
		now = s.lastTS
	}
	s.lastTS = now
	s.seq++
	s.opts.Publish(StatusUpdate{
		Identity:  s.id,
		Kind:      s.kind,
		Seq:       s.seq,
		Timestamp: now,
		State:     s.state,
		Previous:  prev,
		Reason:    s.reason,
		Source:    source,
		Status:    s.lastStatus.Clone(),
	})
}

// connectNow starts a fresh connection cycle when the state allows it.
func (s *Session) connectNow() {
	switch s.state {
	case StateDiscovered, StateError, StateDisconnected:
	default:
		return
	}
	s.stopRetry()
	s.attempts = 0
	s.backoff.Reset()
	s.startAttempt()
}

func (s *Session) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// startAttempt runs one connect attempt in its own goroutine.
func (s *Session) startAttempt() {
	if !s.transition(StateConnecting, "") {
		return
	}
	s.attempts++
	s.gen++
	gen := s.gen

	attemptCtx, attemptCancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	subCtx, subCancel := context.WithCancel(s.ctx)
	s.attemptCancel = attemptCancel
	s.subCancel = subCancel

	cfg := SessionConfig{
		Identity: s.id,
		Kind:     s.kind,
		Address:  s.ann.Address,
		Name:     s.ann.Name,
		Model:    s.ann.Model,
		Meta:     copyStrings(s.ann.Meta),
	}
	s.logger.Info("connecting", "device", s.id, "address", cfg.Address, "attempt", s.attempts)

	go func() {
		conn, snap, updates, err := s.dial(attemptCtx, subCtx, cfg)
		if !s.post(func() { s.onAttemptDone(gen, conn, snap, updates, err) }) && conn != nil {
			disconnectQuietly(conn)
		}
	}()
}

// dial performs handshake, initial status fetch and subscription.
func (s *Session) dial(attemptCtx, subCtx context.Context, cfg SessionConfig) (Conn, *Snapshot, <-chan Snapshot, error) {
	conn, err := s.backend.Connect(attemptCtx, cfg)
	if err != nil {
		return nil, nil, nil, connectErr(attemptCtx, err)
	}
	snap, err := conn.FetchStatus(attemptCtx)
	if err != nil {
		disconnectQuietly(conn)
		return nil, nil, nil, connectErr(attemptCtx, fmt.Errorf("initial status: %w", err))
	}
	updates, err := conn.SubscribeStatus(subCtx)
	if err != nil {
		disconnectQuietly(conn)
		return nil, nil, nil, connectErr(attemptCtx, fmt.Errorf("status subscription: %w", err))
	}
	return conn, &snap, updates, nil
}

// connectErr normalises connect failures so every error maps to a reason code.
func connectErr(ctx context.Context, err error) error {
	var ce *ConnectError
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ConnectError{Err: ErrConnectTimeout, Reason: err.Error()}
	case errors.Is(err, ErrCommandTimeout):
		return &ConnectError{Err: ErrConnectTimeout, Reason: err.Error()}
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrAuthRejected), errors.Is(err, ErrProtocolMismatch):
		return err
	default:
		return &ConnectError{Err: ErrProtocolMismatch, Reason: err.Error()}
	}
}

func disconnectQuietly(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDisconnectTimeout)
	defer cancel()
	conn.Disconnect(ctx)
}

func (s *Session) onAttemptDone(gen uint64, conn Conn, snap *Snapshot, updates <-chan Snapshot, err error) {
	if gen != s.gen || s.state != StateConnecting {
		if conn != nil {
			go disconnectQuietly(conn)
		}
		return
	}
	s.attemptCancel()
	s.attemptCancel = nil

	if err != nil {
		s.subCancel()
		s.subCancel = nil
		reason := ReasonCode(err)
		s.opts.Observer.ConnectAttempt(s.kind, reason)
		s.logger.Warn("connect failed", "device", s.id, "attempt", s.attempts, "error", err)
		s.transition(StateError, reason)
		s.scheduleRetry()
		return
	}

	s.opts.Observer.ConnectAttempt(s.kind, "ok")
	s.conn = conn
	s.attempts = 0
	s.backoff.Reset()
	if snap != nil {
		if snap.Timestamp.IsZero() {
			snap.Timestamp = time.Now()
		}
		s.lastStatus = snap.Clone()
	}
	s.transition(StateConnected, "")
	s.logger.Info("connected", "device", s.id)

	go s.pump(gen, updates)
	s.dispatchNext()
}

// pump forwards backend snapshots to the loop. Channel closure means the
// transport is gone.
func (s *Session) pump(gen uint64, updates <-chan Snapshot) {
	for snap := range updates {
		snap := snap
		if !s.post(func() { s.onSnapshot(gen, snap) }) {
			return
		}
	}
	s.post(func() {
		s.onTransportLost(gen, CommandFailure(ErrTransportLost, "status subscription closed"))
	})
}

func (s *Session) onSnapshot(gen uint64, snap Snapshot) {
	if gen != s.gen || !s.state.IsConnected() {
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	s.lastStatus = snap.Clone()
	s.emit(s.state, SourceBackend)
}

// scheduleRetry arms the backoff timer or gives up after MaxAttempts.
func (s *Session) scheduleRetry() {
	if s.attempts >= s.opts.MaxAttempts {
		reason := s.reason
		if reason == "" {
			reason = ReasonAttemptsExceeded
		}
		s.logger.Warn("giving up on device", "device", s.id, "attempts", s.attempts, "reason", reason)
		s.transition(StateDisconnected, reason)
		s.abandonQueued(CommandFailure(ErrNotConnected, "device disconnected after %d attempts", s.attempts))
		return
	}
	delay := s.backoff.Next()
	gen := s.gen
	s.logger.Debug("reconnect scheduled", "device", s.id, "delay", delay)
	s.retryTimer = time.AfterFunc(delay, func() {
		s.post(func() { s.onRetry(gen) })
	})
}

func (s *Session) onRetry(gen uint64) {
	if gen != s.gen || s.state != StateError {
		return
	}
	s.retryTimer = nil
	s.startAttempt()
}

// onTransportLost handles a dropped connection while Connected or Busy.
func (s *Session) onTransportLost(gen uint64, err error) {
	if gen != s.gen || !s.state.IsConnected() {
		return
	}
	s.logger.Warn("transport lost", "device", s.id, "error", err)
	s.dropConn()

	if j := s.inflight; j != nil {
		s.inflight = nil
		if !s.retryOrRequeue(j, err) {
			s.finish(j, Result{}, err)
		}
	}
	s.transition(StateError, ReasonCode(err))
	s.scheduleRetry()
}

// dropConn tears down the current connection without waiting.
func (s *Session) dropConn() {
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	if s.conn != nil {
		go disconnectQuietly(s.conn)
		s.conn = nil
	}
}

// reannounce applies a repeated announcement. It returns true when a new
// connection cycle was started.
func (s *Session) reannounce(ann Announcement) bool {
	switch s.state {
	case StateConnected, StateBusy, StateConnecting:
		return false
	case StateDiscovered:
		s.updateAnnouncement(ann)
		if !s.opts.AutoConnect {
			return false
		}
	default:
		s.updateAnnouncement(ann)
	}
	s.connectNow()
	return true
}

func (s *Session) updateAnnouncement(ann Announcement) {
	if ann.Address != "" && ann.Address != s.ann.Address {
		s.logger.Info("device address changed", "device", s.id, "from", s.ann.Address, "to", ann.Address)
		s.ann.Address = ann.Address
	}
	if ann.Name != "" {
		s.ann.Name = ann.Name
	}
	if ann.Model != "" {
		s.ann.Model = ann.Model
	}
	for k, v := range ann.Meta {
		if s.ann.Meta == nil {
			s.ann.Meta = make(map[string]string)
		}
		s.ann.Meta[k] = v
	}
	s.ann.SeenAt = ann.SeenAt
}

// shutdown runs on the loop when Close is called.
func (s *Session) shutdown() {
	s.stopRetry()
	cancelled := CommandFailure(ErrCancelled, "device removed")
	if j := s.inflight; j != nil {
		s.inflight = nil
		s.finish(j, Result{}, cancelled)
	}
	s.failQueued(cancelled)

	conn := s.conn
	s.conn = nil
	s.cancel()
	if s.state != StateDisconnected {
		s.transition(StateDisconnected, ReasonRemoved)
	}
	if conn != nil {
		disconnectQuietly(conn)
	}
	s.logger.Info("session closed", "device", s.id)
}
