package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// enqueue accepts a command into the FIFO. Runs on the loop.
func (s *Session) enqueue(cmd Command) (*Pending, error) {
	switch s.state {
	case StateDisconnected:
		return nil, CommandFailure(ErrNotConnected, "device is disconnected")
	case StateDiscovered:
		if !s.opts.AutoConnect {
			return nil, CommandFailure(ErrNotConnected, "device has not been connected")
		}
	}
	if s.opts.QueueLimit > 0 && len(s.queue) >= s.opts.QueueLimit {
		return nil, ErrQueueFull
	}
	if s.findQueued(cmd.ID) >= 0 || (s.inflight != nil && s.inflight.cmd.ID == cmd.ID) {
		return nil, fmt.Errorf("%w: duplicate command id %q", ErrInvalidCommand, cmd.ID)
	}

	now := time.Now()
	j := &job{
		cmd:     cmd,
		pending: newPending(cmd.ID, s.id, cmd.Kind, now),
	}
	id := cmd.ID
	j.timer = time.AfterFunc(time.Until(cmd.Deadline), func() {
		s.post(func() { s.expire(id) })
	})
	s.queue = append(s.queue, j)
	s.logger.Debug("command queued", "device", s.id, "command", id, "kind", cmd.Kind, "depth", len(s.queue))

	s.dispatchNext()
	return j.pending, nil
}

func (s *Session) findQueued(id string) int {
	for i, j := range s.queue {
		if j.cmd.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) removeQueued(i int) *job {
	j := s.queue[i]
	copy(s.queue[i:], s.queue[i+1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
	return j
}

// dispatchNext hands the head of the queue to the backend when the session
// is Connected and idle.
func (s *Session) dispatchNext() {
	if s.state != StateConnected || s.inflight != nil || len(s.queue) == 0 || s.conn == nil {
		return
	}
	j := s.removeQueued(0)
	s.inflight = j
	j.attempts++
	if j.started.IsZero() {
		j.started = time.Now()
	}
	s.transition(StateBusy, "")

	conn, gen, attempt := s.conn, s.gen, j.attempts
	ctx, cancel := context.WithDeadline(s.ctx, j.cmd.Deadline)
	s.logger.Debug("command dispatched", "device", s.id, "command", j.cmd.ID, "kind", j.cmd.Kind, "attempt", attempt)

	go func() {
		defer cancel()
		res, err := execute(ctx, conn, j.cmd)
		s.post(func() { s.onCommandDone(gen, j, attempt, res, err) })
	}()
}

// execute runs one command against a connection. query_status is served
// by FetchStatus so the session can refresh its last known status.
func execute(ctx context.Context, conn Conn, cmd Command) (Result, error) {
	if cmd.Kind == CmdQueryStatus {
		snap, err := conn.FetchStatus(ctx)
		if err != nil {
			return Result{}, commandErr(ctx, err)
		}
		return Result{Completed: true, Data: map[string]any{"status": &snap}}, nil
	}
	res, err := conn.Submit(ctx, cmd)
	if err != nil {
		return Result{}, commandErr(ctx, err)
	}
	return res, nil
}

// commandErr maps context expiry onto ErrCommandTimeout so callers see the
// documented error set.
func commandErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrCommandTimeout) {
		return &CommandError{Err: ErrCommandTimeout, Reason: err.Error()}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		return &CommandError{Err: ErrCancelled, Reason: err.Error()}
	}
	return err
}

// onCommandDone receives the backend outcome. Runs on the loop.
func (s *Session) onCommandDone(gen uint64, j *job, attempt int, res Result, err error) {
	if s.inflight != j || j.attempts != attempt || gen != s.gen {
		return
	}
	s.inflight = nil

	if res.Completed && err == nil {
		if snap, ok := res.Data["status"].(*Snapshot); ok && snap != nil {
			if snap.Timestamp.IsZero() {
				snap.Timestamp = time.Now()
			}
			s.lastStatus = snap.Clone()
			s.emit(s.state, SourceBackend)
		}
	}

	if errors.Is(err, ErrTransportLost) {
		if !s.retryOrRequeue(j, err) {
			s.finish(j, Result{}, err)
		}
		s.onTransportLost(gen, err)
		return
	}

	if err != nil && s.retryOrRequeue(j, err) {
		s.logger.Debug("retrying idempotent command", "device", s.id, "command", j.cmd.ID, "error", err)
	} else {
		s.finish(j, res, err)
	}

	s.transition(StateConnected, "")
	s.dispatchNext()
}

// retryOrRequeue puts an idempotent command back at the head of the queue
// when it has retries and time left. It returns false when the caller
// should get the error instead.
func (s *Session) retryOrRequeue(j *job, err error) bool {
	if !j.cmd.IsIdempotent() || !IsRetryable(err) {
		return false
	}
	if j.pending.Resolved() || j.attempts > j.cmd.MaxRetries || !time.Now().Before(j.cmd.Deadline) {
		return false
	}
	j.retryErr = err
	s.queue = append([]*job{j}, s.queue...)
	return true
}

// finish resolves a job and records metrics.
func (s *Session) finish(j *job, res Result, err error) {
	if j.timer != nil {
		j.timer.Stop()
	}
	res.Attempts = j.attempts
	res.FinishedAt = time.Now()
	if err != nil {
		res.Completed = false
	}
	if !j.pending.resolve(res, err) {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = ReasonCode(err)
	}
	elapsed := 0.0
	if !j.started.IsZero() {
		elapsed = time.Since(j.started).Seconds()
	}
	s.opts.Observer.CommandFinished(s.kind, j.cmd.Kind, outcome, elapsed)
	if err != nil {
		s.logger.Info("command failed", "device", s.id, "command", j.cmd.ID, "kind", j.cmd.Kind, "error", err)
	} else {
		s.logger.Debug("command completed", "device", s.id, "command", j.cmd.ID, "kind", j.cmd.Kind)
	}
}

// failQueued resolves every queued command with err.
func (s *Session) failQueued(err error) {
	queue := s.queue
	s.queue = nil
	for _, j := range queue {
		s.finish(j, Result{}, err)
	}
}

// abandonQueued resolves every queued command once the session gives up
// reconnecting. Commands waiting on a retry keep the error that caused it.
func (s *Session) abandonQueued(err error) {
	queue := s.queue
	s.queue = nil
	for _, j := range queue {
		if j.retryErr != nil {
			s.finish(j, Result{}, j.retryErr)
			continue
		}
		s.finish(j, Result{}, err)
	}
}

// expire fires when a command's deadline passes.
//
// A queued command is dropped. An in-flight command is released to its
// caller but the session stays Busy until the backend returns.
func (s *Session) expire(id string) {
	if i := s.findQueued(id); i >= 0 {
		j := s.removeQueued(i)
		s.finish(j, Result{}, CommandFailure(ErrCommandTimeout, "deadline expired while queued"))
		return
	}
	if j := s.inflight; j != nil && j.cmd.ID == id {
		s.finish(j, Result{}, CommandFailure(ErrCommandTimeout, "deadline expired while dispatched"))
	}
}

// cancelCommand implements Session.Cancel on the loop.
func (s *Session) cancelCommand(id string) error {
	if i := s.findQueued(id); i >= 0 {
		j := s.removeQueued(i)
		s.finish(j, Result{}, CommandFailure(ErrCancelled, "cancelled while queued"))
		return nil
	}
	if j := s.inflight; j != nil && j.cmd.ID == id {
		if j.pending.Resolved() {
			return ErrCommandNotFound
		}
		s.finish(j, Result{}, CommandFailure(ErrCancelled, "cancelled while dispatched"))
		return nil
	}
	return ErrCommandNotFound
}
