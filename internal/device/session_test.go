package device

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestSession_HappyPath(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	id := Identity("moonraker:10.0.0.5")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.0.5:7125")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	updates := collectUntil(t, h.updates, id, StateConnected)

	res, err := h.disp.Execute(ctx, id, Command{Kind: CmdHome})
	if err != nil {
		t.Fatalf("Execute(home) error = %v", err)
	}
	if !res.Completed {
		t.Error("Result.Completed = false, want true")
	}
	if res.CommandID == "" {
		t.Error("Result.CommandID is empty")
	}

	updates = append(updates, collectUntil(t, h.updates, id, StateBusy)...)
	updates = append(updates, collectUntil(t, h.updates, id, StateConnected)...)

	want := []State{StateDiscovered, StateConnecting, StateConnected, StateBusy, StateConnected}
	if got := transitionStates(updates); !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	for i := 1; i < len(updates); i++ {
		if updates[i].Seq <= updates[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", updates[i-1].Seq, updates[i].Seq)
		}
		if updates[i].Timestamp.Before(updates[i-1].Timestamp) {
			t.Errorf("timestamp went backwards at update %d", i)
		}
	}

	info := waitState(t, h.reg, id, StateConnected)
	if info.Status == nil || info.Status.Temperatures["nozzle"].Current != 24 {
		t.Errorf("Info.Status = %+v, want initial snapshot", info.Status)
	}
}

func TestSession_FIFOWithoutOverlap(t *testing.T) {
	h := newHarness(t, testOptions())
	h.backend.setSubmit(func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		time.Sleep(2 * time.Millisecond)
		return Result{Completed: true}, nil
	})
	ctx := context.Background()
	id := Identity("moonraker:10.0.0.6")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.0.6")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	waitState(t, h.reg, id, StateConnected)

	var pendings []*Pending
	var want []string
	for i := 0; i < 10; i++ {
		cmdID := fmt.Sprintf("cmd-%02d", i)
		p, err := h.disp.Submit(ctx, id, Command{ID: cmdID, Kind: CmdMove, Params: map[string]any{"x": float64(i)}})
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", cmdID, err)
		}
		pendings = append(pendings, p)
		want = append(want, cmdID)
	}
	for _, p := range pendings {
		if _, err := waitPending(t, p); err != nil {
			t.Fatalf("command %s error = %v", p.ID(), err)
		}
	}

	if got := conn.commandOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("backend order = %v, want %v", got, want)
	}
	if n := conn.overlap(); n != 1 {
		t.Errorf("max concurrent commands = %d, want 1", n)
	}
}

func TestSession_ConcurrentSubmittersNeverOverlap(t *testing.T) {
	h := newHarness(t, testOptions())
	h.backend.setSubmit(func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		time.Sleep(time.Millisecond)
		return Result{Completed: true}, nil
	})
	ctx := context.Background()
	id := Identity("moonraker:10.0.0.7")
	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.0.7")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	waitState(t, h.reg, id, StateConnected)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.disp.Execute(ctx, id, Command{Kind: CmdPause}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Execute() error = %v", err)
	}
	if n := conn.overlap(); n != 1 {
		t.Errorf("max concurrent commands = %d, want 1", n)
	}
	if got := len(conn.commandOrder()); got != 20 {
		t.Errorf("backend saw %d commands, want 20", got)
	}
}

func TestSession_AttemptCeiling(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 3
	h := newHarness(t, opts)
	h.backend.setConnectErr(ConnectFailure(ErrUnreachable, "no route to host"))
	ctx := context.Background()
	id := Identity("moonraker:10.0.0.8")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.0.8")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	updates := collectUntil(t, h.updates, id, StateDisconnected)

	want := []State{
		StateDiscovered,
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateDisconnected,
	}
	if got := transitionStates(updates); !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	last := updates[len(updates)-1]
	if last.Reason != ReasonUnreachable {
		t.Errorf("terminal reason = %q, want %q", last.Reason, ReasonUnreachable)
	}

	// No further updates after the terminal one.
	select {
	case u := <-h.updates.C():
		t.Errorf("unexpected update after disconnect: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	if n := len(h.backend.attempts()); n != 3 {
		t.Errorf("connect attempts = %d, want 3", n)
	}

	_, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Submit() after give-up error = %v, want ErrNotConnected", err)
	}
}

func TestSession_BackoffBetweenAttempts(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 4
	opts.Backoff = BackoffConfig{Initial: 20 * time.Millisecond, Max: 40 * time.Millisecond, Jitter: 0}
	h := newHarness(t, opts)
	h.backend.setConnectErr(ConnectFailure(ErrAuthRejected, "bad access code"))
	id := Identity("moonraker:10.0.0.9")

	if _, err := h.reg.Upsert(context.Background(), id, announcement("10.0.0.9")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	info := waitState(t, h.reg, id, StateDisconnected)
	if info.Reason != ReasonAuthRejected {
		t.Errorf("Reason = %q, want %q", info.Reason, ReasonAuthRejected)
	}

	times := h.backend.attempts()
	if len(times) != 4 {
		t.Fatalf("attempts = %d, want 4", len(times))
	}
	wantMin := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, min := range wantMin {
		if gap := times[i+1].Sub(times[i]); gap < min {
			t.Errorf("gap before attempt %d = %v, want >= %v", i+2, gap, min)
		}
	}
}

func TestSession_SubmitWithoutAutoConnect(t *testing.T) {
	opts := testOptions()
	opts.AutoConnect = false
	h := newHarness(t, opts)
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.1")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.1")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Submit() error = %v, want ErrNotConnected", err)
	}
	if info, _ := h.reg.Info(id); info.State != StateDiscovered {
		t.Errorf("State = %q, want discovered", info.State)
	}

	if err := h.reg.Connect(ctx, id); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)
	if _, err := h.disp.Execute(ctx, id, Command{Kind: CmdHome}); err != nil {
		t.Errorf("Execute() after Connect error = %v", err)
	}
}

func TestSession_QueuesWhileConnecting(t *testing.T) {
	h := newHarness(t, testOptions())
	gate := make(chan struct{})
	h.backend.mu.Lock()
	h.backend.connectGate = gate
	h.backend.mu.Unlock()
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.2")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.2")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnecting)

	p, err := h.disp.Submit(ctx, id, Command{Kind: CmdResume})
	if err != nil {
		t.Fatalf("Submit() while connecting error = %v", err)
	}
	if info, _ := h.reg.Info(id); info.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", info.QueueDepth)
	}

	close(gate)
	if _, err := waitPending(t, p); err != nil {
		t.Errorf("queued command error = %v", err)
	}
}

func TestSession_CancelQueued(t *testing.T) {
	h := newHarness(t, testOptions())
	release := make(chan struct{})
	h.backend.setSubmit(blockUntil(release))
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.3")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.3")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	waitState(t, h.reg, id, StateConnected)

	first, err := h.disp.Submit(ctx, id, Command{ID: "first", Kind: CmdHome})
	if err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	waitState(t, h.reg, id, StateBusy)
	second, err := h.disp.Submit(ctx, id, Command{ID: "second", Kind: CmdHome})
	if err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}

	if err := h.disp.Cancel(ctx, "second"); err != nil {
		t.Fatalf("Cancel(second) error = %v", err)
	}
	if _, err := waitPending(t, second); !errors.Is(err, ErrCancelled) {
		t.Errorf("second error = %v, want ErrCancelled", err)
	}

	close(release)
	if _, err := waitPending(t, first); err != nil {
		t.Errorf("first error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)
	if got := conn.commandOrder(); !reflect.DeepEqual(got, []string{"first"}) {
		t.Errorf("backend order = %v, want [first]", got)
	}
	if err := h.disp.Cancel(ctx, "second"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("second Cancel() error = %v, want ErrCommandNotFound", err)
	}
}

func TestSession_CancelInFlightKeepsBusy(t *testing.T) {
	h := newHarness(t, testOptions())
	release := make(chan struct{})
	h.backend.setSubmit(blockUntil(release))
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.4")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.4")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	p, err := h.disp.Submit(ctx, id, Command{Kind: CmdSubmitJob, Params: map[string]any{"file": "benchy.gcode"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitState(t, h.reg, id, StateBusy)

	if err := h.disp.Cancel(ctx, p.ID()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := waitPending(t, p); !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}

	time.Sleep(20 * time.Millisecond)
	if info, _ := h.reg.Info(id); info.State != StateBusy {
		t.Errorf("State after cancel = %q, want busy until backend returns", info.State)
	}

	close(release)
	waitState(t, h.reg, id, StateConnected)

	// The late backend success does not overwrite the cancellation.
	if _, err := p.Outcome(); !errors.Is(err, ErrCancelled) {
		t.Errorf("outcome after release = %v, want ErrCancelled", err)
	}
}

func TestSession_DeadlineWhileDispatched(t *testing.T) {
	h := newHarness(t, testOptions())
	release := make(chan struct{})
	h.backend.setSubmit(func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		<-release
		return Result{Completed: true}, nil
	})
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.5")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.5")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	p, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome, Deadline: time.Now().Add(30 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := waitPending(t, p); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("error = %v, want ErrCommandTimeout", err)
	}
	if info, _ := h.reg.Info(id); info.State != StateBusy {
		t.Errorf("State after timeout = %q, want busy", info.State)
	}

	// A second command waits for the stuck one.
	next, err := h.disp.Submit(ctx, id, Command{Kind: CmdPause})
	if err != nil {
		t.Fatalf("Submit(next) error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if next.Resolved() {
		t.Error("second command ran while the first was still in flight")
	}

	close(release)
	if _, err := waitPending(t, next); err != nil {
		t.Errorf("second command error = %v", err)
	}
}

func TestSession_DeadlineWhileQueued(t *testing.T) {
	h := newHarness(t, testOptions())
	release := make(chan struct{})
	h.backend.setSubmit(blockUntil(release))
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.6")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.6")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	waitState(t, h.reg, id, StateConnected)

	first, err := h.disp.Submit(ctx, id, Command{ID: "long", Kind: CmdHome})
	if err != nil {
		t.Fatalf("Submit(long) error = %v", err)
	}
	queued, err := h.disp.Submit(ctx, id, Command{ID: "short", Kind: CmdHome, Deadline: time.Now().Add(20 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Submit(short) error = %v", err)
	}
	if _, err := waitPending(t, queued); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("queued error = %v, want ErrCommandTimeout", err)
	}

	close(release)
	if _, err := waitPending(t, first); err != nil {
		t.Errorf("first error = %v", err)
	}
	if got := conn.commandOrder(); !reflect.DeepEqual(got, []string{"long"}) {
		t.Errorf("backend order = %v, want [long]", got)
	}
}

func TestSession_TransportLostWhileBusy(t *testing.T) {
	opts := testOptions()
	opts.Backoff = BackoffConfig{Initial: 25 * time.Millisecond, Max: 50 * time.Millisecond, Jitter: 0}
	h := newHarness(t, opts)
	h.backend.setSubmit(blockUntil(make(chan struct{})))
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.7")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.7")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	collectUntil(t, h.updates, id, StateConnected)

	p, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	collectUntil(t, h.updates, id, StateBusy)

	h.backend.setSubmit(nil)
	conn.drop()

	if _, err := waitPending(t, p); !errors.Is(err, ErrTransportLost) {
		t.Errorf("in-flight error = %v, want ErrTransportLost", err)
	}

	updates := collectUntil(t, h.updates, id, StateConnected)
	want := []State{StateError, StateConnecting, StateConnected}
	if got := transitionStates(updates); !reflect.DeepEqual(got, want) {
		t.Errorf("transitions after drop = %v, want %v", got, want)
	}
	if updates[0].Reason != ReasonTransportLost {
		t.Errorf("error reason = %q, want %q", updates[0].Reason, ReasonTransportLost)
	}

	h.backend.waitConn(t)
	times := h.backend.attempts()
	if len(times) != 2 {
		t.Fatalf("connect attempts = %d, want 2", len(times))
	}

	// Identity and last status survive the reconnect.
	info := waitState(t, h.reg, id, StateConnected)
	if info.Identity != id || info.Status == nil {
		t.Errorf("Info after reconnect = %+v", info)
	}
	if _, err := h.disp.Execute(ctx, id, Command{Kind: CmdPause}); err != nil {
		t.Errorf("Execute() after reconnect error = %v", err)
	}
}

func TestSession_TransportLostThenAttemptCeiling(t *testing.T) {
	h := newHarness(t, testOptions())
	h.backend.setSubmit(blockUntil(make(chan struct{})))
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.8")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.8")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	collectUntil(t, h.updates, id, StateConnected)

	p, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	collectUntil(t, h.updates, id, StateBusy)

	h.backend.setConnectErr(ConnectFailure(ErrUnreachable, "printer powered off"))
	conn.drop()

	if _, err := waitPending(t, p); !errors.Is(err, ErrTransportLost) {
		t.Errorf("in-flight error = %v, want ErrTransportLost", err)
	}

	updates := collectUntil(t, h.updates, id, StateDisconnected)
	want := []State{StateError}
	for i := 0; i < 5; i++ {
		want = append(want, StateConnecting, StateError)
	}
	want = append(want, StateDisconnected)
	if got := transitionStates(updates); !reflect.DeepEqual(got, want) {
		t.Errorf("transitions after drop = %v, want %v", got, want)
	}
	if last := updates[len(updates)-1]; last.Reason != ReasonUnreachable {
		t.Errorf("terminal reason = %q, want %q", last.Reason, ReasonUnreachable)
	}

	select {
	case u := <-h.updates.C():
		t.Errorf("unexpected update after disconnect: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	if n := len(h.backend.attempts()); n != 6 {
		t.Errorf("connect attempts = %d, want 6", n)
	}
	info, err := h.reg.Info(id)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.State != StateDisconnected || info.Status == nil {
		t.Errorf("Info after give-up = %+v", info)
	}
}

func TestSession_RequeuedRetryKeepsTransportErrorOnGiveUp(t *testing.T) {
	h := newHarness(t, testOptions())
	h.backend.setSubmit(blockUntil(make(chan struct{})))
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.9")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.9")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	collectUntil(t, h.updates, id, StateConnected)

	retried, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome, Idempotent: true, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	collectUntil(t, h.updates, id, StateBusy)
	queued, err := h.disp.Submit(ctx, id, Command{Kind: CmdPause})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	h.backend.setConnectErr(ConnectFailure(ErrUnreachable, "printer powered off"))
	conn.drop()

	if _, err := waitPending(t, retried); !errors.Is(err, ErrTransportLost) {
		t.Errorf("requeued command error = %v, want ErrTransportLost", err)
	}
	if _, err := waitPending(t, queued); !errors.Is(err, ErrNotConnected) {
		t.Errorf("queued command error = %v, want ErrNotConnected", err)
	}
}

func TestSession_IdempotentRetriedAfterTransportLost(t *testing.T) {
	h := newHarness(t, testOptions())
	var calls int
	var mu sync.Mutex
	h.backend.setSubmit(func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			c.drop()
			return Result{}, CommandFailure(ErrTransportLost, "reset by peer")
		}
		return Result{Completed: true}, nil
	})
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.8")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.8")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	res, err := h.disp.Execute(ctx, id, Command{Kind: CmdHome, Idempotent: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if n := len(h.backend.attempts()); n != 2 {
		t.Errorf("connect attempts = %d, want 2", n)
	}
}

func TestSession_NonIdempotentNotRetried(t *testing.T) {
	h := newHarness(t, testOptions())
	var mu sync.Mutex
	calls := 0
	h.backend.setSubmit(func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Result{}, CommandFailure(ErrCommandTimeout, "no reply")
	})
	ctx := context.Background()
	id := Identity("moonraker:10.0.1.9")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.1.9")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	if _, err := h.disp.Execute(ctx, id, Command{Kind: CmdPause}); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("error = %v, want ErrCommandTimeout", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
}

func TestSession_RejectedReachesCaller(t *testing.T) {
	h := newHarness(t, testOptions())
	h.backend.setSubmit(func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		return Result{}, Rejected("printer is idle")
	})
	ctx := context.Background()
	id := Identity("moonraker:10.0.2.1")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.2.1")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	_, err := h.disp.Execute(ctx, id, Command{Kind: CmdResume})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Reason != "printer is idle" {
		t.Errorf("CommandError = %+v, want reason", ce)
	}
	waitState(t, h.reg, id, StateConnected)
}

func TestSession_QueryStatusRefreshesStatus(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	id := Identity("moonraker:10.0.2.2")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.2.2")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	res, err := h.disp.Execute(ctx, id, Command{Kind: CmdQueryStatus})
	if err != nil {
		t.Fatalf("Execute(query_status) error = %v", err)
	}
	snap, ok := res.Data["status"].(*Snapshot)
	if !ok || snap.Temperatures["nozzle"].Current != 24 {
		t.Errorf("status data = %#v", res.Data["status"])
	}
}

func TestSession_BackendSnapshotsReachListeners(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	id := Identity("moonraker:10.0.2.3")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.2.3")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	collectUntil(t, h.updates, id, StateConnected)

	conn.push <- Snapshot{Progress: 42, JobName: "benchy.gcode"}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.updates.C():
			if u.Source != SourceBackend {
				continue
			}
			if u.Status == nil || u.Status.Progress != 42 || u.State != StateConnected {
				t.Errorf("backend update = %+v", u)
			}
			deadline := time.Now().Add(time.Second)
			for {
				info, _ := h.reg.Info(id)
				if info.Status != nil && info.Status.JobName == "benchy.gcode" {
					return
				}
				if time.Now().After(deadline) {
					t.Fatalf("Info.Status not refreshed: %+v", info.Status)
				}
				time.Sleep(2 * time.Millisecond)
			}
		case <-timeout:
			t.Fatal("no backend update received")
		}
	}
}

func TestSession_QueueLimit(t *testing.T) {
	opts := testOptions()
	opts.QueueLimit = 2
	h := newHarness(t, opts)
	release := make(chan struct{})
	defer close(release)
	h.backend.setSubmit(blockUntil(release))
	ctx := context.Background()
	id := Identity("moonraker:10.0.2.4")

	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.2.4")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	if _, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome}); err != nil {
		t.Fatalf("Submit(in flight) error = %v", err)
	}
	waitState(t, h.reg, id, StateBusy)
	for i := 0; i < 2; i++ {
		if _, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome}); err != nil {
			t.Fatalf("Submit(queued %d) error = %v", i, err)
		}
	}
	if _, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit(over limit) error = %v, want ErrQueueFull", err)
	}
}

func TestSession_InvalidCommand(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	id := Identity("moonraker:10.0.2.5")
	if _, err := h.reg.Upsert(ctx, id, announcement("10.0.2.5")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	tests := []Command{
		{Kind: "launch"},
		{Kind: CmdSubmitJob},
		{Kind: CmdSetLight},
		{Kind: CmdMove},
		{Kind: CmdCustom},
	}
	for _, cmd := range tests {
		if _, err := h.disp.Submit(ctx, id, cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("Submit(%s) error = %v, want ErrInvalidCommand", cmd.Kind, err)
		}
	}
	past := Command{Kind: CmdHome, Deadline: time.Now().Add(-time.Second)}
	if _, err := h.disp.Submit(ctx, id, past); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("Submit(past deadline) error = %v, want ErrCommandTimeout", err)
	}
}
