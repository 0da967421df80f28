package device

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// submitFunc scripts a fake connection's command handling.
type submitFunc func(ctx context.Context, c *fakeConn, cmd Command) (Result, error)

// fakeBackend is a scripted Backend used across the package tests.
type fakeBackend struct {
	kind Kind

	mu           sync.Mutex
	connectErrs  []error // consumed in order before connectErr applies
	connectErr   error
	connectGate  chan struct{}
	connectTimes []time.Time
	conns        []*fakeConn
	submit       submitFunc

	connected chan *fakeConn
}

func newFakeBackend(kind Kind) *fakeBackend {
	return &fakeBackend{
		kind:      kind,
		connected: make(chan *fakeConn, 32),
	}
}

func (b *fakeBackend) Kind() Kind { return b.kind }

func (b *fakeBackend) Connect(ctx context.Context, cfg SessionConfig) (Conn, error) {
	b.mu.Lock()
	b.connectTimes = append(b.connectTimes, time.Now())
	gate := b.connectGate
	var err error
	if len(b.connectErrs) > 0 {
		err = b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
	} else {
		err = b.connectErr
	}
	submit := b.submit
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &fakeConn{
		address: cfg.Address,
		submit:  submit,
		push:    make(chan Snapshot),
		lost:    make(chan struct{}),
	}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	select {
	case b.connected <- c:
	default:
	}
	return c, nil
}

func (b *fakeBackend) setConnectErr(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) setSubmit(fn submitFunc) {
	b.mu.Lock()
	b.submit = fn
	b.mu.Unlock()
}

func (b *fakeBackend) attempts() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.connectTimes...)
}

// waitConn returns the next connection the backend hands out.
func (b *fakeBackend) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-b.connected:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// fakeConn records command order and detects overlapping calls.
type fakeConn struct {
	address string
	submit  submitFunc

	mu        sync.Mutex
	order     []string
	active    int
	maxActive int

	push         chan Snapshot
	lost         chan struct{}
	lostOnce     sync.Once
	disconnected atomic.Bool
}

func (c *fakeConn) Submit(ctx context.Context, cmd Command) (Result, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.order = append(c.order, cmd.ID)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if c.disconnected.Load() {
		return Result{}, CommandFailure(ErrNotConnected, "closed")
	}
	if c.submit != nil {
		return c.submit(ctx, c, cmd)
	}
	return Result{Completed: true}, nil
}

func (c *fakeConn) FetchStatus(context.Context) (Snapshot, error) {
	return Snapshot{
		Timestamp:    time.Now(),
		Temperatures: map[string]Temperature{"nozzle": {Current: 24, Target: 0}},
	}, nil
}

func (c *fakeConn) SubscribeStatus(ctx context.Context) (<-chan Snapshot, error) {
	out := make(chan Snapshot, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.lost:
				return
			case s := <-c.push:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *fakeConn) Disconnect(context.Context) {
	c.disconnected.Store(true)
	c.drop()
}

// drop simulates the transport going away.
func (c *fakeConn) drop() {
	c.lostOnce.Do(func() { close(c.lost) })
}

func (c *fakeConn) commandOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *fakeConn) overlap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

// blockUntil returns a submit script that waits for release, ctx or a drop.
func blockUntil(release <-chan struct{}) submitFunc {
	return func(ctx context.Context, c *fakeConn, cmd Command) (Result, error) {
		select {
		case <-release:
			return Result{Completed: true, Data: map[string]any{"id": cmd.ID}}, nil
		case <-c.lost:
			return Result{}, CommandFailure(ErrTransportLost, "connection dropped")
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// testOptions returns fast session timings for tests.
func testOptions() SessionOptions {
	return SessionOptions{
		AutoConnect: true,
		Backoff: BackoffConfig{
			Initial: 10 * time.Millisecond,
			Max:     40 * time.Millisecond,
			Jitter:  0,
		},
		MaxAttempts:    5,
		ConnectTimeout: time.Second,
		CommandTimeout: 2 * time.Second,
	}
}

// harness wires a registry, aggregator, dispatcher and one fake backend.
type harness struct {
	backend *fakeBackend
	agg     *Aggregator
	reg     *Registry
	disp    *Dispatcher
	updates *Listener
}

func newHarness(t *testing.T, opts SessionOptions) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(KindMoonraker),
		agg:     NewAggregator(nil),
	}
	h.updates = h.agg.Subscribe("test", 1024)
	h.reg = NewRegistry(RegistryOptions{
		Backends: []Backend{h.backend},
		Session:  opts,
		Publish:  h.agg.Publish,
	})
	h.disp = NewDispatcher(h.reg, DispatcherOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.reg.Close(ctx); err != nil {
			t.Errorf("registry close: %v", err)
		}
		h.agg.Close()
	})
	return h
}

func announcement(addr string) Announcement {
	return Announcement{Kind: KindMoonraker, Address: addr, Name: "voron", Source: "test"}
}

// waitState polls a session until it reaches want.
func waitState(t *testing.T, reg *Registry, id Identity, want State) Info {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		info, err := reg.Info(id)
		if err == nil && info.State == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("device %s: state = %q, want %q (err %v)", id, info.State, want, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// collectUntil reads updates for id until one reaches want.
func collectUntil(t *testing.T, l *Listener, id Identity, want State) []StatusUpdate {
	t.Helper()
	var got []StatusUpdate
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-l.C():
			if !ok {
				t.Fatal("listener closed")
			}
			if u.Identity != id {
				continue
			}
			got = append(got, u)
			if u.State == want && u.Source == SourceTransition {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to reach %s; saw %v", id, want, transitionStates(got))
			return nil
		}
	}
}

func transitionStates(updates []StatusUpdate) []State {
	var states []State
	for _, u := range updates {
		if u.Source == SourceTransition {
			states = append(states, u.State)
		}
	}
	return states
}

func waitPending(t *testing.T, p *Pending) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("command %s did not resolve", p.ID())
	}
	return res, err
}
