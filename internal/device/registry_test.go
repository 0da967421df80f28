package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockStore is a test implementation of Store.
type MockStore struct {
	mu      sync.Mutex
	saved   map[Identity]Announcement
	deleted []Identity
	saveErr error
}

func NewMockStore() *MockStore {
	return &MockStore{saved: make(map[Identity]Announcement)}
}

func (m *MockStore) SaveRegistration(_ context.Context, id Identity, ann Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[id] = ann
	return nil
}

func (m *MockStore) DeleteRegistration(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func TestRegistry_UpsertIsIdempotent(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ann := announcement("10.0.3.1")
	id := ann.ResolveIdentity()

	if _, err := h.reg.Upsert(ctx, id, ann); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	info, err := h.reg.Upsert(ctx, id, ann)
	if err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	if info.State != StateConnected {
		t.Errorf("State after re-announce = %q, want connected", info.State)
	}
	if got := len(h.reg.List()); got != 1 {
		t.Errorf("List() has %d sessions, want 1", got)
	}
	if n := len(h.backend.attempts()); n != 1 {
		t.Errorf("connect attempts = %d, want 1", n)
	}
}

func TestRegistry_ConcurrentUpsertCreatesOneSession(t *testing.T) {
	h := newHarness(t, testOptions())
	ann := announcement("10.0.3.2")
	id := ann.ResolveIdentity()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.reg.Upsert(context.Background(), id, ann); err != nil {
				t.Errorf("Upsert() error = %v", err)
			}
		}()
	}
	wg.Wait()

	waitState(t, h.reg, id, StateConnected)
	if got := len(h.reg.List()); got != 1 {
		t.Errorf("List() has %d sessions, want 1", got)
	}
	if n := len(h.backend.attempts()); n != 1 {
		t.Errorf("connect attempts = %d, want 1", n)
	}
}

func TestRegistry_ReannounceRevivesDisconnected(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	h := newHarness(t, opts)
	h.backend.setConnectErr(ConnectFailure(ErrUnreachable, "host down"))
	ctx := context.Background()
	ann := announcement("10.0.3.3:7125")
	id := ann.ResolveIdentity()

	if _, err := h.reg.Upsert(ctx, id, ann); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateDisconnected)

	h.backend.setConnectErr(nil)
	moved := ann
	moved.Address = "10.0.3.3:7200"
	if _, err := h.reg.Upsert(ctx, id, moved); err != nil {
		t.Fatalf("re-announce Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	info := waitState(t, h.reg, id, StateConnected)

	if info.Address != "10.0.3.3:7200" {
		t.Errorf("Address = %q, want updated address", info.Address)
	}
	if conn.address != "10.0.3.3:7200" {
		t.Errorf("backend dialled %q, want updated address", conn.address)
	}
	if info.Attempts != 0 {
		t.Errorf("Attempts after connect = %d, want 0", info.Attempts)
	}
}

func TestRegistry_KindMismatchIsDuplicate(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	id := Identity("printer-1")

	if _, err := h.reg.Register(ctx, id, announcement("10.0.3.4")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := h.reg.Register(ctx, id, announcement("10.0.3.4")); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("second Register() error = %v, want ErrDuplicateIdentity", err)
	}

	other := Announcement{Kind: KindSerial, Address: "/dev/ttyUSB0"}
	if _, err := h.reg.Upsert(ctx, id, other); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("Upsert(other kind) error = %v, want ErrDuplicateIdentity", err)
	}
}

func TestRegistry_RemoveThenGet(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ann := announcement("10.0.3.5")
	id := ann.ResolveIdentity()

	if _, err := h.reg.Upsert(ctx, id, ann); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	conn := h.backend.waitConn(t)
	waitState(t, h.reg, id, StateConnected)

	if err := h.reg.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := h.reg.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
	}
	if err := h.reg.Remove(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
	if !conn.disconnected.Load() {
		t.Error("backend connection was not disconnected")
	}
	collectUntil(t, h.updates, id, StateDisconnected)
}

func TestRegistry_RemoveCancelsCommands(t *testing.T) {
	h := newHarness(t, testOptions())
	h.backend.setSubmit(blockUntil(make(chan struct{})))
	ctx := context.Background()
	ann := announcement("10.0.3.6")
	id := ann.ResolveIdentity()

	if _, err := h.reg.Upsert(ctx, id, ann); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	waitState(t, h.reg, id, StateConnected)

	inflight, err := h.disp.Submit(ctx, id, Command{Kind: CmdHome})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitState(t, h.reg, id, StateBusy)
	queued, err := h.disp.Submit(ctx, id, Command{Kind: CmdPause})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := h.reg.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	for _, p := range []*Pending{inflight, queued} {
		if _, err := waitPending(t, p); !errors.Is(err, ErrCancelled) {
			t.Errorf("%s error = %v, want ErrCancelled", p.ID(), err)
		}
	}
}

func TestRegistry_ListSortedAndStats(t *testing.T) {
	opts := testOptions()
	opts.AutoConnect = false
	h := newHarness(t, opts)
	ctx := context.Background()

	for _, addr := range []string{"10.0.4.3", "10.0.4.1", "10.0.4.2"} {
		if _, err := h.reg.Upsert(ctx, "", announcement(addr)); err != nil {
			t.Fatalf("Upsert(%s) error = %v", addr, err)
		}
	}

	list := h.reg.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Identity >= list[i].Identity {
			t.Errorf("List() not sorted: %s before %s", list[i-1].Identity, list[i].Identity)
		}
	}
	if list[0].Identity != "moonraker:10.0.4.1" {
		t.Errorf("first identity = %q", list[0].Identity)
	}

	st := h.reg.Stats()
	if st.Total != 3 || st.ByKind[KindMoonraker] != 3 || st.ByState[StateDiscovered] != 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRegistry_Consume(t *testing.T) {
	opts := testOptions()
	opts.AutoConnect = false
	h := newHarness(t, opts)

	ch := make(chan Announcement, 4)
	ch <- announcement("10.0.5.1")
	ch <- announcement("10.0.5.2")
	ch <- announcement("10.0.5.1")
	ch <- Announcement{Kind: "fax", Address: "x"}
	close(ch)

	if err := h.reg.Consume(context.Background(), ch); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if got := len(h.reg.List()); got != 2 {
		t.Errorf("List() len = %d, want 2", got)
	}
}

func TestRegistry_ConsumeStopsOnContext(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reg.Consume(ctx, make(chan Announcement)) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Consume() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume() did not return after cancel")
	}
}

func TestRegistry_RegisterPersists(t *testing.T) {
	store := NewMockStore()
	backend := newFakeBackend(KindSerial)
	reg := NewRegistry(RegistryOptions{
		Backends: []Backend{backend},
		Session:  testOptions(),
		Store:    store,
	})
	ctx := context.Background()
	defer reg.Close(ctx)

	ann := Announcement{Kind: KindSerial, Address: "/dev/ttyACM0", Name: "prusa"}
	info, err := reg.Register(ctx, "prusa-mk3", ann)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if info.Identity != "prusa-mk3" {
		t.Errorf("Identity = %q", info.Identity)
	}

	store.mu.Lock()
	saved, ok := store.saved["prusa-mk3"]
	store.mu.Unlock()
	if !ok || saved.Address != "/dev/ttyACM0" || saved.Source != "api" {
		t.Errorf("saved registration = %+v, %v", saved, ok)
	}

	if err := reg.Remove(ctx, "prusa-mk3"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.deleted) != 1 || store.deleted[0] != "prusa-mk3" {
		t.Errorf("deleted = %v", store.deleted)
	}
}

func TestRegistry_RegisterRollsBackOnStoreError(t *testing.T) {
	store := NewMockStore()
	store.saveErr = errors.New("disk full")
	reg := NewRegistry(RegistryOptions{
		Backends: []Backend{newFakeBackend(KindSerial)},
		Store:    store,
	})
	ctx := context.Background()
	defer reg.Close(ctx)

	if _, err := reg.Register(ctx, "x", Announcement{Kind: KindSerial, Address: "/dev/ttyUSB1"}); err == nil {
		t.Fatal("Register() expected error")
	}
	if _, err := reg.Get("x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after failed Register error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ValidationAndClosed(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Backends: []Backend{newFakeBackend(KindNetwork)}})
	ctx := context.Background()

	if _, err := reg.Upsert(ctx, "", Announcement{Kind: KindNetwork}); !errors.Is(err, ErrInvalidAnnouncement) {
		t.Errorf("Upsert(no address) error = %v, want ErrInvalidAnnouncement", err)
	}
	if _, err := reg.Upsert(ctx, "", Announcement{Kind: KindSerial, Address: "/dev/ttyUSB0"}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Upsert(no backend) error = %v, want ErrNoBackend", err)
	}

	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := reg.Upsert(ctx, "", Announcement{Kind: KindNetwork, Address: "10.0.0.1"}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Upsert() after Close error = %v, want ErrRegistryClosed", err)
	}
}

func TestRegistry_CloseDisconnectsAll(t *testing.T) {
	backend := newFakeBackend(KindMoonraker)
	reg := NewRegistry(RegistryOptions{Backends: []Backend{backend}, Session: testOptions()})
	ctx := context.Background()

	for _, addr := range []string{"10.0.6.1", "10.0.6.2"} {
		if _, err := reg.Upsert(ctx, "", announcement(addr)); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	c1 := backend.waitConn(t)
	c2 := backend.waitConn(t)

	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !c1.disconnected.Load() || !c2.disconnected.Load() {
		t.Error("Close() left connections open")
	}
	if got := len(reg.List()); got != 0 {
		t.Errorf("List() after Close has %d entries", got)
	}
}
