package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Store persists explicit registrations.
// The registry works without one; discovery-sourced sessions are never stored.
type Store interface {
	SaveRegistration(ctx context.Context, id Identity, ann Announcement) error
	DeleteRegistration(ctx context.Context, id Identity) error
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Backends supplies one Backend per Kind.
	Backends []Backend

	// Session is the template applied to every new session.
	// Publish, Logger and Observer are filled from the registry when unset.
	Session SessionOptions

	// Publish receives every status update, typically Aggregator.Publish.
	Publish func(StatusUpdate)

	Store    Store
	Logger   Logger
	Observer Observer
}

// Registry maps identities to sessions.
//
// Each entry is synchronised on its own: lookups and inserts go through a
// sync.Map and every state decision for an existing entry runs on that
// session's loop. There is no registry-wide lock.
//
// All public methods are thread-safe.
type Registry struct {
	sessions sync.Map // Identity -> *Session
	backends map[Kind]Backend
	opts     RegistryOptions
	logger   Logger
	observer Observer
	closed   atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Publish == nil {
		opts.Publish = func(StatusUpdate) {}
	}
	r := &Registry{
		backends: make(map[Kind]Backend, len(opts.Backends)),
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	for _, b := range opts.Backends {
		r.backends[b.Kind()] = b
	}
	return r
}

func (r *Registry) newSession(id Identity, ann Announcement) (*Session, error) {
	b, ok := r.backends[ann.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, ann.Kind)
	}
	opts := r.opts.Session
	if opts.Publish == nil {
		opts.Publish = r.opts.Publish
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Observer == nil {
		opts.Observer = r.observer
	}
	return newSession(id, ann, b, opts), nil
}

// Upsert applies a discovery announcement.
//
//   - absent: a session is created in Discovered (and connects when auto-connect is on)
//   - present in Disconnected or Error: the attempt budget is reset and a reconnect starts
//   - present and Connecting, Connected or Busy: no-op
//   - present with a different kind: ErrDuplicateIdentity
//
// A changed address replaces the stored one whenever the session is not connected.
func (r *Registry) Upsert(ctx context.Context, id Identity, ann Announcement) (Info, error) {
	if r.closed.Load() {
		return Info{}, ErrRegistryClosed
	}
	if err := ann.Validate(); err != nil {
		return Info{}, err
	}
	if id == "" {
		id = ann.ResolveIdentity()
	}
	if ann.SeenAt.IsZero() {
		ann.SeenAt = time.Now()
	}

	if existing, ok := r.sessions.Load(id); ok {
		return r.reannounce(ctx, existing.(*Session), ann)
	}

	s, err := r.newSession(id, ann)
	if err != nil {
		return Info{}, err
	}
	actual, loaded := r.sessions.LoadOrStore(id, s)
	if loaded {
		// Lost the race; the winner gets the announcement instead.
		s.cancel()
		return r.reannounce(ctx, actual.(*Session), ann)
	}
	s.start()
	r.observer.Announcement(ann.Kind, ann.Source, "created")
	r.logger.Info("device discovered", "device", id, "kind", ann.Kind, "address", ann.Address, "source", ann.Source)
	return s.Info(), nil
}

func (r *Registry) reannounce(ctx context.Context, s *Session, ann Announcement) (Info, error) {
	if s.Kind() != ann.Kind {
		return Info{}, fmt.Errorf("%w: %s is a %s device, announced as %s", ErrDuplicateIdentity, s.Identity(), s.Kind(), ann.Kind)
	}
	restarted, err := call(ctx, s, func() bool { return s.reannounce(ann) })
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	action := "ignored"
	if restarted {
		action = "reconnect"
	}
	r.observer.Announcement(ann.Kind, ann.Source, action)
	return s.Info(), nil
}

// Register adds an explicitly configured device.
// It fails with ErrDuplicateIdentity when the identity is taken.
func (r *Registry) Register(ctx context.Context, id Identity, ann Announcement) (Info, error) {
	if r.closed.Load() {
		return Info{}, ErrRegistryClosed
	}
	if err := ann.Validate(); err != nil {
		return Info{}, err
	}
	if id == "" {
		id = ann.ResolveIdentity()
	}
	if ann.Source == "" {
		ann.Source = "api"
	}
	if ann.SeenAt.IsZero() {
		ann.SeenAt = time.Now()
	}

	s, err := r.newSession(id, ann)
	if err != nil {
		return Info{}, err
	}
	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		s.cancel()
		return Info{}, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}

	if r.opts.Store != nil {
		ann.Identity = id
		if err := r.opts.Store.SaveRegistration(ctx, id, ann); err != nil {
			r.sessions.Delete(id)
			s.cancel()
			return Info{}, fmt.Errorf("persisting registration: %w", err)
		}
	}

	s.start()
	r.observer.Announcement(ann.Kind, ann.Source, "registered")
	r.logger.Info("device registered", "device", id, "kind", ann.Kind, "address", ann.Address)
	return s.Info(), nil
}

// Remove disconnects and deletes a session.
// Queued and in-flight commands resolve with ErrCancelled.
func (r *Registry) Remove(ctx context.Context, id Identity) error {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return ErrNotFound
	}
	s := v.(*Session)
	if err := s.Close(ctx); err != nil {
		r.logger.Warn("session close incomplete", "device", id, "error", err)
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteRegistration(ctx, id); err != nil {
			r.logger.Warn("removing stored registration failed", "device", id, "error", err)
		}
	}
	r.logger.Info("device removed", "device", id)
	return nil
}

// Get returns the session for id.
func (r *Registry) Get(id Identity) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Session), nil
}

// Info returns the current view of one session.
func (r *Registry) Info(id Identity) (Info, error) {
	s, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// List returns a snapshot of all sessions sorted by identity.
func (r *Registry) List() []Info {
	var infos []Info
	r.sessions.Range(func(_, v any) bool {
		infos = append(infos, v.(*Session).Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

// Connect starts a fresh connection cycle for id.
func (r *Registry) Connect(ctx context.Context, id Identity) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Connect(ctx)
}

// Stats summarises sessions by kind and state.
type Stats struct {
	Total   int           `json:"total"`
	ByKind  map[Kind]int  `json:"by_kind"`
	ByState map[State]int `json:"by_state"`
}

// Stats returns counts over the current sessions.
func (r *Registry) Stats() Stats {
	st := Stats{ByKind: make(map[Kind]int), ByState: make(map[State]int)}
	r.sessions.Range(func(_, v any) bool {
		info := v.(*Session).Info()
		st.Total++
		st.ByKind[info.Kind]++
		st.ByState[info.State]++
		return true
	})
	return st
}

// Consume applies announcements until ctx ends or the channel closes.
func (r *Registry) Consume(ctx context.Context, announcements <-chan Announcement) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ann, ok := <-announcements:
			if !ok {
				return nil
			}
			if _, err := r.Upsert(ctx, ann.ResolveIdentity(), ann); err != nil {
				if errors.Is(err, ErrRegistryClosed) {
					return err
				}
				r.logger.Warn("announcement rejected", "identity", ann.ResolveIdentity(), "source", ann.Source, "error", err)
			}
		}
	}
}

// Close disconnects every session. The registry rejects new entries afterwards.
func (r *Registry) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var g errgroup.Group
	r.sessions.Range(func(k, v any) bool {
		s := v.(*Session)
		r.sessions.Delete(k)
		g.Go(func() error { return s.Close(ctx) })
		return true
	})
	err := g.Wait()
	r.logger.Info("registry closed")
	return err
}
