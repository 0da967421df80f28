package device

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// DefaultListenerBuffer is used when Subscribe is called with a zero buffer.
const DefaultListenerBuffer = 32

// Aggregator fans status updates out to listeners.
//
// Publish never blocks: a listener whose buffer is full misses that update
// and its drop counter increases. Updates from one session reach each
// listener in the order they were published.
type Aggregator struct {
	mu        sync.RWMutex
	listeners map[uint64]*Listener
	nextID    uint64
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
	observer  Observer
}

// NewAggregator creates an Aggregator. A nil observer is allowed.
func NewAggregator(observer Observer) *Aggregator {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Aggregator{
		listeners: make(map[uint64]*Listener),
		observer:  observer,
	}
}

// Listener receives status updates from an Aggregator.
type Listener struct {
	id      uint64
	name    string
	ch      chan StatusUpdate
	filter  map[Identity]struct{}
	dropped atomic.Uint64
	agg     *Aggregator
	once    sync.Once
}

// C returns the update channel. It is closed when the listener is closed.
func (l *Listener) C() <-chan StatusUpdate { return l.ch }

// Name returns the listener's label used in metrics.
func (l *Listener) Name() string { return l.name }

// Dropped returns how many updates this listener missed.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

// Close unsubscribes the listener and closes its channel.
func (l *Listener) Close() {
	l.agg.remove(l)
}

// Subscribe registers a listener.
//
// Parameters:
//   - name: label for metrics and logs
//   - buffer: channel capacity, DefaultListenerBuffer when zero
//   - filter: identities to receive; all devices when empty
func (a *Aggregator) Subscribe(name string, buffer int, filter ...Identity) *Listener {
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	l := &Listener{
		name: name,
		ch:   make(chan StatusUpdate, buffer),
		agg:  a,
	}
	if len(filter) > 0 {
		l.filter = make(map[Identity]struct{}, len(filter))
		for _, id := range filter {
			l.filter[id] = struct{}{}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		close(l.ch)
		l.once.Do(func() {})
		return l
	}
	a.nextID++
	l.id = a.nextID
	if l.name == "" {
		l.name = "listener-" + strconv.FormatUint(l.id, 10)
	}
	a.listeners[l.id] = l
	return l
}

// Publish delivers u to every matching listener without blocking.
func (a *Aggregator) Publish(u StatusUpdate) {
	a.published.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, l := range a.listeners {
		if l.filter != nil {
			if _, ok := l.filter[u.Identity]; !ok {
				continue
			}
		}
		select {
		case l.ch <- u.Clone():
		default:
			l.dropped.Add(1)
			a.dropped.Add(1)
			a.observer.UpdateDropped(l.name)
		}
	}
}

func (a *Aggregator) remove(l *Listener) {
	l.once.Do(func() {
		a.mu.Lock()
		delete(a.listeners, l.id)
		a.mu.Unlock()
		close(l.ch)
	})
}

// Len returns the number of active listeners.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.listeners)
}

// AggregatorStats reports publish and drop totals.
type AggregatorStats struct {
	Listeners int    `json:"listeners"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns publish and drop totals.
func (a *Aggregator) Stats() AggregatorStats {
	return AggregatorStats{
		Listeners: a.Len(),
		Published: a.published.Load(),
		Dropped:   a.dropped.Load(),
	}
}

// Close closes every listener. Later subscriptions get a closed channel.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	listeners := make([]*Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		listeners = append(listeners, l)
	}
	a.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
}
