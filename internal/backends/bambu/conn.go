package bambu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/mqtt"
)

const subscriberBuffer = 8

// reply is a command answer matched by sequence_id.
type reply struct {
	header
	data map[string]any
}

// Conn is a live connection to one printer.
type Conn struct {
	serial string
	t      transport
	logger Logger
	seq    atomic.Uint64

	mu      sync.Mutex
	status  printStatus
	fresh   chan struct{} // closed and replaced on every push_status
	ready   bool
	waiters map[string]chan reply
	subs    map[chan device.Snapshot]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var _ device.Conn = (*Conn)(nil)

func newConn(serial string, t transport, logger Logger) *Conn {
	return &Conn{
		serial:  serial,
		t:       t,
		logger:  logger,
		fresh:   make(chan struct{}),
		waiters: make(map[string]chan reply),
		subs:    make(map[chan device.Snapshot]struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Conn) nextSeq() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

// handle processes a message from device/<serial>/report.
func (c *Conn) handle(_ string, payload []byte) error {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding report: %w", err)
	}
	for section, raw := range msg {
		var h header
		if err := json.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("decoding %s header: %w", section, err)
		}
		if section == sectionPrint && h.Command == "push_status" {
			if err := c.applyStatus(raw); err != nil {
				return err
			}
			continue
		}
		c.deliver(h, raw)
	}
	return nil
}

func (c *Conn) applyStatus(raw json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.status.merge(raw); err != nil {
		return fmt.Errorf("decoding push_status: %w", err)
	}
	c.ready = true
	close(c.fresh)
	c.fresh = make(chan struct{})

	snap := c.status.snapshot(time.Now())
	for ch := range c.subs {
		select {
		case ch <- *snap.Clone():
		default:
			c.logger.Debug("bambu status subscriber full, update skipped", "serial", c.serial)
		}
	}
	return nil
}

func (c *Conn) deliver(h header, raw json.RawMessage) {
	if h.SequenceID == "" {
		return
	}
	seq := string(h.SequenceID)
	c.mu.Lock()
	ch, ok := c.waiters[seq]
	if ok {
		delete(c.waiters, seq)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	ch <- reply{header: h, data: data}
}

func (c *Conn) await(seq string) chan reply {
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.waiters[seq] = ch
	c.mu.Unlock()
	return ch
}

func (c *Conn) forget(seq string) {
	c.mu.Lock()
	delete(c.waiters, seq)
	c.mu.Unlock()
}

func (c *Conn) publish(ctx context.Context, req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.t.PublishContext(ctx, mqtt.BambuRequest(c.serial), payload, 1, false)
}

func (c *Conn) requestPushAll(ctx context.Context) error {
	return c.publish(ctx, pushAllRequest(c.nextSeq()))
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Submit implements device.Conn.
func (c *Conn) Submit(ctx context.Context, cmd device.Command) (device.Result, error) {
	if c.closed() {
		return device.Result{}, device.CommandFailure(device.ErrNotConnected, "connection closed")
	}
	if cmd.Kind == device.CmdQueryStatus {
		snap, err := c.FetchStatus(ctx)
		if err != nil {
			return device.Result{}, err
		}
		return device.Result{Completed: true, Data: map[string]any{"status": &snap}}, nil
	}

	c.mu.Lock()
	hasAMS := c.status.hasAMS()
	c.mu.Unlock()

	seq := c.nextSeq()
	req, err := buildRequest(cmd, seq, hasAMS)
	if err != nil {
		return device.Result{}, device.Rejected("%v", err)
	}

	ch := c.await(seq)
	defer c.forget(seq)
	if err := c.publish(ctx, req); err != nil {
		return device.Result{}, c.publishErr(ctx, err)
	}

	select {
	case r := <-ch:
		if r.Result != "" && !isSuccess(r.Result) {
			reason := r.Reason
			if reason == "" {
				reason = r.Result
			}
			return device.Result{}, device.Rejected("%s: %s", r.Command, reason)
		}
		return device.Result{Completed: true, Data: r.data}, nil
	case <-c.done:
		return device.Result{}, device.CommandFailure(device.ErrTransportLost, "printer connection lost")
	case <-ctx.Done():
		return device.Result{}, ctx.Err()
	}
}

func isSuccess(result string) bool {
	switch result {
	case "success", "SUCCESS", "ok":
		return true
	}
	return false
}

func (c *Conn) publishErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case c.closed(), errors.Is(err, mqtt.ErrNotConnected):
		return device.CommandFailure(device.ErrTransportLost, "%v", err)
	default:
		return device.CommandFailure(device.ErrTransportLost, "publish: %v", err)
	}
}

// FetchStatus implements device.Conn. It asks the printer for a full
// report and returns the merged state once it arrives.
func (c *Conn) FetchStatus(ctx context.Context) (device.Snapshot, error) {
	if c.closed() {
		return device.Snapshot{}, device.CommandFailure(device.ErrNotConnected, "connection closed")
	}
	c.mu.Lock()
	fresh := c.fresh
	c.mu.Unlock()

	if err := c.requestPushAll(ctx); err != nil {
		return device.Snapshot{}, c.publishErr(ctx, err)
	}
	select {
	case <-fresh:
	case <-c.done:
		return device.Snapshot{}, device.CommandFailure(device.ErrNotConnected, "printer connection lost")
	case <-ctx.Done():
		return device.Snapshot{}, device.CommandFailure(device.ErrCommandTimeout, "no status report: %v", ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.snapshot(time.Now()), nil
}

// SubscribeStatus implements device.Conn.
func (c *Conn) SubscribeStatus(ctx context.Context) (<-chan device.Snapshot, error) {
	if c.closed() {
		return nil, device.CommandFailure(device.ErrNotConnected, "connection closed")
	}
	ch := make(chan device.Snapshot, subscriberBuffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.mu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch, nil
}

// Disconnect implements device.Conn.
func (c *Conn) Disconnect(context.Context) {
	c.shutdown()
	if err := c.t.Close(); err != nil {
		c.logger.Warn("bambu disconnect failed", "serial", c.serial, "error", err)
	}
}

// lost is the transport's connection-lost callback.
func (c *Conn) lost(err error) {
	c.logger.Warn("bambu connection lost", "serial", c.serial, "error", err)
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}
