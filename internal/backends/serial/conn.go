package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/gcode"
)

const (
	lineBuffer       = 256
	subscriberBuffer = 8
	maxResends       = 3

	// errorGrace is how long to wait for the "ok" that usually follows an error.
	errorGrace = 250 * time.Millisecond
)

// Detail carries serial-specific status fields.
type Detail struct {
	Port       string `json:"port"`
	BaudRate   int    `json:"baud_rate"`
	Firmware   string `json:"firmware,omitempty"`
	SDPrinting bool   `json:"sd_printing"`
	SDSupport  bool   `json:"sd_support"`
	LastError  string `json:"last_error,omitempty"`
}

// DetailKind implements device.Detail.
func (d *Detail) DetailKind() device.Kind { return device.KindSerial }

// CloneDetail implements device.Detail.
func (d *Detail) CloneDetail() device.Detail {
	cpy := *d
	return &cpy
}

// Conn is an open serial connection to one printer.
type Conn struct {
	name     string
	baud     int
	port     Port
	interval time.Duration
	logger   Logger

	lines chan string

	// exchange serialises line exchanges between commands and the poller.
	exchange sync.Mutex
	// owed counts acknowledgements still due for lines whose exchange was
	// abandoned after the write. Guarded by exchange.
	owed int

	mu        sync.Mutex
	firmware  string
	temps     map[string]device.Temperature
	progress  float64
	printing  bool
	paused    bool
	noSD      bool
	job       string
	lastError string

	done      chan struct{}
	closeOnce sync.Once
}

var _ device.Conn = (*Conn)(nil)

func newConn(name string, baud int, port Port, interval time.Duration, logger Logger) *Conn {
	c := &Conn{
		name:     name,
		baud:     baud,
		port:     port,
		interval: interval,
		logger:   logger,
		lines:    make(chan string, lineBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	sc := bufio.NewScanner(blockingReader{r: c.port})
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			c.logger.Debug("serial line buffer full, line dropped", "port", c.name, "line", line)
		}
	}
	if err := sc.Err(); err != nil && !c.closed() {
		c.logger.Warn("serial read failed", "port", c.name, "error", err)
	}
	c.shutdown()
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// drain consumes lines that arrived outside an exchange, keeping any
// temperature auto-reports and settling acknowledgements that are owed.
func (c *Conn) drain() {
	for {
		select {
		case line := <-c.lines:
			c.absorb(line)
		default:
			return
		}
	}
}

// settle blocks until every owed acknowledgement has arrived, so the
// firmware has finished with earlier lines before a new one is written.
func (c *Conn) settle(ctx context.Context) error {
	for c.owed > 0 {
		select {
		case line := <-c.lines:
			c.absorb(line)
		case <-c.done:
			return device.CommandFailure(device.ErrTransportLost, "port closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Conn) absorb(line string) {
	c.observe(line)
	if kind, _ := gcode.ClassifyReply(line); kind == gcode.ReplyOK && c.owed > 0 {
		c.owed--
	}
}

// forgetAcks drops acknowledgements owed by earlier handshake attempts.
// Firmware that was still resetting never saw those lines.
func (c *Conn) forgetAcks() {
	c.exchange.Lock()
	c.owed = 0
	c.exchange.Unlock()
}

func (c *Conn) observe(line string) {
	if temps := gcode.ParseTemperatures(line); temps != nil {
		c.mu.Lock()
		c.temps = temps
		c.mu.Unlock()
	}
}

// send writes one line and collects replies until the firmware
// acknowledges it. The returned lines include the final "ok".
func (c *Conn) send(ctx context.Context, line string) ([]string, error) {
	c.exchange.Lock()
	defer c.exchange.Unlock()

	if c.closed() {
		return nil, device.CommandFailure(device.ErrNotConnected, "port closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.drain()
	if err := c.settle(ctx); err != nil {
		return nil, err
	}

	resends, writes := 0, 0
	write := func() error {
		if _, err := c.port.Write([]byte(line + "\n")); err != nil {
			c.shutdown()
			return device.CommandFailure(device.ErrTransportLost, "write: %v", err)
		}
		writes++
		return nil
	}
	if err := write(); err != nil {
		return nil, err
	}

	var (
		replies []string
		failure string
		grace   <-chan time.Time
	)
	rejected := func() error {
		c.mu.Lock()
		c.lastError = failure
		c.mu.Unlock()
		return device.Rejected("%s: %s", line, failure)
	}
	for {
		select {
		case reply := <-c.lines:
			c.observe(reply)
			kind, msg := gcode.ClassifyReply(reply)
			switch kind {
			case gcode.ReplyOK:
				// Resent lines are acknowledged separately.
				c.owed += writes - 1
				if grace != nil {
					return replies, rejected()
				}
				return append(replies, reply), nil
			case gcode.ReplyError:
				if grace == nil {
					failure = msg
					grace = time.After(errorGrace)
				}
			case gcode.ReplyResend:
				resends++
				if resends > maxResends {
					c.owed += writes
					return replies, device.CommandFailure(device.ErrTransportLost, "%s: too many resend requests", line)
				}
				if err := write(); err != nil {
					return replies, err
				}
			case gcode.ReplyBusy:
			default:
				replies = append(replies, reply)
			}
		case <-grace:
			c.owed += writes - 1
			return replies, rejected()
		case <-c.done:
			return replies, device.CommandFailure(device.ErrTransportLost, "port closed during %s", line)
		case <-ctx.Done():
			c.owed += writes
			return replies, ctx.Err()
		}
	}
}

// handshake resends M115 every interval until the firmware answers.
func (c *Conn) handshake(ctx context.Context, interval time.Duration) (string, error) {
	for {
		c.forgetAcks()
		attemptCtx, cancel := context.WithTimeout(ctx, interval)
		replies, err := c.send(attemptCtx, gcode.FirmwareInfo)
		cancel()
		if err == nil {
			name := ""
			for _, r := range replies {
				if n := firmwareName(r); n != "" {
					name = n
				}
			}
			c.mu.Lock()
			c.firmware = name
			c.mu.Unlock()
			return name, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
	}
}

// Submit implements device.Conn.
func (c *Conn) Submit(ctx context.Context, cmd device.Command) (device.Result, error) {
	if c.closed() {
		return device.Result{}, device.CommandFailure(device.ErrNotConnected, "port closed")
	}
	if cmd.Kind == device.CmdQueryStatus {
		snap, err := c.FetchStatus(ctx)
		if err != nil {
			return device.Result{}, err
		}
		return device.Result{Completed: true, Data: map[string]any{"status": &snap}}, nil
	}

	lines, err := gcode.Translate(cmd)
	if err != nil {
		return device.Result{}, device.Rejected("%v", err)
	}
	var replies []string
	for _, line := range lines {
		r, err := c.send(ctx, line)
		replies = append(replies, r...)
		if err != nil {
			return device.Result{}, err
		}
	}
	c.track(cmd)
	return device.Result{Completed: true, Data: map[string]any{"replies": replies}}, nil
}

// track records job state the firmware does not report on its own.
func (c *Conn) track(cmd device.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Kind {
	case device.CmdSubmitJob:
		c.job, _ = cmd.String("file")
		c.printing = true
		c.paused = false
	case device.CmdPause:
		c.paused = true
	case device.CmdResume:
		c.paused = false
	case device.CmdCancel:
		c.printing = false
		c.paused = false
	}
}

// FetchStatus implements device.Conn.
func (c *Conn) FetchStatus(ctx context.Context) (device.Snapshot, error) {
	if c.closed() {
		return device.Snapshot{}, device.CommandFailure(device.ErrNotConnected, "port closed")
	}
	if _, err := c.send(ctx, gcode.ReportTemps); err != nil {
		return device.Snapshot{}, statusErr(err)
	}

	c.mu.Lock()
	noSD := c.noSD
	c.mu.Unlock()
	if !noSD {
		replies, err := c.send(ctx, gcode.SDPrintStatus)
		switch {
		case errors.Is(err, device.ErrRejected):
			c.mu.Lock()
			c.noSD = true
			c.mu.Unlock()
		case err != nil:
			return device.Snapshot{}, statusErr(err)
		default:
			c.applyProgress(replies)
		}
	}
	return c.snapshot(time.Now()), nil
}

func statusErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return device.CommandFailure(device.ErrCommandTimeout, "%v", err)
	}
	return err
}

func (c *Conn) applyProgress(replies []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range replies {
		if p, ok := gcode.ParseSDProgress(r); ok {
			c.progress = p
			c.printing = true
			return
		}
		if gcode.IsNotPrinting(r) {
			c.printing = false
			c.paused = false
			return
		}
	}
}

func (c *Conn) snapshot(now time.Time) device.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := device.Snapshot{
		Timestamp:    now,
		Temperatures: make(map[string]device.Temperature, len(c.temps)),
		Progress:     c.progress,
		JobName:      c.job,
		JobState:     "idle",
	}
	for k, v := range c.temps {
		snap.Temperatures[k] = v
	}
	switch {
	case c.paused:
		snap.JobState = "paused"
	case c.printing:
		snap.JobState = "printing"
	}
	if c.lastError != "" {
		snap.Errors = []string{fmt.Sprintf("firmware:%s", c.lastError)}
	}
	snap.Detail = &Detail{
		Port:       c.name,
		BaudRate:   c.baud,
		Firmware:   c.firmware,
		SDPrinting: c.printing,
		SDSupport:  !c.noSD,
		LastError:  c.lastError,
	}
	return snap
}

// SubscribeStatus implements device.Conn by polling on the configured interval.
func (c *Conn) SubscribeStatus(ctx context.Context) (<-chan device.Snapshot, error) {
	if c.closed() {
		return nil, device.CommandFailure(device.ErrNotConnected, "port closed")
	}
	out := make(chan device.Snapshot, subscriberBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
			}
			pollCtx, cancel := context.WithTimeout(ctx, c.interval)
			snap, err := c.FetchStatus(pollCtx)
			cancel()
			if err != nil {
				if c.closed() || ctx.Err() != nil {
					return
				}
				c.logger.Debug("serial status poll failed", "port", c.name, "error", err)
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

// Disconnect implements device.Conn.
func (c *Conn) Disconnect(context.Context) {
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.port.Close(); err != nil {
			c.logger.Warn("serial port close failed", "port", c.name, "error", err)
		}
	})
}
