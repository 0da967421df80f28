package moonraker

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/gcode"
)

const subscriberBuffer = 8

// nativeActions maps custom command names to Moonraker endpoints.
var nativeActions = map[string]string{
	"emergency_stop":   "/printer/emergency_stop",
	"firmware_restart": "/printer/firmware_restart",
	"restart":          "/printer/restart",
}

// Conn is a live connection to one Moonraker host.
type Conn struct {
	client *client
	wsURL  string
	dialer *websocket.Dialer
	logger Logger

	mu    sync.Mutex
	state printerState

	done      chan struct{}
	closeOnce sync.Once
}

var _ device.Conn = (*Conn)(nil)

func newConn(cl *client, ws string, dialer *websocket.Dialer, logger Logger) *Conn {
	return &Conn{
		client: cl,
		wsURL:  ws,
		dialer: dialer,
		logger: logger,
		state:  make(printerState),
		done:   make(chan struct{}),
	}
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

	path, query, err := route(cmd)
	if err != nil {
		return device.Result{}, device.Rejected("%v", err)
	}
	var out any
	if err := c.client.post(ctx, path, query, &out); err != nil {
		return device.Result{}, c.commandError(ctx, err)
	}
	return device.Result{Completed: true, Data: map[string]any{"result": out}}, nil
}

// route picks the endpoint for a command.
func route(cmd device.Command) (string, url.Values, error) {
	switch cmd.Kind {
	case device.CmdPause:
		return "/printer/print/pause", nil, nil
	case device.CmdResume:
		return "/printer/print/resume", nil, nil
	case device.CmdCancel:
		return "/printer/print/cancel", nil, nil
	case device.CmdSubmitJob:
		file, _ := cmd.String("file")
		return "/printer/print/start", url.Values{"filename": {file}}, nil
	case device.CmdSetLight:
		if node, ok := cmd.String("node"); ok && node != "" {
			on, _ := cmd.Bool("on")
			action := "off"
			if on {
				action = "on"
			}
			return "/machine/device_power/device", url.Values{"device": {node}, "action": {action}}, nil
		}
	case device.CmdCustom:
		if name, ok := cmd.String("name"); ok && name != "" {
			if g, _ := cmd.String("gcode"); g == "" {
				path, known := nativeActions[name]
				if !known {
					return "", nil, errors.New("unsupported action " + name)
				}
				return path, nil, nil
			}
		}
	}
	script, err := gcode.Script(cmd)
	if err != nil {
		return "", nil, err
	}
	return "/printer/gcode/script", url.Values{"script": {script}}, nil
}

// commandError maps client errors onto command failures.
func (c *Conn) commandError(ctx context.Context, err error) error {
	var se *statusError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return device.CommandFailure(device.ErrCommandTimeout, "%v", err)
	case errors.As(err, &se):
		if se.message != "" {
			return device.Rejected("%s", se.message)
		}
		return device.Rejected("%v", err)
	case errors.Is(err, ErrBadResponse):
		return device.Rejected("%v", err)
	default:
		c.logger.Warn("moonraker request failed, treating connection as lost", "host", c.client.base.Host, "error", err)
		c.shutdown()
		return device.CommandFailure(device.ErrTransportLost, "%v", err)
	}
}

type queryResult struct {
	EventTime float64                   `json:"eventtime"`
	Status    map[string]map[string]any `json:"status"`
}

// FetchStatus implements device.Conn.
func (c *Conn) FetchStatus(ctx context.Context) (device.Snapshot, error) {
	if c.closed() {
		return device.Snapshot{}, device.CommandFailure(device.ErrNotConnected, "connection closed")
	}
	var res queryResult
	if err := c.client.get(ctx, "/printer/objects/query", objectsQuery(), &res); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return device.Snapshot{}, device.CommandFailure(device.ErrCommandTimeout, "status query: %v", err)
		}
		return device.Snapshot{}, c.commandError(ctx, err)
	}
	return c.apply(res.Status), nil
}

// apply merges an object update and returns the resulting snapshot.
func (c *Conn) apply(update map[string]map[string]any) device.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.merge(update)
	return c.state.snapshot(time.Now())
}

func (c *Conn) setKlippy(state string) device.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.setKlippy(state, "")
	return c.state.snapshot(time.Now())
}

// Disconnect implements device.Conn.
func (c *Conn) Disconnect(context.Context) {
	c.shutdown()
	c.client.http.CloseIdleConnections()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}
