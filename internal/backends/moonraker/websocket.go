package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/printgate/internal/device"
)

const subscribeRequestID = 1

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

// rpcMessage is either a response or a server notification.
type rpcMessage struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     *int64            `json:"id"`
	Result json.RawMessage   `json:"result"`
	Error  *apiError         `json:"error"`
}

// SubscribeStatus implements device.Conn. It opens the JSON-RPC websocket,
// subscribes to the status objects and streams merged snapshots.
func (c *Conn) SubscribeStatus(ctx context.Context) (<-chan device.Snapshot, error) {
	if c.closed() {
		return nil, device.CommandFailure(device.ErrNotConnected, "connection closed")
	}
	header := http.Header{}
	if c.client.apiKey != "" {
		header.Set("X-Api-Key", c.client.apiKey)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, device.ConnectFailure(device.ErrAuthRejected, "websocket: HTTP %d", resp.StatusCode)
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return nil, device.ConnectFailure(device.ErrProtocolMismatch, "websocket: %v", err)
		}
		return nil, device.ConnectFailure(device.ErrUnreachable, "websocket: %v", err)
	}

	if err := ws.WriteJSON(subscribeRequest()); err != nil {
		_ = ws.Close()
		return nil, device.ConnectFailure(device.ErrUnreachable, "websocket subscribe: %v", err)
	}

	out := make(chan device.Snapshot, subscriberBuffer)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-stopped:
		}
		_ = ws.Close()
	}()
	go c.readLoop(ctx, ws, out, stopped)
	return out, nil
}

func subscribeRequest() rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		Method:  "printer.objects.subscribe",
		Params:  map[string]any{"objects": objectsParam()},
		ID:      subscribeRequestID,
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, out chan<- device.Snapshot, stopped chan struct{}) {
	defer close(out)
	defer close(stopped)
	for {
		var msg rpcMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !c.closed() {
				c.logger.Warn("moonraker websocket closed", "host", c.client.base.Host, "error", err)
				c.shutdown()
			}
			return
		}
		// Subscriptions do not survive a Klipper restart.
		if msg.Method == "notify_klippy_ready" {
			if err := ws.WriteJSON(subscribeRequest()); err != nil {
				c.logger.Warn("moonraker resubscribe failed", "host", c.client.base.Host, "error", err)
			}
		}
		snap, ok := c.handle(msg)
		if !ok {
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
}

// handle applies one websocket message. It reports false when the message
// carries no status change.
func (c *Conn) handle(msg rpcMessage) (device.Snapshot, bool) {
	if msg.ID != nil {
		if *msg.ID != subscribeRequestID {
			return device.Snapshot{}, false
		}
		if msg.Error != nil {
			c.logger.Warn("moonraker subscribe failed", "host", c.client.base.Host, "error", msg.Error.Message)
			return device.Snapshot{}, false
		}
		var res queryResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			c.logger.Debug("moonraker subscribe result malformed", "error", err)
			return device.Snapshot{}, false
		}
		return c.apply(res.Status), true
	}

	switch msg.Method {
	case "notify_status_update":
		if len(msg.Params) == 0 {
			return device.Snapshot{}, false
		}
		var update map[string]map[string]any
		if err := json.Unmarshal(msg.Params[0], &update); err != nil {
			c.logger.Debug("moonraker status update malformed", "error", err)
			return device.Snapshot{}, false
		}
		return c.apply(update), true
	case "notify_klippy_ready":
		return c.setKlippy("ready"), true
	case "notify_klippy_shutdown":
		return c.setKlippy("shutdown"), true
	case "notify_klippy_disconnected":
		return c.setKlippy("disconnected"), true
	}
	return device.Snapshot{}, false
}
