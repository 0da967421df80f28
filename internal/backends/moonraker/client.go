package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Errors returned by the HTTP client.
var (
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("moonraker: unauthorized")

	// ErrRequestFailed is returned for other non-2xx responses.
	ErrRequestFailed = errors.New("moonraker: request failed")

	// ErrBadResponse is returned when a response body is not a Moonraker envelope.
	ErrBadResponse = errors.New("moonraker: malformed response")
)

// apiError is the error body Moonraker returns with non-2xx responses.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

// statusError carries the HTTP status and Moonraker's message.
type statusError struct {
	kind    error
	status  int
	message string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("%v: HTTP %d", e.kind, e.status)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", e.kind, e.status, e.message)
}

func (e *statusError) Unwrap() error { return e.kind }

// client is a paced HTTP client for one Moonraker host.
type client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func (c *client) get(ctx context.Context, path, rawQuery string, out any) error {
	return c.do(ctx, http.MethodGet, path, rawQuery, out)
}

func (c *client) post(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, query.Encode(), out)
}

// do performs one request and decodes the "result" member into out.
func (c *client) do(ctx context.Context, method, path, rawQuery string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = path
	u.RawQuery = rawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := ErrRequestFailed
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = ErrUnauthorized
		}
		msg := ""
		if decodeErr == nil && env.Error != nil {
			msg = env.Error.Message
		}
		return &statusError{kind: kind, status: resp.StatusCode, message: strings.TrimSpace(msg)}
	}
	if decodeErr != nil || env.Result == nil {
		return fmt.Errorf("%w: %s %s", ErrBadResponse, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}
