package moonraker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
)

// DefaultPort is Moonraker's default HTTP port.
const DefaultPort = 7125

const defaultRequestTimeout = 10 * time.Second

// Logger is the logging interface used by the backend.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Backend.
type Options struct {
	Logger     Logger
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Backend connects to Moonraker hosts.
type Backend struct {
	cfg    config.MoonrakerConfig
	logger Logger
	http   *http.Client
	dialer *websocket.Dialer
}

var _ device.Backend = (*Backend)(nil)

// New creates a Moonraker backend.
func New(cfg config.MoonrakerConfig, opts Options) *Backend {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Backend{cfg: cfg, logger: opts.Logger, http: opts.HTTPClient, dialer: opts.Dialer}
}

// Kind implements device.Backend.
func (b *Backend) Kind() device.Kind { return device.KindMoonraker }

// serverInfo is the /server/info result.
type serverInfo struct {
	KlippyConnected  bool     `json:"klippy_connected"`
	KlippyState      string   `json:"klippy_state"`
	MoonrakerVersion string   `json:"moonraker_version"`
	APIVersion       string   `json:"api_version_string"`
	Components       []string `json:"components"`
}

// Connect implements device.Backend. The handshake is a /server/info call;
// a response without a Moonraker envelope is a protocol mismatch.
func (b *Backend) Connect(ctx context.Context, cfg device.SessionConfig) (device.Conn, error) {
	base, err := b.baseURL(cfg.Address)
	if err != nil {
		return nil, device.ConnectFailure(device.ErrUnreachable, "invalid address %q: %v", cfg.Address, err)
	}
	apiKey := b.cfg.APIKeyFor(base.Hostname(), cfg.Name)

	cl := &client{
		base:    base,
		apiKey:  apiKey,
		http:    b.http,
		limiter: b.newLimiter(),
		timeout: b.cfg.RequestTimeout,
	}

	var info serverInfo
	if err := cl.get(ctx, "/server/info", "", &info); err != nil {
		return nil, connectError(ctx, err)
	}
	if info.MoonrakerVersion == "" && info.KlippyState == "" {
		return nil, device.ConnectFailure(device.ErrProtocolMismatch, "%s did not identify as moonraker", base.Host)
	}

	c := newConn(cl, wsURL(base), b.dialer, b.logger)
	c.state.setKlippy(info.KlippyState, "")
	b.logger.Debug("moonraker host connected",
		"address", base.Host,
		"version", info.MoonrakerVersion,
		"klippy_state", info.KlippyState,
	)
	return c, nil
}

func (b *Backend) newLimiter() *rate.Limiter {
	if b.cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := b.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(b.cfg.RequestsPerSecond), burst)
}

// baseURL accepts "host", "host:port" or a full http(s) URL.
func (b *Backend) baseURL(address string) (*url.URL, error) {
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return nil, err
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errors.New("unsupported scheme " + u.Scheme)
		}
		return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
	}
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(b.cfg.Port))
	}
	return &url.URL{Scheme: "http", Host: host}, nil
}

func wsURL(base *url.URL) string {
	u := *base
	u.Scheme = "ws"
	if base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/websocket"
	return u.String()
}

func connectError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return device.ConnectFailure(device.ErrAuthRejected, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return device.ConnectFailure(device.ErrConnectTimeout, "%v", err)
	case errors.Is(err, ErrBadResponse), errors.Is(err, ErrRequestFailed):
		return device.ConnectFailure(device.ErrProtocolMismatch, "%v", err)
	default:
		return device.ConnectFailure(device.ErrUnreachable, "%v", err)
	}
}
