package bambu

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
	"github.com/nerrad567/printgate/internal/infrastructure/mqtt"
)

// Protocol constants.
const (
	DefaultPort = 8883
	Username    = "bblp"

	keepAlive = 30 * time.Second
)

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

// transport is the subset of the MQTT client used by a connection.
type transport interface {
	PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	SubscribeContext(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	SetOnDisconnect(callback func(err error))
	Close() error
}

// dialFunc opens a transport to a printer broker.
type dialFunc func(ctx context.Context, opts mqtt.Options) (transport, error)

func dialMQTT(ctx context.Context, opts mqtt.Options) (transport, error) {
	c, err := mqtt.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Backend.
type Options struct {
	Logger Logger

	dial dialFunc
}

// Backend connects to Bambu Lab printers over their LAN MQTT broker.
type Backend struct {
	cfg    config.BambuConfig
	logger Logger
	dial   dialFunc
}

var _ device.Backend = (*Backend)(nil)

// New creates a Bambu backend.
func New(cfg config.BambuConfig, opts Options) *Backend {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.dial == nil {
		opts.dial = dialMQTT
	}
	return &Backend{cfg: cfg, logger: opts.Logger, dial: opts.dial}
}

// Kind implements device.Backend.
func (b *Backend) Kind() device.Kind { return device.KindNetwork }

// Connect implements device.Backend.
//
// The printer serial comes from the announcement metadata ("serial"),
// the access code from configuration keyed by device name or serial.
func (b *Backend) Connect(ctx context.Context, cfg device.SessionConfig) (device.Conn, error) {
	serial := cfg.Meta["serial"]
	if serial == "" {
		return nil, device.ConnectFailure(device.ErrProtocolMismatch, "no printer serial for %s", cfg.Identity)
	}
	code, ok := b.cfg.AccessCodeFor(cfg.Name, serial)
	if !ok {
		return nil, device.ConnectFailure(device.ErrAuthRejected, "no access code configured for %q (%s)", cfg.Name, serial)
	}

	opts := mqtt.Options{
		BrokerURL: "ssl://" + b.hostPort(cfg.Address),
		ClientID:  "printgate-" + uuid.NewString()[:8],
		Username:  Username,
		Password:  code,
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: b.cfg.InsecureSkipVerify, //nolint:gosec // printers use self-signed certificates
		},
		KeepAlive: keepAlive,
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.ConnectTimeout = time.Until(deadline)
	}

	t, err := b.dial(ctx, opts)
	if err != nil {
		return nil, dialError(ctx, err)
	}

	c := newConn(serial, t, b.logger)
	t.SetOnDisconnect(c.lost)
	if err := t.SubscribeContext(ctx, mqtt.BambuReport(serial), 0, c.handle); err != nil {
		_ = t.Close()
		return nil, dialError(ctx, err)
	}
	if err := c.requestPushAll(ctx); err != nil {
		_ = t.Close()
		return nil, dialError(ctx, err)
	}
	b.logger.Debug("bambu printer connected", "serial", serial, "address", cfg.Address)
	return c, nil
}

func (b *Backend) hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(b.cfg.Port))
}

func dialError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, mqtt.ErrNotAuthorized):
		return device.ConnectFailure(device.ErrAuthRejected, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return device.ConnectFailure(device.ErrConnectTimeout, "%v", err)
	default:
		return device.ConnectFailure(device.ErrUnreachable, "%v", err)
	}
}
