package serial

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
)

// Defaults applied when configuration leaves a field unset.
const (
	DefaultBaudRate     = 115200
	DefaultPollInterval = 2 * time.Second

	handshakeInterval = 2 * time.Second
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

// Options configures a Backend.
type Options struct {
	Logger Logger

	// Open replaces the port opener, for tests.
	Open OpenFunc
}

// Backend drives printers attached to local serial ports.
type Backend struct {
	cfg       config.SerialConfig
	logger    Logger
	open      OpenFunc
	handshake time.Duration
}

var _ device.Backend = (*Backend)(nil)

// New creates a serial backend.
func New(cfg config.SerialConfig, opts Options) *Backend {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Open == nil {
		opts.Open = Open
	}
	return &Backend{cfg: cfg, logger: opts.Logger, open: opts.Open, handshake: handshakeInterval}
}

// Kind implements device.Backend.
func (b *Backend) Kind() device.Kind { return device.KindSerial }

// Connect implements device.Backend. It opens the port and waits for the
// firmware to answer M115, resending it while the board finishes its reset.
func (b *Backend) Connect(ctx context.Context, cfg device.SessionConfig) (device.Conn, error) {
	baud := b.cfg.BaudRate
	if v := cfg.Meta["baud"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, device.ConnectFailure(device.ErrProtocolMismatch, "invalid baud rate %q", v)
		}
		baud = n
	}

	port, err := b.open(cfg.Address, baud, b.cfg.ReadTimeout)
	if err != nil {
		return nil, openError(cfg.Address, err)
	}
	c := newConn(cfg.Address, baud, port, b.cfg.PollInterval, b.logger)

	firmware, err := c.handshake(ctx, b.handshake)
	if err != nil {
		c.Disconnect(context.Background())
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, device.ConnectFailure(device.ErrConnectTimeout, "%s: no reply to M115", cfg.Address)
		case errors.Is(err, device.ErrTransportLost):
			return nil, device.ConnectFailure(device.ErrUnreachable, "%s: %v", cfg.Address, err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, device.ConnectFailure(device.ErrProtocolMismatch, "%s: %v", cfg.Address, err)
		}
	}
	b.logger.Debug("serial printer connected", "port", cfg.Address, "baud", baud, "firmware", firmware)
	return c, nil
}

// firmwareName extracts FIRMWARE_NAME from an M115 reply line.
func firmwareName(line string) string {
	const key = "FIRMWARE_NAME:"
	i := strings.Index(line, key)
	if i < 0 {
		return ""
	}
	rest := line[i+len(key):]
	// Values may contain spaces; the next KEY: ends this one.
	if j := strings.Index(rest, " SOURCE_CODE_URL:"); j >= 0 {
		rest = rest[:j]
	} else if j := strings.Index(rest, " PROTOCOL_VERSION:"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}
