package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/metrics"
)

// writeTimeout bounds a single sink write.
const writeTimeout = 5 * time.Second

// Sink consumes status updates.
type Sink interface {
	Name() string
	Write(ctx context.Context, u device.StatusUpdate) error
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Forward writes every update from l to sink until ctx ends or l is closed.
// Write errors are logged and counted; they never stop the loop.
func Forward(ctx context.Context, l *device.Listener, sink Sink, logger Logger) error {
	if logger == nil {
		logger = noopLogger{}
	}
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-l.C():
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := sink.Write(wctx, u)
			cancel()
			metrics.TelemetryWrite(sink.Name(), err)
			if err != nil && ctx.Err() == nil {
				logger.Warn("telemetry write failed", "sink", sink.Name(), "device", u.Identity, "error", err)
			}
		}
	}
}
