package discovery

import (
	"context"

	"github.com/nerrad567/printgate/internal/device"
)

// Source emits announcements until ctx ends or it fails.
//
// Run should return nil only when ctx is done. Any other return is treated
// as a failure and the Feed restarts the source after a backoff delay.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- device.Announcement) error
}

// Logger is the logging interface used by this package.
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

// emit sends ann unless ctx ends first.
func emit(ctx context.Context, out chan<- device.Announcement, ann device.Announcement) bool {
	select {
	case out <- ann:
		return true
	case <-ctx.Done():
		return false
	}
}
