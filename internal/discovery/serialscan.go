package discovery

import (
	"context"
	"path/filepath"
	"time"

	"github.com/nerrad567/printgate/internal/backends/serial"
	"github.com/nerrad567/printgate/internal/device"
)

// DefaultSerialInterval is how often serial ports are enumerated.
const DefaultSerialInterval = 30 * time.Second

// SerialOptions configures a SerialSource.
type SerialOptions struct {
	// Patterns are filepath.Match globs; an empty list accepts every port.
	Patterns []string
	Interval time.Duration
	Logger   Logger

	list func() ([]string, error)
}

// SerialSource announces serial ports as they appear.
type SerialSource struct {
	opts   SerialOptions
	logger Logger
}

// NewSerialSource creates a serial port scanner.
func NewSerialSource(opts SerialOptions) *SerialSource {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSerialInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.list == nil {
		opts.list = serial.ListPorts
	}
	return &SerialSource{opts: opts, logger: opts.Logger}
}

// Name implements Source.
func (s *SerialSource) Name() string { return "serial" }

// Run implements Source. Ports are announced when first seen and again
// after they disappear and come back.
func (s *SerialSource) Run(ctx context.Context, out chan<- device.Announcement) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	present := map[string]bool{}
	for {
		ports, err := s.opts.list()
		if err != nil {
			s.logger.Warn("serial port enumeration failed", "error", err)
		} else {
			next := make(map[string]bool, len(ports))
			for _, p := range ports {
				if !s.matches(p) {
					continue
				}
				next[p] = true
				if present[p] {
					continue
				}
				ann := device.Announcement{
					Kind:    device.KindSerial,
					Address: p,
					Name:    filepath.Base(p),
					Source:  "serial",
				}
				if !emit(ctx, out, ann) {
					return nil
				}
			}
			present = next
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *SerialSource) matches(port string) bool {
	if len(s.opts.Patterns) == 0 {
		return true
	}
	for _, pattern := range s.opts.Patterns {
		if ok, _ := filepath.Match(pattern, port); ok {
			return true
		}
	}
	return false
}
