package discovery

import (
	"context"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
)

// DefaultStaticInterval is how often static devices are re-announced.
const DefaultStaticInterval = time.Minute

// Provider supplies stored registrations, typically the inventory.
type Provider interface {
	Registrations(ctx context.Context) ([]device.Announcement, error)
}

// StaticOptions configures a StaticSource.
type StaticOptions struct {
	Devices  []config.StaticDeviceConfig
	Provider Provider
	Interval time.Duration
	Logger   Logger
}

// StaticSource re-announces configured and stored devices on an interval,
// so a parked session is retried without a network announcement.
type StaticSource struct {
	devices  []device.Announcement
	provider Provider
	interval time.Duration
	logger   Logger
}

// NewStaticSource creates a static source. Invalid config entries are
// logged and dropped.
func NewStaticSource(opts StaticOptions) *StaticSource {
	if opts.Interval <= 0 {
		opts.Interval = DefaultStaticInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	s := &StaticSource{
		provider: opts.Provider,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
	for _, d := range opts.Devices {
		ann, err := staticAnnouncement(d)
		if err != nil {
			s.logger.Warn("ignoring static device", "address", d.Address, "error", err)
			continue
		}
		s.devices = append(s.devices, ann)
	}
	return s
}

func staticAnnouncement(d config.StaticDeviceConfig) (device.Announcement, error) {
	kind, err := device.ParseKind(d.Kind)
	if err != nil {
		return device.Announcement{}, err
	}
	ann := device.Announcement{
		Identity: device.Identity(d.Identity),
		Kind:     kind,
		Address:  d.Address,
		Name:     d.Name,
		Meta:     d.Meta,
		Source:   "static",
	}
	if err := ann.Validate(); err != nil {
		return device.Announcement{}, err
	}
	return ann, nil
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Run implements Source.
func (s *StaticSource) Run(ctx context.Context, out chan<- device.Announcement) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if !s.announce(ctx, out) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *StaticSource) announce(ctx context.Context, out chan<- device.Announcement) bool {
	for _, ann := range s.devices {
		if !emit(ctx, out, ann.Clone()) {
			return false
		}
	}
	if s.provider == nil {
		return true
	}
	stored, err := s.provider.Registrations(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("loading stored registrations failed", "error", err)
		return true
	}
	for _, ann := range stored {
		if ann.Source == "" {
			ann.Source = "inventory"
		}
		if !emit(ctx, out, ann) {
			return false
		}
	}
	return true
}
