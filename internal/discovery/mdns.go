package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/printgate/internal/device"
)

// mDNS defaults for Moonraker hosts.
const (
	DefaultMDNSService = "_moonraker._tcp"
	DefaultMDNSDomain  = "local."
)

// browseFunc matches zeroconf.Browse.
type browseFunc func(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
}

// MDNSOptions configures an MDNSSource.
type MDNSOptions struct {
	Service    string
	Domain     string
	Interfaces []string
	Logger     Logger

	browse browseFunc
}

// MDNSSource browses for Moonraker hosts advertised over mDNS.
type MDNSSource struct {
	opts   MDNSOptions
	logger Logger
}

// NewMDNSSource creates an mDNS browser source.
func NewMDNSSource(opts MDNSOptions) *MDNSSource {
	if opts.Service == "" {
		opts.Service = DefaultMDNSService
	}
	if opts.Domain == "" {
		opts.Domain = DefaultMDNSDomain
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.browse == nil {
		opts.browse = zeroconfBrowse
	}
	return &MDNSSource{opts: opts, logger: opts.Logger}
}

// Name implements Source.
func (s *MDNSSource) Name() string { return "mdns" }

// Run implements Source.
func (s *MDNSSource) Run(ctx context.Context, out chan<- device.Announcement) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	browseErr := make(chan error, 1)
	go func() {
		browseErr <- s.opts.browse(ctx, s.opts.Service, s.opts.Domain, entries, removed, s.clientOptions()...)
	}()
	s.logger.Info("mdns browse started", "service", s.opts.Service, "domain", s.opts.Domain)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			ann, ok := entryAnnouncement(entry)
			if !ok {
				s.logger.Debug("mdns entry without address", "instance", entry.Instance)
				continue
			}
			if !emit(ctx, out, ann) {
				return nil
			}
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			// Loss is not acted on; the session notices its transport going away.
			s.logger.Debug("mdns service removed", "instance", entry.Instance)
		case err := <-browseErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				return fmt.Errorf("mdns browse for %s ended", s.opts.Service)
			}
			return fmt.Errorf("mdns browse: %w", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *MDNSSource) clientOptions() []zeroconf.ClientOption {
	if len(s.opts.Interfaces) == 0 {
		return nil
	}
	var ifaces []net.Interface
	for _, name := range s.opts.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			s.logger.Warn("mdns interface not found", "interface", name, "error", err)
			continue
		}
		ifaces = append(ifaces, *iface)
	}
	if len(ifaces) == 0 {
		return nil
	}
	return []zeroconf.ClientOption{zeroconf.SelectIfaces(ifaces)}
}

// entryAnnouncement converts a resolved service entry. IPv4 is preferred.
func entryAnnouncement(entry *zeroconf.ServiceEntry) (device.Announcement, bool) {
	host := ""
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return device.Announcement{}, false
	}
	address := host
	if entry.Port > 0 {
		address = net.JoinHostPort(host, strconv.Itoa(entry.Port))
	}

	meta := make(map[string]string, len(entry.Text)+1)
	for _, txt := range entry.Text {
		k, v, _ := strings.Cut(txt, "=")
		if k != "" {
			meta[k] = v
		}
	}
	if entry.HostName != "" {
		meta["hostname"] = strings.TrimSuffix(entry.HostName, ".")
	}

	return device.Announcement{
		Kind:    device.KindMoonraker,
		Address: address,
		Name:    entry.Instance,
		Model:   "klipper",
		Meta:    meta,
		Source:  "mdns",
	}, true
}
