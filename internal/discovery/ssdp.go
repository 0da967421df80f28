package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/printgate/internal/backends/bambu"
	"github.com/nerrad567/printgate/internal/device"
)

// Bambu SSDP constants. Printers notify on a non-standard port.
const (
	DefaultSSDPPort = 2021
	BambuURN        = "urn:bambulab-com:device:3dprinter:1"

	ssdpPacketSize = 1536
	notifyLine     = "NOTIFY * HTTP/1.1"
)

// DefaultSSDPRepeat suppresses repeated announcements of an unchanged printer.
const DefaultSSDPRepeat = 30 * time.Second

// Errors returned by ParseNotify.
var (
	ErrNotNotify    = errors.New("ssdp: not a NOTIFY message")
	ErrNotBambu     = errors.New("ssdp: not a Bambu printer")
	ErrNoLocation   = errors.New("ssdp: missing Location")
	ErrBadLocation  = errors.New("ssdp: Location is not an IP address")
	ErrNoDeviceName = errors.New("ssdp: missing DevName.bambu.com")
)

// Notify is the useful part of a Bambu SSDP NOTIFY.
type Notify struct {
	IP        net.IP
	Serial    string
	Name      string
	ModelCode string
	URN       string
}

// ParseNotify parses one SSDP datagram. Only Bambu printer notifications
// parse without error.
func ParseNotify(payload []byte) (Notify, error) {
	sc := bufio.NewScanner(strings.NewReader(string(payload)))
	header := ""
	for sc.Scan() {
		if header = strings.TrimSpace(sc.Text()); header != "" {
			break
		}
	}
	if header != notifyLine {
		return Notify{}, ErrNotNotify
	}

	var n Notify
	location := ""
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Location":
			location = value
		case "DevModel.bambu.com":
			n.ModelCode = value
		case "DevName.bambu.com":
			n.Name = value
		case "USN":
			n.Serial = value
		case "NT":
			n.URN = value
		}
	}

	if n.URN != BambuURN {
		return Notify{}, fmt.Errorf("%w: NT %q", ErrNotBambu, n.URN)
	}
	if location == "" {
		return Notify{}, ErrNoLocation
	}
	ip, err := parseLocation(location)
	if err != nil {
		return Notify{}, err
	}
	n.IP = ip
	if n.Name == "" {
		return Notify{}, ErrNoDeviceName
	}
	return n, nil
}

// parseLocation accepts a bare IP or a URL with an IP host.
func parseLocation(loc string) (net.IP, error) {
	if ip := net.ParseIP(loc); ip != nil {
		return ip, nil
	}
	if u, err := url.Parse(loc); err == nil && u.Hostname() != "" {
		if ip := net.ParseIP(u.Hostname()); ip != nil {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrBadLocation, loc)
}

// Announcement converts a notification into a registry announcement.
func (n Notify) Announcement(now time.Time) device.Announcement {
	meta := map[string]string{"serial": n.Serial}
	if n.ModelCode != "" {
		meta["model_code"] = n.ModelCode
	}
	return device.Announcement{
		Kind:    device.KindNetwork,
		Address: n.IP.String(),
		Name:    n.Name,
		Model:   bambu.ModelName(n.ModelCode),
		Meta:    meta,
		Source:  "ssdp",
		SeenAt:  now,
	}
}

// SSDPOptions configures an SSDPSource.
type SSDPOptions struct {
	Listen string
	Port   int

	// HasAccessCode reports whether a printer can be connected to. Printers
	// without an access code are skipped with a warning.
	HasAccessCode func(name, serial string) bool

	// Repeat suppresses re-announcing an unchanged printer within this window.
	Repeat time.Duration

	Logger Logger
}

// SSDPSource listens for Bambu printer notifications.
type SSDPSource struct {
	opts   SSDPOptions
	logger Logger

	mu     sync.Mutex
	seen   map[string]seenEntry
	warned map[string]bool
}

type seenEntry struct {
	address string
	at      time.Time
}

// NewSSDPSource creates an SSDP listener.
func NewSSDPSource(opts SSDPOptions) *SSDPSource {
	if opts.Port == 0 {
		opts.Port = DefaultSSDPPort
	}
	if opts.Listen == "" {
		opts.Listen = "0.0.0.0"
	}
	if opts.Repeat == 0 {
		opts.Repeat = DefaultSSDPRepeat
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &SSDPSource{
		opts:   opts,
		logger: opts.Logger,
		seen:   make(map[string]seenEntry),
		warned: make(map[string]bool),
	}
}

// Name implements Source.
func (s *SSDPSource) Name() string { return "ssdp" }

// Run implements Source.
func (s *SSDPSource) Run(ctx context.Context, out chan<- device.Announcement) error {
	addr := net.JoinHostPort(s.opts.Listen, strconv.Itoa(s.opts.Port))
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("ssdp listen %s: %w", addr, err)
	}
	s.logger.Info("ssdp listener started", "address", addr)
	return s.serve(ctx, pc, out)
}

// serve reads notifications from pc until ctx ends. It closes pc.
func (s *SSDPSource) serve(ctx context.Context, pc net.PacketConn, out chan<- device.Announcement) error {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer func() { _ = pc.Close() }()

	buf := make([]byte, ssdpPacketSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ssdp read: %w", err)
		}
		notify, err := ParseNotify(buf[:n])
		if err != nil {
			if !errors.Is(err, ErrNotNotify) && !errors.Is(err, ErrNotBambu) {
				s.logger.Debug("ignoring ssdp notify", "from", from, "error", err)
			}
			continue
		}
		ann, ok := s.accept(notify, time.Now())
		if !ok {
			continue
		}
		if !emit(ctx, out, ann) {
			return nil
		}
	}
}

// accept applies the access code check and repeat suppression.
func (s *SSDPSource) accept(n Notify, now time.Time) (device.Announcement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.Serial
	if key == "" {
		key = n.IP.String()
	}
	if s.opts.HasAccessCode != nil && !s.opts.HasAccessCode(n.Name, n.Serial) {
		if !s.warned[key] {
			s.warned[key] = true
			s.logger.Warn("bambu printer has no access code configured, skipping",
				"name", n.Name,
				"serial", n.Serial,
				"address", n.IP.String(),
			)
		}
		return device.Announcement{}, false
	}
	delete(s.warned, key)

	prev, ok := s.seen[key]
	if ok && prev.address == n.IP.String() && now.Sub(prev.at) < s.opts.Repeat {
		return device.Announcement{}, false
	}
	s.seen[key] = seenEntry{address: n.IP.String(), at: now}
	return n.Announcement(now), true
}
