package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
)

type stubProvider struct {
	calls atomic.Int32
	anns  []device.Announcement
	err   error
}

func (p *stubProvider) Registrations(context.Context) ([]device.Announcement, error) {
	p.calls.Add(1)
	return p.anns, p.err
}

func TestStaticSource(t *testing.T) {
	provider := &stubProvider{anns: []device.Announcement{
		{Identity: "bench", Kind: device.KindMoonraker, Address: "10.0.0.20"},
	}}
	s := NewStaticSource(StaticOptions{
		Devices: []config.StaticDeviceConfig{
			{Kind: "serial", Address: "/dev/ttyUSB0", Name: "prusa", Meta: map[string]string{"baud": "250000"}},
			{Kind: "fax", Address: "10.0.0.99"},
			{Kind: "moonraker", Address: ""},
		},
		Provider: provider,
		Interval: 10 * time.Millisecond,
	})

	out := make(chan device.Announcement, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, out) }()

	got := receive(t, out, 4)
	if got[0].Address != "/dev/ttyUSB0" || got[0].Source != "static" || got[0].Meta["baud"] != "250000" {
		t.Errorf("static = %+v", got[0])
	}
	if got[1].Identity != "bench" || got[1].Source != "inventory" {
		t.Errorf("stored = %+v", got[1])
	}
	// The second round repeats both.
	if got[2].Address != "/dev/ttyUSB0" || got[3].Identity != "bench" {
		t.Errorf("second round = %+v %+v", got[2], got[3])
	}
	if provider.calls.Load() < 2 {
		t.Errorf("provider calls = %d, want >= 2", provider.calls.Load())
	}
}

func TestStaticSourceProviderError(t *testing.T) {
	provider := &stubProvider{err: errors.New("database locked")}
	s := NewStaticSource(StaticOptions{
		Devices:  []config.StaticDeviceConfig{{Kind: "moonraker", Address: "10.0.0.1"}},
		Provider: provider,
		Interval: 10 * time.Millisecond,
	})
	out := make(chan device.Announcement, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, out) }()

	got := receive(t, out, 2)
	for _, a := range got {
		if a.Address != "10.0.0.1" {
			t.Errorf("unexpected announcement %+v", a)
		}
	}
}

func TestSourcesFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Discovery.SSDP.Enabled = true
	cfg.Discovery.MDNS.Enabled = true
	cfg.Discovery.Serial.Enabled = false
	cfg.Discovery.Static = []config.StaticDeviceConfig{{Kind: "moonraker", Address: "10.0.0.1"}}

	sources := Sources(cfg, nil, nil)
	var names []string
	for _, s := range sources {
		names = append(names, s.Name())
	}
	want := []string{"ssdp", "mdns", "static"}
	if len(names) != len(want) {
		t.Fatalf("sources = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("sources = %v, want %v", names, want)
		}
	}
}
