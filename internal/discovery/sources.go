package discovery

import "github.com/nerrad567/printgate/internal/infrastructure/config"

// Sources builds the enabled sources from configuration.
func Sources(cfg *config.Config, provider Provider, logger Logger) []Source {
	d := cfg.Discovery
	var sources []Source
	if d.SSDP.Enabled {
		sources = append(sources, NewSSDPSource(SSDPOptions{
			Listen: d.SSDP.Listen,
			Port:   d.SSDP.Port,
			HasAccessCode: func(name, serial string) bool {
				_, ok := cfg.Backends.Bambu.AccessCodeFor(name, serial)
				return ok
			},
			Logger: logger,
		}))
	}
	if d.MDNS.Enabled {
		sources = append(sources, NewMDNSSource(MDNSOptions{
			Service:    d.MDNS.Service,
			Domain:     d.MDNS.Domain,
			Interfaces: d.MDNS.Interfaces,
			Logger:     logger,
		}))
	}
	if d.Serial.Enabled {
		sources = append(sources, NewSerialSource(SerialOptions{
			Patterns: d.Serial.Patterns,
			Interval: d.Serial.Interval,
			Logger:   logger,
		}))
	}
	if len(d.Static) > 0 || provider != nil {
		sources = append(sources, NewStaticSource(StaticOptions{
			Devices:  d.Static,
			Provider: provider,
			Interval: d.RefreshInterval,
			Logger:   logger,
		}))
	}
	return sources
}
