package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/printgate/internal/device"
)

var sessionsDesc = prometheus.NewDesc(
	"printgate_sessions",
	"Device sessions by kind and state",
	[]string{"kind", "state"}, nil,
)

var allStates = []device.State{
	device.StateDiscovered,
	device.StateConnecting,
	device.StateConnected,
	device.StateBusy,
	device.StateError,
	device.StateDisconnected,
}

// SessionCollector reports session counts at scrape time.
type SessionCollector struct {
	list  func() []device.Info
	kinds []device.Kind
}

// NewSessionCollector creates a collector over list, typically Registry.List.
// Every kind and state pair is always reported, zero included.
func NewSessionCollector(list func() []device.Info) *SessionCollector {
	return &SessionCollector{
		list:  list,
		kinds: []device.Kind{device.KindNetwork, device.KindMoonraker, device.KindSerial},
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[device.Kind]map[device.State]float64, len(c.kinds))
	for _, k := range c.kinds {
		counts[k] = make(map[device.State]float64, len(allStates))
	}
	for _, info := range c.list() {
		if _, ok := counts[info.Kind]; ok {
			counts[info.Kind][info.State]++
		}
	}
	for _, k := range c.kinds {
		for _, s := range allStates {
			ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, counts[k][s], string(k), string(s))
		}
	}
}
