package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/printgate/internal/device"
)

var (
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_session_transitions_total",
		Help: "Session state transitions by device kind",
	}, []string{"kind", "from", "to"})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_connect_attempts_total",
		Help: "Finished connection attempts by device kind and outcome reason",
	}, []string{"kind", "result"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_commands_total",
		Help: "Resolved commands by device kind, command kind and outcome",
	}, []string{"kind", "command", "result"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "printgate_command_duration_seconds",
		Help:    "Time from dispatch to resolution of a command",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind", "command"})

	UpdatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_status_updates_dropped_total",
		Help: "Status updates a listener missed because its buffer was full",
	}, []string{"listener"})

	RegistryAnnouncements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_registry_announcements_total",
		Help: "Announcements applied to the registry by kind, source and resulting action",
	}, []string{"kind", "source", "action"})

	DiscoveryAnnouncements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_discovery_announcements_total",
		Help: "Announcements produced by each discovery source",
	}, []string{"source", "kind"})

	TelemetryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printgate_telemetry_writes_total",
		Help: "Status updates forwarded to external sinks by sink and result",
	}, []string{"sink", "result"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printgate_stream_clients",
		Help: "Connected websocket status stream clients",
	})
)

// Observer records device lifecycle events.
type Observer struct{}

var _ device.Observer = Observer{}

func (Observer) StateChanged(kind device.Kind, from, to device.State) {
	StateTransitions.WithLabelValues(string(kind), string(from), string(to)).Inc()
}

func (Observer) ConnectAttempt(kind device.Kind, reason string) {
	ConnectAttempts.WithLabelValues(string(kind), label(reason)).Inc()
}

func (Observer) CommandFinished(kind device.Kind, cmd device.CommandKind, reason string, seconds float64) {
	CommandsTotal.WithLabelValues(string(kind), string(cmd), label(reason)).Inc()
	CommandDuration.WithLabelValues(string(kind), string(cmd)).Observe(seconds)
}

func (Observer) UpdateDropped(listener string) {
	UpdatesDropped.WithLabelValues(label(listener)).Inc()
}

func (Observer) Announcement(kind device.Kind, source, action string) {
	RegistryAnnouncements.WithLabelValues(string(kind), label(source), action).Inc()
}

// ObserveDiscovery counts an announcement leaving the discovery feed.
func ObserveDiscovery(ann device.Announcement) {
	DiscoveryAnnouncements.WithLabelValues(label(ann.Source), string(ann.Kind)).Inc()
}

// TelemetryWrite counts one forwarded update.
func TelemetryWrite(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TelemetryWrites.WithLabelValues(sink, result).Inc()
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
