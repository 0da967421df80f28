package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/printgate/internal/device"
)

func TestObserver(t *testing.T) {
	StateTransitions.Reset()
	ConnectAttempts.Reset()
	CommandsTotal.Reset()
	CommandDuration.Reset()
	UpdatesDropped.Reset()
	RegistryAnnouncements.Reset()

	var o Observer
	o.StateChanged(device.KindMoonraker, device.StateConnecting, device.StateConnected)
	o.StateChanged(device.KindMoonraker, device.StateConnecting, device.StateConnected)
	o.ConnectAttempt(device.KindSerial, device.ReasonUnreachable)
	o.ConnectAttempt(device.KindSerial, "")
	o.CommandFinished(device.KindNetwork, device.CmdPause, "ok", 0.2)
	o.UpdateDropped("websocket")
	o.Announcement(device.KindNetwork, "ssdp", "created")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"transitions", testutil.ToFloat64(StateTransitions.WithLabelValues("moonraker", "connecting", "connected")), 2},
		{"connect unreachable", testutil.ToFloat64(ConnectAttempts.WithLabelValues("serial", "unreachable")), 1},
		{"connect unknown", testutil.ToFloat64(ConnectAttempts.WithLabelValues("serial", "unknown")), 1},
		{"commands", testutil.ToFloat64(CommandsTotal.WithLabelValues("network", "pause", "ok")), 1},
		{"dropped", testutil.ToFloat64(UpdatesDropped.WithLabelValues("websocket")), 1},
		{"announcements", testutil.ToFloat64(RegistryAnnouncements.WithLabelValues("network", "ssdp", "created")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(CommandDuration); n != 1 {
		t.Errorf("CommandDuration series = %d, want 1", n)
	}
}

func TestObserveDiscoveryAndTelemetry(t *testing.T) {
	DiscoveryAnnouncements.Reset()
	TelemetryWrites.Reset()

	ObserveDiscovery(device.Announcement{Kind: device.KindSerial, Source: "serial"})
	ObserveDiscovery(device.Announcement{Kind: device.KindSerial})
	TelemetryWrite("mqtt", nil)
	TelemetryWrite("mqtt", errors.New("broker down"))
	TelemetryWrite("mqtt", nil)

	if got := testutil.ToFloat64(DiscoveryAnnouncements.WithLabelValues("serial", "serial")); got != 1 {
		t.Errorf("serial announcements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DiscoveryAnnouncements.WithLabelValues("unknown", "serial")); got != 1 {
		t.Errorf("unlabelled announcements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(TelemetryWrites.WithLabelValues("mqtt", "ok")); got != 2 {
		t.Errorf("mqtt ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(TelemetryWrites.WithLabelValues("mqtt", "error")); got != 1 {
		t.Errorf("mqtt error = %v, want 1", got)
	}
}

func TestSessionCollector(t *testing.T) {
	infos := []device.Info{
		{Identity: "moonraker:a", Kind: device.KindMoonraker, State: device.StateConnected},
		{Identity: "moonraker:b", Kind: device.KindMoonraker, State: device.StateConnected},
		{Identity: "serial:/dev/ttyusb0", Kind: device.KindSerial, State: device.StateError},
	}
	c := NewSessionCollector(func() []device.Info { return infos })

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	// three kinds times six states
	if n := testutil.CollectAndCount(c); n != 18 {
		t.Fatalf("series = %d, want 18", n)
	}

	expected := `
# HELP printgate_sessions Device sessions by kind and state
# TYPE printgate_sessions gauge
printgate_sessions{kind="moonraker",state="busy"} 0
printgate_sessions{kind="moonraker",state="connected"} 2
printgate_sessions{kind="moonraker",state="connecting"} 0
printgate_sessions{kind="moonraker",state="disconnected"} 0
printgate_sessions{kind="moonraker",state="discovered"} 0
printgate_sessions{kind="moonraker",state="error"} 0
printgate_sessions{kind="network",state="busy"} 0
printgate_sessions{kind="network",state="connected"} 0
printgate_sessions{kind="network",state="connecting"} 0
printgate_sessions{kind="network",state="disconnected"} 0
printgate_sessions{kind="network",state="discovered"} 0
printgate_sessions{kind="network",state="error"} 0
printgate_sessions{kind="serial",state="busy"} 0
printgate_sessions{kind="serial",state="connected"} 0
printgate_sessions{kind="serial",state="connecting"} 0
printgate_sessions{kind="serial",state="disconnected"} 0
printgate_sessions{kind="serial",state="discovered"} 0
printgate_sessions{kind="serial",state="error"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "printgate_sessions"); err != nil {
		t.Error(err)
	}
}

func TestPromhttpExposure(t *testing.T) {
	TelemetryWrite("influxdb", nil)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "printgate_telemetry_writes_total") {
		t.Error("default registry does not expose printgate collectors")
	}
}
