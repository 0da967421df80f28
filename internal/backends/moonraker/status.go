package moonraker

import (
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/printgate/internal/device"
)

// Detail carries Klipper-specific status fields.
type Detail struct {
	KlippyState   string  `json:"klippy_state,omitempty"`
	KlippyMessage string  `json:"klippy_message,omitempty"`
	PrintState    string  `json:"print_state,omitempty"`
	Message       string  `json:"message,omitempty"`
	PrintDuration float64 `json:"print_duration"`
	TotalDuration float64 `json:"total_duration"`
	FilamentUsed  float64 `json:"filament_used"`
	FilePosition  float64 `json:"file_position"`
}

// DetailKind implements device.Detail.
func (d *Detail) DetailKind() device.Kind { return device.KindMoonraker }

// CloneDetail implements device.Detail.
func (d *Detail) CloneDetail() device.Detail {
	cpy := *d
	return &cpy
}

// statusObjects lists the printer objects queried and subscribed to.
var statusObjects = []string{
	"webhooks",
	"print_stats",
	"display_status",
	"virtual_sdcard",
	"extruder",
	"heater_bed",
	"heater_generic chamber",
	"temperature_sensor chamber",
}

// objectsQuery encodes statusObjects for /printer/objects/query.
// Bare object names request every field.
func objectsQuery() string {
	parts := make([]string, len(statusObjects))
	for i, o := range statusObjects {
		parts[i] = url.QueryEscape(o)
	}
	return strings.Join(parts, "&")
}

// objectsParam is the printer.objects.subscribe "objects" parameter.
func objectsParam() map[string]any {
	m := make(map[string]any, len(statusObjects))
	for _, o := range statusObjects {
		m[o] = nil
	}
	return m
}

// jobStates maps print_stats.state to the gateway's job state vocabulary.
var jobStates = map[string]string{
	"standby":   "idle",
	"printing":  "printing",
	"paused":    "paused",
	"complete":  "complete",
	"cancelled": "cancelled",
	"error":     "error",
}

// printerState is the merged object tree. Moonraker sends only changed
// fields in notifications, so updates merge key by key.
type printerState map[string]map[string]any

func (p printerState) merge(update map[string]map[string]any) {
	for obj, fields := range update {
		cur, ok := p[obj]
		if !ok {
			cur = make(map[string]any, len(fields))
			p[obj] = cur
		}
		for k, v := range fields {
			cur[k] = v
		}
	}
}

func (p printerState) setKlippy(state, message string) {
	p.merge(map[string]map[string]any{
		"webhooks": {"state": state, "state_message": message},
	})
}

func (p printerState) num(obj, key string) (float64, bool) {
	v, ok := p[obj][key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (p printerState) str(obj, key string) string {
	s, _ := p[obj][key].(string)
	return s
}

func (p printerState) temperature(obj string) (device.Temperature, bool) {
	cur, ok := p.num(obj, "temperature")
	if !ok {
		return device.Temperature{}, false
	}
	target, _ := p.num(obj, "target")
	return device.Temperature{Current: cur, Target: target}, true
}

// snapshot builds a device snapshot from the merged tree.
func (p printerState) snapshot(now time.Time) device.Snapshot {
	snap := device.Snapshot{
		Timestamp:    now,
		Temperatures: make(map[string]device.Temperature, 3),
		JobName:      p.str("print_stats", "filename"),
	}
	if t, ok := p.temperature("extruder"); ok {
		snap.Temperatures["nozzle"] = t
	}
	if t, ok := p.temperature("heater_bed"); ok {
		snap.Temperatures["bed"] = t
	}
	if t, ok := p.temperature("heater_generic chamber"); ok {
		snap.Temperatures["chamber"] = t
	} else if t, ok := p.temperature("temperature_sensor chamber"); ok {
		snap.Temperatures["chamber"] = t
	}

	if prog, ok := p.num("display_status", "progress"); ok && prog > 0 {
		snap.Progress = prog * 100
	} else if prog, ok := p.num("virtual_sdcard", "progress"); ok {
		snap.Progress = prog * 100
	}

	printState := p.str("print_stats", "state")
	snap.JobState = jobStates[printState]
	if snap.JobState == "" {
		snap.JobState = printState
	}

	klippy := p.str("webhooks", "state")
	klippyMsg := strings.TrimSpace(p.str("webhooks", "state_message"))
	if klippy != "" && klippy != "ready" {
		snap.Errors = append(snap.Errors, "klippy:"+klippy)
	}
	msg := p.str("print_stats", "message")
	if printState == "error" && msg != "" {
		snap.Errors = append(snap.Errors, "print:"+msg)
	}

	d := &Detail{
		KlippyState:   klippy,
		KlippyMessage: klippyMsg,
		PrintState:    printState,
		Message:       msg,
	}
	d.PrintDuration, _ = p.num("print_stats", "print_duration")
	d.TotalDuration, _ = p.num("print_stats", "total_duration")
	d.FilamentUsed, _ = p.num("print_stats", "filament_used")
	d.FilePosition, _ = p.num("virtual_sdcard", "file_position")
	snap.Detail = d
	return snap
}
