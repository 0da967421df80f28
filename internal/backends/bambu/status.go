package bambu

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/printgate/internal/device"
)

// Detail carries Bambu-specific status fields.
type Detail struct {
	GcodeState       string `json:"gcode_state,omitempty"`
	Layer            int    `json:"layer"`
	TotalLayers      int    `json:"total_layers"`
	RemainingMinutes int    `json:"remaining_minutes"`
	SpeedLevel       int    `json:"speed_level,omitempty"`
	AMSPresent       bool   `json:"ams_present"`
	TrayNow          string `json:"tray_now,omitempty"`
	ChamberLight     string `json:"chamber_light,omitempty"`
	WifiSignal       string `json:"wifi_signal,omitempty"`
	PrintError       int    `json:"print_error,omitempty"`
}

// DetailKind implements device.Detail.
func (d *Detail) DetailKind() device.Kind { return device.KindNetwork }

// CloneDetail implements device.Detail.
func (d *Detail) CloneDetail() device.Detail {
	cpy := *d
	return &cpy
}

// jobStates maps gcode_state to the gateway's job state vocabulary.
var jobStates = map[string]string{
	"IDLE":    "idle",
	"PREPARE": "preparing",
	"SLICING": "preparing",
	"RUNNING": "printing",
	"PAUSE":   "paused",
	"FINISH":  "complete",
	"FAILED":  "error",
}

// snapshot builds a device snapshot from the merged state.
func (s *printStatus) snapshot(now time.Time) device.Snapshot {
	snap := device.Snapshot{
		Timestamp:    now,
		Temperatures: make(map[string]device.Temperature, 3),
		Progress:     value(s.McPercent),
		JobName:      s.SubtaskName,
		JobState:     jobStates[strings.ToUpper(s.GcodeState)],
	}
	if s.NozzleTemper != nil {
		snap.Temperatures["nozzle"] = device.Temperature{Current: *s.NozzleTemper, Target: value(s.NozzleTargetTemper)}
	}
	if s.BedTemper != nil {
		snap.Temperatures["bed"] = device.Temperature{Current: *s.BedTemper, Target: value(s.BedTargetTemper)}
	}
	if s.ChamberTemper != nil {
		snap.Temperatures["chamber"] = device.Temperature{Current: *s.ChamberTemper}
	}
	if snap.JobState == "" && s.GcodeState != "" {
		snap.JobState = strings.ToLower(s.GcodeState)
	}

	if code := int(value(s.PrintError)); code != 0 {
		snap.Errors = append(snap.Errors, fmt.Sprintf("print_error:%08X", code))
	}
	for _, h := range s.HMS {
		snap.Errors = append(snap.Errors, fmt.Sprintf("hms:%08X_%08X", uint32(h.Attr), uint32(h.Code)))
	}

	d := &Detail{
		GcodeState:       s.GcodeState,
		Layer:            int(value(s.LayerNum)),
		TotalLayers:      int(value(s.TotalLayerNum)),
		RemainingMinutes: int(value(s.McRemainingTime)),
		SpeedLevel:       int(value(s.SpeedLevel)),
		AMSPresent:       s.hasAMS(),
		WifiSignal:       s.WifiSignal,
		PrintError:       int(value(s.PrintError)),
	}
	if s.AMS != nil {
		d.TrayNow = s.AMS.TrayNow
	}
	for _, l := range s.LightsReport {
		if l.Node == defaultLightNode {
			d.ChamberLight = l.Mode
		}
	}
	snap.Detail = d
	return snap
}
