package bambu

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/gcode"
)

// ErrUnsupported is returned for commands the printer has no request for.
var ErrUnsupported = errors.New("bambu: unsupported command")

// Request envelopes. The top-level key selects the printer subsystem.
const (
	sectionPrint   = "print"
	sectionSystem  = "system"
	sectionInfo    = "info"
	sectionPushing = "pushing"
)

// Custom command names accepted in device.Command params["name"].
const (
	NameGetVersion     = "get_version"
	NameGetAccessories = "get_accessories"
	NamePushAll        = "pushall"
)

const (
	defaultLightNode = "chamber_light"
	sdcardURL        = "file:///sdcard/"
)

// request is one message published to device/<serial>/request.
type request map[string]map[string]any

func newRequest(section, command, seq string) request {
	return request{section: {"sequence_id": seq, "command": command}}
}

func (r request) set(key string, value any) request {
	for _, body := range r {
		body[key] = value
	}
	return r
}

// section returns the request's only top-level key.
func (r request) section() string {
	for k := range r {
		return k
	}
	return ""
}

func pushAllRequest(seq string) request {
	return newRequest(sectionPushing, NamePushAll, seq).set("version", 1).set("push_target", 1)
}

// buildRequest translates cmd into a printer request.
// hasAMS is used when a print job does not say whether to use the AMS.
func buildRequest(cmd device.Command, seq string, hasAMS bool) (request, error) {
	switch cmd.Kind {
	case device.CmdPause:
		return newRequest(sectionPrint, "pause", seq).set("param", ""), nil
	case device.CmdResume:
		return newRequest(sectionPrint, "resume", seq).set("param", ""), nil
	case device.CmdCancel:
		return newRequest(sectionPrint, "stop", seq).set("param", ""), nil
	case device.CmdSetLight:
		on, _ := cmd.Bool("on")
		node, _ := cmd.String("node")
		if node == "" {
			node = defaultLightNode
		}
		mode := "off"
		if on {
			mode = "on"
		}
		return newRequest(sectionSystem, "ledctrl", seq).
			set("led_node", node).
			set("led_mode", mode).
			set("led_on_time", 500).
			set("led_off_time", 500).
			set("loop_times", 0).
			set("interval_time", 0), nil
	case device.CmdSubmitJob:
		return printFileRequest(cmd, seq, hasAMS), nil
	case device.CmdHome, device.CmdMove:
		script, err := gcode.Script(cmd)
		if err != nil {
			return nil, err
		}
		return gcodeRequest(seq, script), nil
	case device.CmdCustom:
		if name, _ := cmd.String("name"); name != "" {
			switch name {
			case NameGetVersion:
				return newRequest(sectionInfo, NameGetVersion, seq), nil
			case NameGetAccessories:
				return newRequest(sectionSystem, NameGetAccessories, seq).set("accessory_type", "none"), nil
			}
			return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
		}
		script, err := gcode.Script(cmd)
		if err != nil {
			return nil, err
		}
		return gcodeRequest(seq, script), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, cmd.Kind)
}

func gcodeRequest(seq, script string) request {
	return newRequest(sectionPrint, "gcode_line", seq).set("param", script+"\n")
}

// printFileRequest starts a 3MF project already on the printer's SD card.
func printFileRequest(cmd device.Command, seq string, hasAMS bool) request {
	file, _ := cmd.String("file")
	plate := 1
	if p, ok := cmd.Float("plate"); ok && p >= 1 {
		plate = int(p)
	}
	useAMS := hasAMS
	if v, ok := cmd.Bool("use_ams"); ok {
		useAMS = v
	}
	name, _ := cmd.String("name")
	if name == "" {
		base := path.Base(file)
		name = strings.TrimSuffix(strings.TrimSuffix(base, path.Ext(base)), ".gcode")
	}
	url := file
	if !strings.Contains(file, "://") {
		url = sdcardURL + strings.TrimPrefix(file, "/")
	}
	return newRequest(sectionPrint, "project_file", seq).
		set("param", fmt.Sprintf("Metadata/plate_%d.gcode", plate)).
		set("subtask_name", name).
		set("url", url).
		set("bed_type", "auto").
		set("timelapse", false).
		set("bed_leveling", true).
		set("flow_cali", false).
		set("vibration_cali", true).
		set("layer_inspect", false).
		set("use_ams", useAMS)
}

// message is a decoded report envelope. Only one section is normally set.
type message map[string]json.RawMessage

// header holds the fields common to every report section.
type header struct {
	Command    string     `json:"command"`
	SequenceID sequenceID `json:"sequence_id"`
	Result     string     `json:"result"`
	Reason     string     `json:"reason"`
}

// sequenceID accepts both the string and the numeric form; firmware
// versions disagree.
type sequenceID string

func (s *sequenceID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = sequenceID(v)
		return nil
	}
	if string(b) == "null" {
		*s = ""
		return nil
	}
	*s = sequenceID(b)
	return nil
}

// printStatus is the merged push_status state.
// Fields are pointers so partial reports leave unknown values unset.
type printStatus struct {
	NozzleTemper       *float64      `json:"nozzle_temper,omitempty"`
	NozzleTargetTemper *float64      `json:"nozzle_target_temper,omitempty"`
	BedTemper          *float64      `json:"bed_temper,omitempty"`
	BedTargetTemper    *float64      `json:"bed_target_temper,omitempty"`
	ChamberTemper      *float64      `json:"chamber_temper,omitempty"`
	McPercent          *float64      `json:"mc_percent,omitempty"`
	McRemainingTime    *float64      `json:"mc_remaining_time,omitempty"`
	LayerNum           *float64      `json:"layer_num,omitempty"`
	TotalLayerNum      *float64      `json:"total_layer_num,omitempty"`
	PrintError         *float64      `json:"print_error,omitempty"`
	SpeedLevel         *float64      `json:"spd_lvl,omitempty"`
	GcodeState         string        `json:"gcode_state,omitempty"`
	GcodeFile          string        `json:"gcode_file,omitempty"`
	SubtaskName        string        `json:"subtask_name,omitempty"`
	WifiSignal         string        `json:"wifi_signal,omitempty"`
	HMS                []hmsEntry    `json:"hms,omitempty"`
	AMS                *amsStatus    `json:"ams,omitempty"`
	LightsReport       []lightReport `json:"lights_report,omitempty"`
}

type hmsEntry struct {
	Attr float64 `json:"attr"`
	Code float64 `json:"code"`
}

type amsStatus struct {
	AMSExistBits string `json:"ams_exist_bits,omitempty"`
	TrayNow      string `json:"tray_now,omitempty"`
}

type lightReport struct {
	Node string `json:"node"`
	Mode string `json:"mode"`
}

// merge applies a partial report on top of s.
func (s *printStatus) merge(raw json.RawMessage) error {
	return json.Unmarshal(raw, s)
}

func (s *printStatus) hasAMS() bool {
	return s.AMS != nil && s.AMS.AMSExistBits != "" && s.AMS.AMSExistBits != "0"
}

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
