package gcode

import (
	"strconv"
	"strings"

	"github.com/nerrad567/printgate/internal/device"
)

// ReplyKind classifies a line received from a printer.
type ReplyKind int

// Reply kinds.
const (
	// ReplyInfo is any line that neither completes nor fails a command.
	ReplyInfo ReplyKind = iota
	// ReplyOK acknowledges the last command.
	ReplyOK
	// ReplyError reports a firmware error for the last command.
	ReplyError
	// ReplyBusy means the firmware is still working; the command is not done.
	ReplyBusy
	// ReplyResend asks the host to resend a line.
	ReplyResend
)

// ClassifyReply returns the kind of a reply line and, for errors, its message.
func ClassifyReply(line string) (ReplyKind, string) {
	line = strings.TrimSpace(line)
	lower := strings.ToLower(line)
	switch {
	case lower == "ok" || strings.HasPrefix(lower, "ok "):
		return ReplyOK, ""
	case strings.HasPrefix(lower, "error:"):
		return ReplyError, strings.TrimSpace(line[len("error:"):])
	case strings.HasPrefix(lower, "echo:unknown command"):
		return ReplyError, strings.TrimSpace(line[len("echo:"):])
	case strings.HasPrefix(lower, "echo:busy") || strings.HasPrefix(lower, "busy:"):
		return ReplyBusy, ""
	case strings.HasPrefix(lower, "resend:") || strings.HasPrefix(lower, "rs:"):
		return ReplyResend, ""
	}
	return ReplyInfo, ""
}

// ParseTemperatures extracts heater readings from an M105 reply or an
// auto-report line, e.g. "ok T:210.2 /210.0 B:60.1 /60.0 @:64 B@:0".
//
// T, T0..Tn map to nozzle, nozzle1..; B to bed; C to chamber.
// It returns nil when the line carries no readings.
func ParseTemperatures(line string) map[string]device.Temperature {
	fields := strings.Fields(line)
	var temps map[string]device.Temperature
	for i := 0; i < len(fields); i++ {
		key, value, ok := strings.Cut(fields[i], ":")
		if !ok || strings.Contains(key, "@") {
			continue
		}
		name := heaterName(key)
		if name == "" {
			continue
		}
		cur, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		t := device.Temperature{Current: cur}
		if i+1 < len(fields) && strings.HasPrefix(fields[i+1], "/") {
			if target, err := strconv.ParseFloat(fields[i+1][1:], 64); err == nil {
				t.Target = target
			}
			i++
		}
		if temps == nil {
			temps = make(map[string]device.Temperature)
		}
		if _, seen := temps[name]; !seen {
			temps[name] = t
		}
	}
	return temps
}

func heaterName(key string) string {
	switch {
	case key == "T":
		return "nozzle"
	case key == "B":
		return "bed"
	case key == "C":
		return "chamber"
	case len(key) > 1 && key[0] == 'T':
		n, err := strconv.Atoi(key[1:])
		if err != nil {
			return ""
		}
		if n == 0 {
			return "nozzle"
		}
		return "nozzle" + strconv.Itoa(n)
	}
	return ""
}

// ParseSDProgress parses an M27 reply such as "SD printing byte 1234/5678".
// It returns the percentage and true when a print is running.
func ParseSDProgress(line string) (float64, bool) {
	const marker = "SD printing byte "
	i := strings.Index(line, marker)
	if i < 0 {
		return 0, false
	}
	done, total, ok := strings.Cut(strings.TrimSpace(line[i+len(marker):]), "/")
	if !ok {
		return 0, false
	}
	d, err1 := strconv.ParseFloat(done, 64)
	t, err2 := strconv.ParseFloat(strings.TrimSpace(total), 64)
	if err1 != nil || err2 != nil || t <= 0 {
		return 0, false
	}
	return d / t * 100, true
}

// IsNotPrinting reports whether an M27 reply says no SD print is active.
func IsNotPrinting(line string) bool {
	return strings.Contains(strings.ToLower(line), "not sd printing")
}
