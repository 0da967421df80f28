package gcode

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/nerrad567/printgate/internal/device"
)

// ErrUnsupported is returned for commands that have no G-code form.
var ErrUnsupported = errors.New("gcode: command has no G-code translation")

// Marlin commands used by Translate.
const (
	Home            = "G28"
	Rapid           = "G0"
	Linear          = "G1"
	Absolute        = "G90"
	Relative        = "G91"
	SelectSDFile    = "M23"
	StartSDPrint    = "M24"
	PauseSDPrint    = "M25"
	SDPrintStatus   = "M27"
	ReportTemps     = "M105"
	CaseLight       = "M355"
	AbortSDPrint    = "M524"
	FirmwareInfo    = "M115"
	DefaultFeedrate = 3000 // mm/min
)

// Translate converts cmd into G-code lines.
func Translate(cmd device.Command) ([]string, error) {
	switch cmd.Kind {
	case device.CmdHome:
		return []string{homeLine(cmd)}, nil
	case device.CmdMove:
		return moveLines(cmd)
	case device.CmdPause:
		return []string{PauseSDPrint}, nil
	case device.CmdResume:
		return []string{StartSDPrint}, nil
	case device.CmdCancel:
		return []string{AbortSDPrint}, nil
	case device.CmdSubmitJob:
		file, _ := cmd.String("file")
		if file == "" {
			return nil, fmt.Errorf("%w: submit_job requires a file", device.ErrInvalidCommand)
		}
		return []string{SelectSDFile + " " + path.Base(file), StartSDPrint}, nil
	case device.CmdSetLight:
		on, ok := cmd.Bool("on")
		if !ok {
			return nil, fmt.Errorf("%w: set_light requires on", device.ErrInvalidCommand)
		}
		if on {
			return []string{CaseLight + " S1"}, nil
		}
		return []string{CaseLight + " S0"}, nil
	case device.CmdQueryStatus:
		return []string{ReportTemps}, nil
	case device.CmdCustom:
		raw, _ := cmd.String("gcode")
		if raw == "" {
			return nil, fmt.Errorf("%w: custom command %q", ErrUnsupported, cmdName(cmd))
		}
		return SplitScript(raw), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, cmd.Kind)
}

// Script joins Translate's lines with newlines, the form accepted by
// Moonraker and the Bambu gcode_line command.
func Script(cmd device.Command) (string, error) {
	lines, err := Translate(cmd)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// SplitScript splits a multi-line script into trimmed, non-empty lines.
// Comments after ';' are removed.
func SplitScript(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func cmdName(cmd device.Command) string {
	name, _ := cmd.String("name")
	return name
}

func homeLine(cmd device.Command) string {
	axes, _ := cmd.String("axes")
	var b strings.Builder
	b.WriteString(Home)
	for _, r := range strings.ToUpper(axes) {
		switch r {
		case 'X', 'Y', 'Z':
			b.WriteByte(' ')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func moveLines(cmd device.Command) ([]string, error) {
	var b strings.Builder
	extrude := false
	for _, axis := range []string{"x", "y", "z", "e"} {
		v, ok := cmd.Float(axis)
		if !ok {
			continue
		}
		if axis == "e" {
			extrude = true
		}
		b.WriteByte(' ')
		b.WriteString(strings.ToUpper(axis))
		b.WriteString(formatNumber(v))
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("%w: move requires at least one axis", device.ErrInvalidCommand)
	}
	feed, ok := cmd.Float("feedrate")
	if !ok || feed <= 0 {
		feed = DefaultFeedrate
	}
	b.WriteString(" F")
	b.WriteString(formatNumber(feed))

	op := Rapid
	if extrude {
		op = Linear
	}
	move := op + b.String()

	relative := true
	if r, ok := cmd.Bool("relative"); ok {
		relative = r
	}
	if relative {
		return []string{Relative, move, Absolute}, nil
	}
	return []string{Absolute, move}, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
