// Package gcode translates device commands into Marlin-flavoured G-code and
// parses the replies printers send back.
//
// It is shared by the serial backend, which speaks G-code directly, and by
// the network backends, which tunnel raw lines for moves, homing and custom
// commands.
//
//	lines, err := gcode.Translate(device.Command{Kind: device.CmdHome, Params: map[string]any{"axes": "xy"}})
//	// lines == []string{"G28 X Y"}
package gcode
