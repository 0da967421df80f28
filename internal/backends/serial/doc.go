// Package serial implements the backend for printers attached over USB
// serial that speak Marlin-style line G-code.
//
// Each command line is written and the reply stream is read until the
// firmware acknowledges with "ok" or fails with "Error:" or
// "echo:Unknown command". Status is polled with M105 (temperatures) and
// M27 (SD print progress) on the configured interval.
package serial
