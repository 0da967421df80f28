package serial

import (
	"errors"
	"io"
	"time"

	bugserial "go.bug.st/serial"

	"github.com/nerrad567/printgate/internal/device"
)

// Port is an open serial line.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens a serial port by name.
type OpenFunc func(name string, baud int, readTimeout time.Duration) (Port, error)

// Open opens a real serial port with 8N1 framing.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	p, err := bugserial.Open(name, &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return bugserial.GetPortsList()
}

// openError maps a port open failure to a connect failure.
func openError(name string, err error) error {
	var pe *bugserial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case bugserial.PermissionDenied:
			return device.ConnectFailure(device.ErrAuthRejected, "%s: %v", name, err)
		case bugserial.InvalidSpeed, bugserial.InvalidDataBits, bugserial.InvalidParity, bugserial.InvalidStopBits:
			return device.ConnectFailure(device.ErrProtocolMismatch, "%s: %v", name, err)
		}
	}
	return device.ConnectFailure(device.ErrUnreachable, "%s: %v", name, err)
}

// blockingReader hides the empty reads a port returns when its read
// timeout expires, so bufio sees a plain blocking stream.
type blockingReader struct {
	r io.Reader
}

func (b blockingReader) Read(p []byte) (int, error) {
	for {
		n, err := b.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
