package transport

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// SerialDialer opens a serial device in raw 8N1 mode.
type SerialDialer struct {
	Path     string
	BaudRate int
}

func (d *SerialDialer) String() string { return d.Path }

func (d *SerialDialer) DialContext(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Target: d.Path, Err: err}
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(d.Path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &ConnectionError{Target: d.Path, Err: fmt.Errorf("opening %s at %d baud: %w", d.Path, baud, err)}
	}
	return port, nil
}
