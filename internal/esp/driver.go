package esp

import (
	"context"

	"github.com/juju/errors"

	"espflash/internal/orchestrator"
)

// Driver opens serial ports and binds ROM loaders to them.
type Driver struct {
	// ROMBaud is the rate ports are opened at. Zero means 115200.
	ROMBaud int
	Log     func(string)
}

func (d Driver) romBaud() int {
	if d.ROMBaud <= 0 {
		return 115200
	}
	return d.ROMBaud
}

// Open opens port at the ROM baud rate.
func (d Driver) Open(_ context.Context, port string) (orchestrator.Transport, error) {
	p, err := Open(port, d.romBaud())
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewFlasher returns a Loader that switches to baud after the handshake.
func (d Driver) NewFlasher(t orchestrator.Transport, baud int) (orchestrator.DeviceFlasher, error) {
	conn, ok := t.(Conn)
	if !ok {
		return nil, errors.Errorf("transport %T is not a serial connection", t)
	}
	return NewLoader(conn,
		WithROMBaudRate(d.romBaud()),
		WithBaudRate(baud),
		WithLog(d.Log),
	), nil
}
