package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"espflash/internal/firmware"
)

// Transport is the open link to the device.
type Transport interface {
	SetDTR(level bool) error
	Disconnect() error
}

// DeviceFlasher runs the bootloader protocol over a Transport.
type DeviceFlasher interface {
	// Connect performs the bootloader handshake.
	Connect(ctx context.Context) error
	ChipName() string
	WriteFlash(ctx context.Context, req firmware.WriteRequest) error
}

// Resetter is implemented by flashers that can reboot the device into the
// application themselves.
type Resetter interface {
	HardReset(ctx context.Context) error
}

// Driver opens transports and binds flashers to them.
type Driver interface {
	Open(ctx context.Context, port string) (Transport, error)
	NewFlasher(t Transport, baudRate int) (DeviceFlasher, error)
}

// PortSelector asks the operator which serial port to use.
type PortSelector interface {
	SelectPort(ctx context.Context) (string, error)
}

// PortSelectorFunc adapts a function to PortSelector.
type PortSelectorFunc func(ctx context.Context) (string, error)

func (f PortSelectorFunc) SelectPort(ctx context.Context) (string, error) { return f(ctx) }

// StaticPort is a selection the operator already made.
type StaticPort string

func (p StaticPort) SelectPort(context.Context) (string, error) {
	if p == "" {
		return "", errors.New("no serial port selected")
	}
	return string(p), nil
}

// DeviceSession is one physical connection. Only the Orchestrator holds it.
type DeviceSession struct {
	ID       uuid.UUID
	Port     string
	Target   string
	Chip     string
	BaudRate int
	OpenedAt time.Time

	transport Transport
	flasher   DeviceFlasher

	closeOnce sync.Once
	closeErr  error
}

// SessionInfo is the caller-visible part of a DeviceSession.
type SessionInfo struct {
	ID       string    `json:"id"`
	Port     string    `json:"port"`
	Target   string    `json:"target"`
	Chip     string    `json:"chip"`
	BaudRate int       `json:"baudRate"`
	OpenedAt time.Time `json:"openedAt"`
}

func (s *DeviceSession) info() SessionInfo {
	return SessionInfo{
		ID:       s.ID.String(),
		Port:     s.Port,
		Target:   s.Target,
		Chip:     s.Chip,
		BaudRate: s.BaudRate,
		OpenedAt: s.OpenedAt,
	}
}

// close disconnects the transport exactly once.
func (s *DeviceSession) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.transport.Disconnect()
	})
	return s.closeErr
}
