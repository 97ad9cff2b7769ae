package esp

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Conn is the part of a serial port the loader uses.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	SetMode(mode *serial.Mode) error
}

// Port is an open serial port. Disconnect may be called more than once.
type Port struct {
	serial.Port
	name string

	mu     sync.Mutex
	closed bool
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}

// Open opens name at baud, 8N1.
func Open(name string, baud int) (*Port, error) {
	p, err := serial.Open(name, serialMode(baud))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open port %s", name)
	}
	glog.V(1).Infof("Opened %s at %d baud", name, baud)
	return &Port{Port: p, name: name}, nil
}

// Name returns the OS name of the port.
func (p *Port) Name() string { return p.name }

// Disconnect closes the port. Closing releases DTR/RTS, which is what lets
// the chip leave download mode after a reset.
func (p *Port) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	glog.V(1).Infof("Closing %s", p.name)
	return errors.Trace(p.Port.Close())
}

// PortInfo describes a serial port found on the system.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUSB"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	SerialNumber string `json:"serialNumber"`
	Product      string `json:"product"`
}

// ListPorts returns the serial ports with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		glog.Warningf("Detailed port enumeration failed, falling back to names: %v", err)
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, errors.Annotate(err, "failed to list serial ports")
		}
		ports := make([]PortInfo, 0, len(names))
		for _, n := range names {
			ports = append(ports, PortInfo{Name: n})
		}
		return ports, nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// FirstUSBPort picks the first USB serial port, for unattended use.
func FirstUSBPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	return "", errors.New("no USB serial port found")
}
