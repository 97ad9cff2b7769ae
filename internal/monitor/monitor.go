// Package monitor streams device output from a serial port as lines.
package monitor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

// maxPartialLine is how much output without a newline is buffered before it
// is delivered anyway.
const maxPartialLine = 1000

const readTimeout = 50 * time.Millisecond

// Port is the part of a serial port the monitor reads from.
type Port interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// OpenFunc opens a port for monitoring.
type OpenFunc func(name string, baud int) (Port, error)

func openSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
}

// Monitor reads one port at a time.
type Monitor struct {
	// OnLine receives every non-empty line, without line endings.
	OnLine func(string)
	// OnError receives a read failure that ended the monitor.
	OnError func(error)
	// Open defaults to opening a real serial port.
	Open OpenFunc

	mu   sync.Mutex
	name string
	port Port
	stop chan struct{}
	done chan struct{}
}

// ErrRunning is returned by Start while a monitor is active.
var ErrRunning = errors.New("monitor already running")

// Start opens name at baud and begins delivering lines.
func (m *Monitor) Start(name string, baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port != nil {
		return ErrRunning
	}

	open := m.Open
	if open == nil {
		open = openSerial
	}
	p, err := open(name, baud)
	if err != nil {
		return fmt.Errorf("failed to open port for monitoring: %w", err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	m.name = name
	m.port = p
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	glog.Infof("Monitoring %s at %d baud", name, baud)
	go m.loop(p, m.stop, m.done)
	return nil
}

// Running reports whether a port is being monitored.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port != nil
}

// Stop closes the port and waits for the reader to exit. It is safe to call
// when nothing is running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	p, stop, done := m.port, m.stop, m.done
	m.port, m.stop, m.done = nil, nil, nil
	m.mu.Unlock()
	if p == nil {
		return
	}

	close(stop)
	if err := p.Close(); err != nil {
		glog.Warningf("Closing monitor port %s: %v", m.name, err)
	}
	<-done
	glog.Infof("Stopped monitoring %s", m.name)
}

func (m *Monitor) loop(p Port, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	lines := &lineSplitter{emit: m.emit}
	buf := make([]byte, 1024)
	for {
		select {
		case <-stop:
			lines.flush()
			return
		default:
		}

		n, err := p.Read(buf)
		if n > 0 {
			lines.write(buf[:n])
		}
		if err != nil {
			select {
			case <-stop:
				// Read failed because Stop closed the port.
			default:
				glog.Warningf("Monitor read failed: %v", err)
				m.detach(p)
				if m.OnError != nil {
					m.OnError(err)
				}
			}
			lines.flush()
			return
		}
	}
}

// detach forgets p after the reader gave up on it.
func (m *Monitor) detach(p Port) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == p {
		m.port, m.stop, m.done = nil, nil, nil
		p.Close()
	}
}

func (m *Monitor) emit(line string) {
	if m.OnLine != nil {
		m.OnLine(line)
	}
}

// lineSplitter turns a byte stream into trimmed lines.
type lineSplitter struct {
	buf  strings.Builder
	emit func(string)
}

func (s *lineSplitter) write(p []byte) {
	for _, b := range p {
		if b == '\n' {
			s.flush()
			continue
		}
		s.buf.WriteByte(b)
		if s.buf.Len() >= maxPartialLine {
			s.flush()
		}
	}
}

func (s *lineSplitter) flush() {
	line := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if line != "" {
		s.emit(line)
	}
}
