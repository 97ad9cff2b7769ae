// Package orchestrator owns the single device session and sequences
// connect, resolve, write, reset and disconnect.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"espflash/internal/config"
	"espflash/internal/firmware"
	"espflash/internal/manifest"
)

// State of the orchestrator.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Flashing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Flashing:
		return "flashing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Console receives operator-facing log lines.
type Console interface {
	Log(line string)
}

// ConsoleFunc adapts a function to Console.
type ConsoleFunc func(line string)

func (f ConsoleFunc) Log(line string) { f(line) }

// DefaultResetHold is how long DTR is asserted when the flasher cannot
// reset the device itself.
const DefaultResetHold = 100 * time.Millisecond

// Options configure an Orchestrator.
type Options struct {
	Driver   Driver
	Resolver manifest.Resolver
	Console  Console
	// Flash is handed to the device flasher unchanged.
	Flash     firmware.Options
	BaudRates config.BaudRates
	ResetHold time.Duration
	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(State)
}

// Controls is what the UI should show for the current state.
type Controls struct {
	State          string `json:"state"`
	ConnectLabel   string `json:"connectLabel"`
	ConnectEnabled bool   `json:"connectEnabled"`
	FlashEnabled   bool   `json:"flashEnabled"`
	Chip           string `json:"chip,omitempty"`
}

// Orchestrator drives at most one DeviceSession at a time.
type Orchestrator struct {
	opts  Options
	sleep func(time.Duration)

	mu      sync.Mutex
	state   State
	session *DeviceSession
}

// New returns an Orchestrator in the Idle state.
func New(opts Options) *Orchestrator {
	if opts.Console == nil {
		opts.Console = ConsoleFunc(func(string) {})
	}
	if opts.ResetHold <= 0 {
		opts.ResetHold = DefaultResetHold
	}
	return &Orchestrator{opts: opts, sleep: time.Sleep}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session reports the active session, if any.
func (o *Orchestrator) Session() (SessionInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return SessionInfo{}, false
	}
	return o.session.info(), true
}

// Controls derives the UI affordances from the current state.
func (o *Orchestrator) Controls() Controls {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := Controls{State: o.state.String()}
	if o.session != nil {
		c.Chip = o.session.Chip
	}
	switch o.state {
	case Idle:
		c.ConnectLabel, c.ConnectEnabled = "Connect", true
	case Connecting:
		c.ConnectLabel = "Connecting..."
	case Connected:
		c.ConnectLabel, c.ConnectEnabled, c.FlashEnabled = "Disconnect", true, true
	case Flashing:
		c.ConnectLabel = "Disconnect"
	}
	return c
}

func (o *Orchestrator) log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	glog.Info(line)
	o.opts.Console.Log(line)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.notify(s)
}

func (o *Orchestrator) notify(s State) {
	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(s)
	}
}

// Connect opens the port chosen by sel and performs the bootloader
// handshake for the target chip. An existing session is torn down first.
func (o *Orchestrator) Connect(ctx context.Context, sel PortSelector, chip string) (SessionInfo, error) {
	o.mu.Lock()
	if o.state == Connecting || o.state == Flashing {
		o.mu.Unlock()
		return SessionInfo{}, ErrBusy
	}
	prev := o.session
	o.session = nil
	o.state = Connecting
	o.mu.Unlock()

	if prev != nil {
		if err := prev.close(); err != nil {
			glog.Warningf("Closing previous session %s: %v", prev.ID, err)
		}
		o.log("Disconnected from %s", prev.Port)
	}
	o.notify(Connecting)

	s, err := o.open(ctx, sel, chip)
	if err != nil {
		o.setState(Idle)
		o.log("Error: %v", err)
		return SessionInfo{}, err
	}

	o.mu.Lock()
	o.session = s
	o.state = Connected
	o.mu.Unlock()
	o.notify(Connected)

	o.log("Connected to %s on %s at %d baud", s.Chip, s.Port, s.BaudRate)
	return s.info(), nil
}

func (o *Orchestrator) open(ctx context.Context, sel PortSelector, chip string) (*DeviceSession, error) {
	port, err := sel.SelectPort(ctx)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	o.log("Connecting to %s...", port)

	t, err := o.opts.Driver.Open(ctx, port)
	if err != nil {
		return nil, &ConnectError{Port: port, Err: err}
	}
	baud := o.opts.BaudRates.For(chip)
	f, err := o.opts.Driver.NewFlasher(t, baud)
	if err == nil {
		err = f.Connect(ctx)
	}
	if err != nil {
		if derr := t.Disconnect(); derr != nil {
			glog.Warningf("Releasing %s after failed connect: %v", port, derr)
		}
		return nil, &ConnectError{Port: port, Err: err}
	}
	return &DeviceSession{
		ID:        uuid.New(),
		Port:      port,
		Target:    chip,
		Chip:      f.ChipName(),
		BaudRate:  baud,
		OpenedAt:  time.Now(),
		transport: t,
		flasher:   f,
	}, nil
}

// Disconnect releases the active session. Calling it without a session is
// a no-op.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if o.state == Flashing {
		o.mu.Unlock()
		return ErrBusy
	}
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return nil
	}
	o.session = nil
	o.state = Idle
	o.mu.Unlock()

	err := s.close()
	o.notify(Idle)
	if err != nil {
		o.log("Error disconnecting %s: %v", s.Port, err)
		return err
	}
	o.log("Disconnected from %s", s.Port)
	return nil
}

// Flash resolves the manifest for chip, writes it to the connected device,
// resets the device and disconnects. The returned Run always ends with the
// orchestrator Idle and the session's transport released.
func (o *Orchestrator) Flash(ctx context.Context, chip string) *Run {
	run := newRun()

	o.mu.Lock()
	s := o.session
	if o.state != Connected || s == nil {
		o.mu.Unlock()
		o.log("Error: %v", ErrNotConnected)
		run.finish(ErrNotConnected)
		return run
	}
	o.state = Flashing
	o.mu.Unlock()
	o.notify(Flashing)

	go func() {
		err := o.flash(ctx, s, chip, run)
		if err != nil {
			o.log("Flashing failed: %v", err)
		}
		o.release(s)
		if err == nil {
			o.log("Device reset and disconnected. Reconnect for the next operation.")
		}
		run.finish(err)
	}()
	return run
}

func (o *Orchestrator) flash(ctx context.Context, s *DeviceSession, chip string, run *Run) error {
	o.log("Fetching firmware for %s...", chip)
	m, err := o.opts.Resolver.Resolve(ctx, chip)
	if err != nil {
		return err
	}
	m.Sort()
	for _, img := range m {
		o.log("  0x%05x  %-24s %d bytes", img.Address, img.Name, len(img.Data))
	}

	o.log("Writing %d files (%d bytes)...", len(m), m.TotalSize())
	throttle := newProgressThrottle(len(m), run.emit)
	// A started write is not interruptible.
	wctx := context.WithoutCancel(ctx)
	err = s.flasher.WriteFlash(wctx, firmware.WriteRequest{
		Images:     m,
		Options:    o.opts.Flash,
		OnProgress: throttle.report,
	})
	if err != nil {
		return &FlashWriteError{Err: err}
	}
	o.log("Write complete, resetting device...")

	if err := o.reset(wctx, s); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	return nil
}

// reset reboots the device into the new application.
func (o *Orchestrator) reset(ctx context.Context, s *DeviceSession) error {
	if r, ok := s.flasher.(Resetter); ok {
		return r.HardReset(ctx)
	}
	if err := s.transport.SetDTR(true); err != nil {
		return err
	}
	o.sleep(o.opts.ResetHold)
	return s.transport.SetDTR(false)
}

// release disconnects s and returns the orchestrator to Idle.
func (o *Orchestrator) release(s *DeviceSession) {
	if err := s.close(); err != nil {
		glog.Warningf("Disconnecting %s: %v", s.Port, err)
	}
	o.mu.Lock()
	if o.session == s {
		o.session = nil
	}
	o.state = Idle
	o.mu.Unlock()
	o.notify(Idle)
}
