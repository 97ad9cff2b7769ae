package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"espflash/internal/config"
	"espflash/internal/esp"
	"espflash/internal/manifest"
	"espflash/internal/monitor"
	"espflash/internal/orchestrator"
)

// App is bound to the frontend.
type App struct {
	ctx     context.Context
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	monitor *monitor.Monitor
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config, resolver manifest.Resolver) *App {
	a := &App{cfg: cfg}
	a.orch = orchestrator.New(orchestrator.Options{
		Driver:        esp.Driver{ROMBaud: cfg.BaudRates.ROM, Log: a.emitLog},
		Resolver:      resolver,
		Console:       orchestrator.ConsoleFunc(a.emitLog),
		Flash:         cfg.Flash,
		BaudRates:     cfg.BaudRates,
		OnStateChange: func(orchestrator.State) { a.emitState() },
	})
	a.monitor = &monitor.Monitor{
		OnLine: func(line string) { a.emit("monitor-data", line) },
		OnError: func(err error) {
			a.emit("monitor-error", err.Error())
			a.emit("monitor-stop", "")
		},
	}
	return a
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

// shutdown releases the serial port when the window closes.
func (a *App) shutdown(context.Context) {
	a.monitor.Stop()
	if err := a.orch.Disconnect(); err != nil {
		glog.Warningf("Disconnect on shutdown: %v", err)
	}
	glog.Flush()
}

// ListPorts returns the serial ports on this machine.
func (a *App) ListPorts() ([]esp.PortInfo, error) {
	return esp.ListPorts()
}

// Chips returns the selectable target chips, default first.
func (a *App) Chips() []string {
	chips := []string{a.cfg.DefaultChip}
	for _, c := range a.cfg.Chips {
		if c != a.cfg.DefaultChip {
			chips = append(chips, c)
		}
	}
	return chips
}

// Controls returns the current button states.
func (a *App) Controls() orchestrator.Controls {
	return a.orch.Controls()
}

// Connect opens port and syncs with the chip's bootloader. A running
// monitor is stopped first since it holds the port.
func (a *App) Connect(port, chip string) (orchestrator.SessionInfo, error) {
	if a.monitor.Running() {
		a.StopMonitor()
	}
	return a.orch.Connect(a.ctx, orchestrator.StaticPort(port), chip)
}

// Disconnect releases the device.
func (a *App) Disconnect() error {
	return a.orch.Disconnect()
}

// Flash writes the firmware for chip to the connected device. It returns
// once the device has been reset and released.
func (a *App) Flash(chip string) error {
	run := a.orch.Flash(a.ctx, chip)
	for p := range run.Events() {
		a.emitProgress(p)
	}
	if err := run.Wait(); err != nil {
		a.emit("flash-progress", map[string]any{
			"progress": 0,
			"message":  "Flashing failed",
		})
		return err
	}
	a.emit("flash-progress", map[string]any{
		"progress": 100,
		"message":  "Flashing complete",
	})
	return nil
}

// MonitorPort shows the device output of portName.
func (a *App) MonitorPort(portName string, baudRate int) error {
	if _, ok := a.orch.Session(); ok {
		return errors.New("disconnect the device before starting the monitor")
	}
	if baudRate <= 0 {
		baudRate = a.cfg.MonitorBaud
	}
	if a.monitor.Running() {
		a.monitor.Stop()
	}
	if err := a.monitor.Start(portName, baudRate); err != nil {
		return err
	}
	a.emitLog(fmt.Sprintf("Monitoring %s at %d baud", portName, baudRate))
	return nil
}

// StopMonitor stops the serial monitor.
func (a *App) StopMonitor() {
	a.monitor.Stop()
	a.emit("monitor-stop", "")
	a.emitLog("Monitor stopped")
}

func (a *App) emit(name string, data any) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, name, data)
}

// emitLog sends an operator message to the log pane.
func (a *App) emitLog(message string) {
	a.emit("flash-log", message)
}

// emitProgress sends flash progress to the frontend.
func (a *App) emitProgress(p orchestrator.Progress) {
	a.emit("flash-progress", map[string]any{
		"progress": p.Percent,
		"file":     p.FileIndex + 1,
		"files":    p.Files,
		"message":  fmt.Sprintf("Writing file %d/%d: %d%%", p.FileIndex+1, p.Files, p.Percent),
	})
}

func (a *App) emitState() {
	a.emit("ui-state", a.orch.Controls())
}
