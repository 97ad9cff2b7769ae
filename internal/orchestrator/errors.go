package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Flash without an active session.
	ErrNotConnected = errors.New("device not connected")
	// ErrBusy is returned while a connect or flash is in progress.
	ErrBusy = errors.New("operation in progress")
)

// ConnectError wraps any failure while selecting, opening or handshaking
// with a device.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("connect failed: %v", e.Err)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// FlashWriteError wraps a failure reported by the device flasher while
// writing.
type FlashWriteError struct {
	Err error
}

func (e *FlashWriteError) Error() string {
	return fmt.Sprintf("flash write failed: %v", e.Err)
}

func (e *FlashWriteError) Unwrap() error { return e.Err }
