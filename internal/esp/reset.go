package esp

import (
	"time"

	"github.com/juju/errors"
)

// Auto-reset circuits on dev boards wire DTR to GPIO0 and RTS to EN, both
// active low.
const (
	resetHoldTime = 100 * time.Millisecond
	bootHoldTime  = 50 * time.Millisecond
)

type controlLines interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

type lineStep struct {
	dtr, rts *bool
	wait     time.Duration
}

var (
	on  = func() *bool { b := true; return &b }()
	off = func() *bool { b := false; return &b }()
)

func runSteps(c controlLines, sleep func(time.Duration), steps []lineStep) error {
	for _, s := range steps {
		if s.dtr != nil {
			if err := c.SetDTR(*s.dtr); err != nil {
				return errors.Annotate(err, "set DTR")
			}
		}
		if s.rts != nil {
			if err := c.SetRTS(*s.rts); err != nil {
				return errors.Annotate(err, "set RTS")
			}
		}
		if s.wait > 0 {
			sleep(s.wait)
		}
	}
	return nil
}

// resetStrategy drives the control lines to put the chip into its ROM
// download mode.
type resetStrategy struct {
	name  string
	steps []lineStep
}

// bootloaderResets are tried in order until SYNC answers.
var bootloaderResets = []resetStrategy{
	{
		// GPIO0 low, pulse EN.
		name: "classic",
		steps: []lineStep{
			{dtr: on, rts: off, wait: 10 * time.Millisecond},
			{rts: on, wait: resetHoldTime},
			{rts: off, wait: bootHoldTime},
			{dtr: off, wait: 200 * time.Millisecond},
		},
	},
	{
		// Same sequence for adapters with inverted lines.
		name: "inverted",
		steps: []lineStep{
			{dtr: off, rts: on, wait: 10 * time.Millisecond},
			{rts: off, wait: resetHoldTime},
			{rts: on, wait: bootHoldTime},
			{dtr: on, wait: 200 * time.Millisecond},
		},
	},
	{
		// Slower timing for boards with large EN capacitors.
		name: "slow",
		steps: []lineStep{
			{dtr: off, rts: off, wait: 100 * time.Millisecond},
			{dtr: on, wait: 100 * time.Millisecond},
			{rts: on, wait: 100 * time.Millisecond},
			{rts: off, wait: 250 * time.Millisecond},
			{dtr: off, wait: 250 * time.Millisecond},
		},
	},
}

// hardResetSteps releases GPIO0 and pulses EN so the chip boots the
// application.
var hardResetSteps = []lineStep{
	{dtr: off, rts: on, wait: resetHoldTime},
	{rts: off},
}
