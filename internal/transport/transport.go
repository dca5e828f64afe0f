// Package transport holds the probe-side interfaces for the two external
// transports treated as pre-built collaborators: the
// USB-CDC host byte pipe and the single-wire PHY word exchange with the
// target's Debug Module. Concrete hardware backends are not part of this
// module; Probe is driven against these interfaces in both production and
// test so the core FSMs never depend on real silicon.
package transport

import "context"

// USB is the byte pipe the probe presents to the host as a USB-CDC serial
// device. One byte in, one byte out, per tick.
type USB interface {
	// ReadByte returns the next received byte, if any arrived since the
	// last call. ok is false when no byte is pending.
	ReadByte() (b byte, ok bool, err error)

	// WriteByte transmits a single byte to the host.
	WriteByte(b byte) error

	// Connected reports whether the host currently has the CDC port open.
	Connected() bool
}

// SWIO is the single-wire PHY transport to the target's Debug Module: a
// full-duplex word-level exchange. Bit-banging and
// cycle-accurate pulse timing live entirely on the hardware side of this
// interface and are out of scope here.
type SWIO interface {
	// Get performs a blocking single-wire read transaction for register reg.
	Get(reg uint8) (uint32, error)

	// Put performs a blocking single-wire write transaction for register reg.
	Put(reg uint8, value uint32) error

	// Pulse drives the single-wire line low for the chip's required reset
	// pulse width, then releases it. Interrupts are expected to be disabled
	// by the implementation for the duration of the pulse.
	Pulse(ctx context.Context) error
}

// LED is the host-visible status indicator.
type LED interface {
	SetColor(name string)
	// Blink flashes the LED n times; fast selects a quicker cadence, used
	// for reset-button success/failure feedback.
	Blink(ctx context.Context, n int, fast bool) error
}

// Button is the host reset button.
type Button interface {
	// Pressed reports whether the button was pressed since the last poll.
	Pressed() bool
}
