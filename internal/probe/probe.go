// Package probe implements the single cooperative outer loop:
// one input byte from the USB host per tick, routed into exactly one of
// {XMODEM, console + GDB}, and at most one output byte back.
package probe

import (
	"context"

	"github.com/gadefox/ch32dbg-go/internal/breakpoint"
	"github.com/gadefox/ch32dbg-go/internal/console"
	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/flash"
	"github.com/gadefox/ch32dbg-go/internal/gdbserver"
	"github.com/gadefox/ch32dbg-go/internal/transport"
	"github.com/gadefox/ch32dbg-go/internal/xmodem"
)

// syn is the ASCII SYN byte that, received from an idle host, switches the
// outer loop into XMODEM-1K receive mode.
const syn = 0x16

// Reset-button LED feedback cadences.
const (
	resetSuccessBlinks = 3
	resetFailureBlinks = 8
)

type mode int

const (
	modeNormal mode = iota
	modeXModem
)

// Probe owns every target-facing subsystem and the one loop that drives
// them. It never blocks: Tick does exactly one unit of work per call so the
// caller's scheduler (a real event loop, or a test harness) stays in
// control of pacing.
type Probe struct {
	usb    transport.USB
	led    transport.LED
	button transport.Button

	tr  *dm.Transport
	c   *ctx.Context
	brk *breakpoint.Engine
	fl  *flash.Controller

	gdb     *gdbserver.Server
	console *console.Dispatcher
	xm      *xmodem.Receiver

	mode         mode
	wasConnected bool
}

// New wires a Probe against the raw single-wire PHY and the host-facing USB
// byte pipe, LED, and reset button. button and led may be nil.
func New(phy transport.SWIO, usb transport.USB, led transport.LED, button transport.Button) *Probe {
	tr := dm.NewTransport(phy)
	c := ctx.NewContext(tr)
	fl := flash.NewController(c)
	brk := breakpoint.NewEngine(c, fl)
	return &Probe{
		usb:     usb,
		led:     led,
		button:  button,
		tr:      tr,
		c:       c,
		brk:     brk,
		fl:      fl,
		gdb:     gdbserver.NewServer(c, brk, fl),
		console: console.NewDispatcher(c, brk, fl),
		xm:      xmodem.NewReceiver(fl, led),
	}
}

// Reset performs the one-time Debug Module bring-up sequence: single-wire pulse, CFGR/SHDWCFGR negotiation, CPBR/HARTINFO
// verification. It must succeed before the first Tick.
func (p *Probe) Reset(ctx context.Context) error {
	return p.tr.Reset(ctx)
}

// Ready reports whether Reset has completed successfully.
func (p *Probe) Ready() bool { return p.tr.Ready() }

// Tick drives one iteration of the outer loop: poll the USB byte pipe, feed
// at most one input byte into whichever FSM owns the wire this tick, and
// emit at most one output byte.
func (p *Probe) Tick(ctx context.Context) error {
	connected := p.usb.Connected()
	if !connected && p.wasConnected {
		p.console.Reset()
	}
	p.wasConnected = connected

	if p.button != nil && p.button.Pressed() {
		p.handleResetButton(ctx)
	}

	in, haveByte, err := p.usb.ReadByte()
	if err != nil {
		return err
	}

	// A SYN from an idle host arms XMODEM; the SYN byte itself only flips
	// the mode and is not also delivered to the receive FSM.
	if connected && p.mode == modeNormal && haveByte && in == syn && p.gdb.Idle() {
		p.xm.Start()
		p.mode = modeXModem
		haveByte = false
	}

	var out byte
	var hasOut bool

	switch p.mode {
	case modeXModem:
		out, hasOut = p.xm.Tick(connected, haveByte, in)
		if !p.xm.Active() {
			p.mode = modeNormal
		}

	default:
		// Both FSMs are live on the same byte stream, but a
		// byte only ever reaches the console parser while GDB has not
		// started receiving a packet: once a '$' arrives every following
		// byte belongs to GDB alone, so console never mistakes RSP framing
		// or an escaped binary payload for a typed command line.
		out, hasOut = p.gdb.Tick(connected, haveByte, in)
		if !hasOut && p.gdb.Idle() {
			out, hasOut = p.console.Tick(haveByte, in)
		}
	}

	if !hasOut {
		return nil
	}
	return p.usb.WriteByte(out)
}

// handleResetButton drives the same reset sequence "core reset" uses and
// signals the outcome on the LED: a slow triple blink on success, a fast
// octuple blink on failure.
func (p *Probe) handleResetButton(ctx context.Context) {
	err := p.c.Reset()
	if p.led == nil {
		return
	}
	if err != nil {
		p.led.Blink(ctx, resetFailureBlinks, true)
		return
	}
	p.led.Blink(ctx, resetSuccessBlinks, false)
}
