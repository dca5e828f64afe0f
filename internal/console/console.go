// Package console implements the diagnostic command line: a line-oriented
// verb/subverb grammar layered directly on top of the same ctx/breakpoint/
// flash primitives the GDB server drives, plus an info subtree covering
// breakpoints, the single-wire PHY, and option bytes.
package console

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gadefox/ch32dbg-go/internal/breakpoint"
	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/errs"
	"github.com/gadefox/ch32dbg-go/internal/flash"
)

// ANSI colors for the trailing ok/failed status line.
const (
	colorGreen = "\x1b[32m"
	colorRed   = "\x1b[31m"
	colorReset = "\x1b[0m"
)

const helpText = "" +
	"help\r\n" +
	"boot {lock|unlock|pico}\r\n" +
	"break {halt|continue|set ADDR|clear ADDR}\r\n" +
	"core {reset|halt|continue|step}\r\n" +
	"flash {erase|lock|unlock|patch|unpatch}\r\n" +
	"info {boot|break|core|flash|options|swio|vendor}\r\n" +
	"options {lock|unlock}"

// Dispatcher tokenizes console input lines and runs them against a target
// session, the same way gdbserver.Server runs RSP packets against one. It is
// driven byte-at-a-time from the same outer tick loop, queuing reply text
// and draining it one byte per Tick call.
type Dispatcher struct {
	c   *ctx.Context
	brk *breakpoint.Engine
	fl  *flash.Controller

	line []byte
	out  []byte
	pos  int
}

// NewDispatcher wraps the shared target session handles.
func NewDispatcher(c *ctx.Context, brk *breakpoint.Engine, fl *flash.Controller) *Dispatcher {
	return &Dispatcher{c: c, brk: brk, fl: fl}
}

// Reset discards any partially typed line and queued reply text. The outer
// probe loop calls this on USB disconnect so a dropped connection never
// leaves a stale command fragment for the next session to stumble into.
func (d *Dispatcher) Reset() {
	d.line = d.line[:0]
	d.out = d.out[:0]
	d.pos = 0
}

// Tick feeds one input byte, if haveByte is set, and drains at most one
// already-queued output byte. A line is executed on '\n'; '\r' is ignored so
// both bare-LF and CRLF terminals work.
func (d *Dispatcher) Tick(haveByte bool, in byte) (byte, bool) {
	var out byte
	hasOut := false
	if d.pos < len(d.out) {
		out, hasOut = d.out[d.pos], true
		d.pos++
		if d.pos == len(d.out) {
			d.out = d.out[:0]
			d.pos = 0
		}
	}
	if !haveByte {
		return out, hasOut
	}
	switch in {
	case '\r':
	case '\n':
		d.execute(string(d.line))
		d.line = d.line[:0]
	default:
		d.line = append(d.line, in)
	}
	return out, hasOut
}

func (d *Dispatcher) queue(s string) { d.out = append(d.out, s...) }

// execute runs one command line and queues its reply followed by a colored
// ok/failed status line carrying the elapsed time.
func (d *Dispatcher) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	start := time.Now()
	text, err := d.dispatch(fields)
	elapsedMS := time.Since(start).Milliseconds()

	if text != "" {
		d.queue(text)
		d.queue("\r\n")
	}
	if err != nil {
		d.queue(fmt.Sprintf("%sfailed%s (%dms): %v\r\n", colorRed, colorReset, elapsedMS, err))
		return
	}
	d.queue(fmt.Sprintf("%sok%s (%dms)\r\n", colorGreen, colorReset, elapsedMS))
}

func (d *Dispatcher) dispatch(f []string) (string, error) {
	switch f[0] {
	case "help":
		return helpText, nil
	case "boot":
		return "", d.boot(f[1:])
	case "break":
		return d.breakCmd(f[1:])
	case "core":
		return "", d.core(f[1:])
	case "flash":
		return "", d.flashCmd(f[1:])
	case "info":
		return d.info(f[1:])
	case "options":
		return "", d.options(f[1:])
	default:
		return "", fmt.Errorf("%w: unknown command %q", errs.ErrInvalidRequest, f[0])
	}
}

func (d *Dispatcher) boot(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: boot requires one of lock|unlock|pico", errs.ErrInvalidRequest)
	}
	switch args[0] {
	case "lock":
		return d.fl.LockBoot()
	case "unlock":
		return d.fl.UnlockBoot()
	case "pico":
		// Rebooting the probe's own USB controller into its mass-storage
		// bootloader is host hardware this module never touches.
		return fmt.Errorf("%w: boot pico is not available on this build", errs.ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: unknown boot subcommand %q", errs.ErrInvalidRequest, args[0])
	}
}

func (d *Dispatcher) breakCmd(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: break requires a subcommand", errs.ErrInvalidRequest)
	}
	switch args[0] {
	case "halt":
		return "", d.brk.Halt()
	case "continue":
		resumed, err := d.brk.Resume()
		if err != nil {
			return "", err
		}
		if !resumed {
			return "stopped at breakpoint", nil
		}
		return "", nil
	case "set":
		addr, err := d.addrArg(args[1:])
		if err != nil {
			return "", err
		}
		_, err = d.brk.Set(addr, 4)
		return "", err
	case "clear":
		addr, err := d.addrArg(args[1:])
		if err != nil {
			return "", err
		}
		_, err = d.brk.Clear(addr, 4)
		return "", err
	default:
		return "", fmt.Errorf("%w: unknown break subcommand %q", errs.ErrInvalidRequest, args[0])
	}
}

func (d *Dispatcher) addrArg(args []string) (uint32, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected one address argument", errs.ErrInvalidRequest)
	}
	return parseNumber(args[0])
}

func (d *Dispatcher) core(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: core requires one of reset|halt|continue|step", errs.ErrInvalidRequest)
	}
	switch args[0] {
	case "reset":
		return d.c.Reset()
	case "halt":
		return d.c.Halt()
	case "continue":
		return d.c.Resume()
	case "step":
		return d.c.Step()
	default:
		return fmt.Errorf("%w: unknown core subcommand %q", errs.ErrInvalidRequest, args[0])
	}
}

func (d *Dispatcher) flashCmd(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: flash requires one of erase|lock|unlock|patch|unpatch", errs.ErrInvalidRequest)
	}
	switch args[0] {
	case "erase":
		return d.fl.EraseChip()
	case "lock":
		return d.fl.Lock()
	case "unlock":
		if err := d.fl.Unlock(); err != nil {
			return err
		}
		return d.fl.UnlockFast()
	case "patch":
		return d.brk.PatchFlash()
	case "unpatch":
		return d.brk.UnpatchFlash()
	default:
		return fmt.Errorf("%w: unknown flash subcommand %q", errs.ErrInvalidRequest, args[0])
	}
}

func (d *Dispatcher) options(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: options requires lock|unlock", errs.ErrInvalidRequest)
	}
	switch args[0] {
	case "lock":
		return d.fl.LockOptionBytes()
	case "unlock":
		return d.fl.UnlockOptionBytes()
	default:
		return fmt.Errorf("%w: unknown options subcommand %q", errs.ErrInvalidRequest, args[0])
	}
}

// ---------------------------------------------------------------------------
// info subtree

func (d *Dispatcher) info(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: info requires one of boot|break|core|flash|options|swio|vendor", errs.ErrInvalidRequest)
	}
	switch args[0] {
	case "boot":
		locked, err := d.fl.BootLocked()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("boot lock: %s", lockWord(locked)), nil
	case "break":
		return d.infoBreak(), nil
	case "core":
		return d.infoCore()
	case "flash":
		return d.infoFlash()
	case "options":
		locked, err := d.fl.OptionBytesLocked()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("option bytes lock: %s", lockWord(locked)), nil
	case "swio":
		return d.infoSwio()
	case "vendor":
		return d.infoVendor()
	default:
		return "", fmt.Errorf("%w: unknown info subcommand %q", errs.ErrInvalidRequest, args[0])
	}
}

func (d *Dispatcher) infoBreak() string {
	addrs := d.brk.Breakpoints()
	if len(addrs) == 0 {
		return "breakpoints: none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "breakpoints: %d/%d", len(addrs), breakpoint.MaxBreakpoints)
	for i, a := range addrs {
		fmt.Fprintf(&b, "\r\n  [%d] %#08x", i, a)
	}
	return b.String()
}

func (d *Dispatcher) infoCore() (string, error) {
	dpc, err := d.c.GetDPC()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "halted: %v\r\ndpc: %#08x", d.brk.IsHalted(), dpc)
	for g := 0; g <= ctx.GPRMax; g++ {
		v, err := d.c.GetGPR(g)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\r\n  x%-2d %#08x", g, v)
	}
	return b.String(), nil
}

func (d *Dispatcher) infoFlash() (string, error) {
	locked, err := d.fl.Locked()
	if err != nil {
		return "", err
	}
	fastLocked, err := d.fl.FastLocked()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("flash lock: %s\r\nfast lock: %s", lockWord(locked), lockWord(fastLocked)), nil
}

func (d *Dispatcher) infoSwio() (string, error) {
	tr := d.c.Transport()
	cpbrRaw, err := tr.Get(dm.RegCPBR)
	if err != nil {
		return "", err
	}
	hiRaw, err := tr.Get(dm.RegHartInfo)
	if err != nil {
		return "", err
	}
	statusRaw, err := tr.Get(dm.RegStatus)
	if err != nil {
		return "", err
	}
	cpbr := dm.DecodeCPBR(cpbrRaw)
	hi := dm.DecodeHartInfo(hiRaw)
	status := dm.DecodeStatus(statusRaw)
	return fmt.Sprintf(
		"cpbr: version=%d outsta=%v tdiv=%d\r\n"+
			"hartinfo: nscratch=%d dataaccess=%v datasize=%d dataaddr=%#x\r\n"+
			"status: allhalted=%v anyhalted=%v allrunning=%v",
		cpbr.Version, cpbr.OutSta, cpbr.TDiv,
		hi.NScratch, hi.DataAccess, hi.DataSize, hi.DataAddr,
		status.AllHalted, status.AnyHalted, status.AllRunning), nil
}

func (d *Dispatcher) infoVendor() (string, error) {
	chipID, err := d.c.ChipID()
	if err != nil {
		return "", err
	}
	words, err := d.c.Vendor()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "chip id: %#08x\r\nvendor:", chipID)
	for i, w := range words {
		if i%4 == 0 {
			b.WriteString("\r\n  ")
		}
		fmt.Fprintf(&b, "%08x ", w)
	}
	return b.String(), nil
}

func lockWord(locked bool) string {
	if locked {
		return "locked"
	}
	return "unlocked"
}

// ---------------------------------------------------------------------------
// number parsing: optional 0x/0b prefix; a leading 0 followed
// only by octal digits parses as octal; a leading 0 followed by any 8 or 9
// falls back to decimal; everything else is decimal.
func parseNumber(s string) (uint32, error) {
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		return parseUint(s[2:], 16, s)
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		return parseUint(s[2:], 2, s)
	case len(s) > 1 && s[0] == '0' && !strings.ContainsAny(s[1:], "89"):
		return parseUint(s[1:], 8, s)
	default:
		return parseUint(s, 10, s)
	}
}

func parseUint(digits string, base int, orig string) (uint32, error) {
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid number", errs.ErrInvalidRequest, orig)
	}
	return uint32(v), nil
}
