package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/xmodem"
)

// The fake DM simulator below is the same canonical shape used by every
// other package's tests in this tree (internal/ctx, internal/flash,
// internal/breakpoint, internal/gdbserver, internal/console): it recognizes
// the two resident programs by literal value and backs register/CSR/GPR
// transfers with plain Go state.
var singleWordProg = [8]uint32{
	0x7b102573, 0x0015f593, 0x00058e63, 0x7b402573,
	0x00052023, 0x00100073, 0x00000013, 0x00000013,
}

var blockProg = [8]uint32{
	0x7b402583, 0x0005a503, 0x7b451073, 0x00458593,
	0x7b359073, 0x00100073, 0x00000013, 0x00000013,
}

type fakeDM struct {
	regs map[uint8]uint32
	mem  map[uint32]uint32
	prog [8]uint32
	gprs [16]uint32
	dpc  uint32

	armed       bool
	blockActive bool
	blockWrite  bool
}

func newFakeDM() *fakeDM {
	return &fakeDM{
		regs: map[uint8]uint32{
			uint8(dm.RegCPBR):     dm.EncodeCPBR(dm.WantCPBR),
			uint8(dm.RegHartInfo): dm.EncodeHartInfo(dm.WantHartInfo),
			uint8(dm.RegStatus):   1 << 9, // ALLHALTED
		},
		mem: make(map[uint32]uint32),
	}
}

func (f *fakeDM) Get(reg uint8) (uint32, error) {
	if reg >= uint8(dm.RegProgBuf0) && reg < uint8(dm.RegProgBuf0)+dm.NumProgBuf {
		return f.prog[reg-uint8(dm.RegProgBuf0)], nil
	}
	if reg == uint8(dm.RegAbstractCS) {
		return 0, nil
	}
	if reg == uint8(dm.RegData0) && f.autoExecArmed() {
		f.run()
	}
	return f.regs[reg], nil
}

func (f *fakeDM) Put(reg uint8, value uint32) error {
	if reg >= uint8(dm.RegProgBuf0) && reg < uint8(dm.RegProgBuf0)+dm.NumProgBuf {
		f.prog[reg-uint8(dm.RegProgBuf0)] = value
		return nil
	}
	switch reg {
	case uint8(dm.RegCommand):
		postExec := (value>>18)&1 != 0
		transfer := (value>>17)&1 != 0
		write := (value>>16)&1 != 0
		regNo := uint16(value)
		switch {
		case transfer && regNo == dm.CSRDPC:
			if write {
				f.dpc = f.regs[uint8(dm.RegData0)]
			} else {
				f.regs[uint8(dm.RegData0)] = f.dpc
			}
		case transfer && regNo >= 0x1000 && regNo < 0x1010:
			g := int(regNo - 0x1000)
			if write {
				f.gprs[g] = f.regs[uint8(dm.RegData0)]
			} else {
				f.regs[uint8(dm.RegData0)] = f.gprs[g]
			}
		case postExec:
			f.run()
		}
		return nil
	case uint8(dm.RegAbstractAuto):
		f.armed = value == dm.AutoExecData0
		return nil
	case uint8(dm.RegData1):
		f.blockActive = false
		f.regs[reg] = value
		return nil
	case uint8(dm.RegControl):
		// STATUS follows the requests: reset reports ALLHAVERESET until
		// acknowledged, halt sets ALLHALTED, resume clears it.
		f.regs[reg] = value
		ctl := dm.DecodeControl(value)
		status := f.regs[uint8(dm.RegStatus)]
		switch {
		case ctl.NDMReset:
			status |= 1<<19 | 1<<9
		case ctl.AckHaveReset:
			status &^= 1 << 19
		case ctl.HaltReq:
			status |= 1 << 9
		case ctl.ResumeReq:
			status &^= 1 << 9
		}
		f.regs[uint8(dm.RegStatus)] = status
		return nil
	default:
		f.regs[reg] = value
		if reg == uint8(dm.RegData0) && f.autoExecArmed() {
			f.run()
		}
		return nil
	}
}

func (f *fakeDM) Pulse(context.Context) error { return nil }

func (f *fakeDM) autoExecArmed() bool { return f.armed && f.prog == blockProg }

func (f *fakeDM) run() {
	switch f.prog {
	case singleWordProg:
		addr := f.regs[uint8(dm.RegData1)]
		if addr&1 == 0 {
			f.regs[uint8(dm.RegData0)] = f.mem[addr]
		} else {
			f.mem[addr&^1] = f.regs[uint8(dm.RegData0)]
		}
	case blockProg:
		addr := f.regs[uint8(dm.RegData1)]
		write := f.blockWrite
		if !f.blockActive {
			write = addr&1 != 0
			f.blockActive = true
			f.blockWrite = write
		}
		base := addr &^ 1
		if write {
			f.mem[base] = f.regs[uint8(dm.RegData0)]
		} else {
			f.regs[uint8(dm.RegData0)] = f.mem[base]
		}
		f.regs[uint8(dm.RegData1)] = base + 4
	}
}

// fakeUSB is an in-memory stand-in for transport.USB: a byte queue to read
// from and a byte slice collecting everything written.
type fakeUSB struct {
	in    []byte
	inPos int
	out   []byte

	connected bool
}

func (u *fakeUSB) ReadByte() (byte, bool, error) {
	if u.inPos >= len(u.in) {
		return 0, false, nil
	}
	b := u.in[u.inPos]
	u.inPos++
	return b, true, nil
}

func (u *fakeUSB) WriteByte(b byte) error {
	u.out = append(u.out, b)
	return nil
}

func (u *fakeUSB) Connected() bool { return u.connected }

type fakeLED struct {
	colors []string
	blinks [][2]int // {n, fast as 0/1}
}

func (l *fakeLED) SetColor(name string) { l.colors = append(l.colors, name) }

func (l *fakeLED) Blink(_ context.Context, n int, fast bool) error {
	f := 0
	if fast {
		f = 1
	}
	l.blinks = append(l.blinks, [2]int{n, f})
	return nil
}

type fakeButton struct{ pressed bool }

func (b *fakeButton) Pressed() bool {
	p := b.pressed
	b.pressed = false
	return p
}

func newTestProbe(t *testing.T) (*Probe, *fakeUSB, *fakeDM, *fakeLED) {
	t.Helper()
	fd := newFakeDM()
	fd.mem[dm.FlashSTATR] = 0
	fd.mem[dm.FlashCTLR] = 0
	usb := &fakeUSB{connected: true}
	led := &fakeLED{}
	p := New(fd, usb, led, nil)
	if err := p.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return p, usb, fd, led
}

// feedByte delivers exactly one input byte to the probe for one Tick call
// and reports the byte it wrote back, if any.
func feedByte(t *testing.T, p *Probe, usb *fakeUSB, b byte) (byte, bool) {
	t.Helper()
	usb.in = []byte{b}
	usb.inPos = 0
	before := len(usb.out)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(usb.out) > before {
		return usb.out[len(usb.out)-1], true
	}
	return 0, false
}

// drainByte ticks the probe with no input available, for states that keep
// producing output (or settling) without needing a new host byte.
func drainByte(t *testing.T, p *Probe, usb *fakeUSB) (byte, bool) {
	t.Helper()
	usb.in = nil
	usb.inPos = 0
	before := len(usb.out)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(usb.out) > before {
		return usb.out[len(usb.out)-1], true
	}
	return 0, false
}

// frame wraps body in GDB RSP's $...#checksum envelope.
func frame(body string) []byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum += body[i]
	}
	return []byte(fmt.Sprintf("$%s#%02x", body, sum))
}

// gdbRoundTrip drives one full GDB request/response exchange through the
// probe's outer loop and returns the reply packet's body.
func gdbRoundTrip(t *testing.T, p *Probe, usb *fakeUSB, body string) string {
	t.Helper()
	req := frame(body)
	for i, b := range req {
		out, ok := feedByte(t, p, usb, b)
		last := i == len(req)-1
		if ok != last {
			t.Fatalf("byte %d (%q) produced output=%v, want %v", i, b, ok, last)
		}
		if ok && out != '+' {
			t.Fatalf("request ack byte = %q, want '+'", out)
		}
	}

	var reply []byte
	for i := 0; i < 8192; i++ {
		out, ok := drainByte(t, p, usb)
		if !ok {
			continue
		}
		reply = append(reply, out)
		if len(reply) >= 3 && reply[len(reply)-3] == '#' {
			break
		}
	}
	if len(reply) < 3 || reply[0] != '$' {
		t.Fatalf("reply = %q, want a framed $...#xx packet", reply)
	}
	if out, ok := feedByte(t, p, usb, '+'); ok {
		t.Fatalf("unexpected output acking reply: %q", out)
	}
	return string(reply[1 : len(reply)-3])
}

func TestGDBAttachAndReadWriteRegisters(t *testing.T) {
	p, usb, _, _ := newTestProbe(t)

	if got := gdbRoundTrip(t, p, usb, "?"); got != "T05" {
		t.Fatalf("'?' reply = %q, want T05", got)
	}
	if got := gdbRoundTrip(t, p, usb, "P3=01020304"); got != "OK" {
		t.Fatalf("P3= reply = %q, want OK", got)
	}
	if got := gdbRoundTrip(t, p, usb, "p3"); got != "01020304" {
		t.Errorf("p3 reply = %q, want 01020304", got)
	}
}

func TestConsoleHelpOverTheSameWire(t *testing.T) {
	p, usb, _, _ := newTestProbe(t)

	line := []byte("help\n")
	var out []byte
	for _, b := range line {
		if o, ok := feedByte(t, p, usb, b); ok {
			out = append(out, o)
		}
	}
	for i := 0; i < 256; i++ {
		o, ok := drainByte(t, p, usb)
		if !ok {
			break
		}
		out = append(out, o)
	}
	if len(out) == 0 {
		t.Fatalf("console 'help' produced no output")
	}
	got := string(out)
	if want := "boot {lock|unlock|pico}"; !contains(got, want) {
		t.Errorf("console help output missing %q, got %q", want, got)
	}
	if !contains(got, "\x1b[32mok\x1b[0m (") {
		t.Errorf("console help output missing trailing ok line, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestCtrlCWhileRunningHaltsAndReportsSignal(t *testing.T) {
	p, usb, _, _ := newTestProbe(t)

	req := frame("c")
	for i, b := range req {
		out, ok := feedByte(t, p, usb, b)
		last := i == len(req)-1
		if ok != last {
			t.Fatalf("byte %d (%q) produced output=%v, want %v", i, b, ok, last)
		}
		if ok && out != '+' {
			t.Fatalf("continue ack byte = %q, want '+'", out)
		}
	}

	for i := 0; i < 3; i++ {
		if out, ok := drainByte(t, p, usb); ok {
			t.Fatalf("unexpected output %q while running before Ctrl-C", out)
		}
	}

	if out, ok := feedByte(t, p, usb, 0x03); ok {
		t.Fatalf("Ctrl-C byte itself produced output %q, want none yet", out)
	}

	var reply []byte
	for i := 0; i < 8192; i++ {
		out, ok := drainByte(t, p, usb)
		if !ok {
			continue
		}
		reply = append(reply, out)
		if len(reply) >= 3 && reply[len(reply)-3] == '#' {
			break
		}
	}
	if want := frame("T05"); string(reply) != string(want) {
		t.Fatalf("Ctrl-C reply = %q, want %q", reply, want)
	}
	if out, ok := feedByte(t, p, usb, '+'); ok {
		t.Fatalf("unexpected output acking stop reply: %q", out)
	}
}

// ---------------------------------------------------------------------------
// XMODEM-1K over the probe's SYN-triggered mode switch

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func buildBlock(blkNum byte, payload []byte) []byte {
	block := make([]byte, 0, 3+len(payload)+2)
	header := xmodem.STX
	if len(payload) == 128 {
		header = xmodem.SOH
	}
	block = append(block, header, blkNum, ^blkNum)
	block = append(block, payload...)
	crc := crc16(payload)
	block = append(block, byte(crc>>8), byte(crc))
	return block
}

func TestSYNSwitchesIntoXModemThenBackToGDB(t *testing.T) {
	p, usb, fd, _ := newTestProbe(t)

	if out, ok := feedByte(t, p, usb, syn); ok {
		t.Fatalf("SYN byte produced output %q, want none", out)
	}

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	block := buildBlock(1, payload)

	var out []byte
	for _, b := range block {
		if o, ok := feedByte(t, p, usb, b); ok {
			out = append(out, o)
		}
	}
	for i := 0; i < 4; i++ {
		o, ok := drainByte(t, p, usb)
		if !ok {
			break
		}
		out = append(out, o)
	}
	if len(out) == 0 || out[len(out)-1] != xmodem.ACK {
		t.Fatalf("block response = %v, want trailing ACK (%#02x)", out, xmodem.ACK)
	}

	for i := 0; i < 256; i++ {
		want := binary.LittleEndian.Uint32(payload[i*4:])
		if got := fd.mem[dm.FlashBase+uint32(i)*4]; got != want {
			t.Fatalf("flash word %d = %#08x, want %#08x", i, got, want)
		}
	}

	// EOT ends the transfer; the probe must fall back to normal mode so a
	// GDB session can resume on the same wire right after.
	if out, ok := feedByte(t, p, usb, xmodem.EOT); !ok || out != xmodem.ACK {
		t.Fatalf("EOT first response = %v %v, want ACK", out, ok)
	}
	if _, ok := drainByte(t, p, usb); ok {
		t.Fatalf("EOT follow-up response produced output, want the transfer to end silently")
	}

	if got := gdbRoundTrip(t, p, usb, "?"); got != "T05" {
		t.Fatalf("post-XMODEM '?' reply = %q, want T05", got)
	}
}

func TestResetButtonBlinksLEDOnSuccess(t *testing.T) {
	p, usb, _, led := newTestProbe(t)
	button := &fakeButton{pressed: true}
	p.button = button

	usb.in = nil
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(led.blinks) != 1 || led.blinks[0] != [2]int{resetSuccessBlinks, 0} {
		t.Fatalf("led blinks = %v, want one slow blink of %d", led.blinks, resetSuccessBlinks)
	}
	if button.pressed {
		t.Errorf("button.Pressed() left armed after being serviced")
	}
}
