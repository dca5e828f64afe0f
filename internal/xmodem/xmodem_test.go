package xmodem

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/flash"
)

// Mirrors internal/ctx/progs.go's singleWordProg/blockProg by value; see
// internal/breakpoint's test fake for why duplication is simplest here.
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

	armed       bool
	blockActive bool
	blockWrite  bool
}

func newFakeDM() *fakeDM {
	return &fakeDM{
		regs: map[uint8]uint32{
			uint8(dm.RegCPBR):     dm.EncodeCPBR(dm.WantCPBR),
			uint8(dm.RegHartInfo): dm.EncodeHartInfo(dm.WantHartInfo),
		},
		mem: make(map[uint32]uint32),
	}
}

func (f *fakeDM) Get(reg uint8) (uint32, error) {
	if reg >= uint8(dm.RegProgBuf0) && reg < uint8(dm.RegProgBuf0)+dm.NumProgBuf {
		return f.prog[reg-uint8(dm.RegProgBuf0)], nil
	}
	if reg == uint8(dm.RegStatus) {
		if v, ok := f.regs[reg]; ok {
			return v, nil
		}
		return 1 << 9, nil
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
		regNo := uint16(value)
		if regNo == dm.CSRDPC || (regNo >= 0x1000 && regNo < 0x1010) {
			return nil
		}
		if postExec {
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

type fakeLED struct {
	colors []string
}

func (l *fakeLED) SetColor(name string) { l.colors = append(l.colors, name) }
func (l *fakeLED) Blink(context.Context, int, bool) error { return nil }

func newTestReceiver(t *testing.T) (*Receiver, *fakeDM, *fakeLED) {
	t.Helper()
	fd := newFakeDM()
	fd.mem[dm.FlashSTATR] = 0
	fd.mem[dm.FlashCTLR] = 0
	tr := dm.NewTransport(fd)
	c := ctx.NewContext(tr)
	fc := flash.NewController(c)
	led := &fakeLED{}
	return NewReceiver(fc, led), fd, led
}

// feed pushes every byte of msg through Tick (one per call, connected=true),
// then polls with no byte a few times to let the trailing VALIDATE state
// (reached right after the CRC's second byte) resolve, same as the probe's
// scheduler would tick the receiver between incoming bytes. Returns every
// byte the receiver emitted in response.
func feed(r *Receiver, msg []byte) []byte {
	var out []byte
	for _, b := range msg {
		if o, ok := r.Tick(true, true, b); ok {
			out = append(out, o)
		}
	}
	for i := 0; i < 2; i++ {
		if o, ok := r.Tick(true, false, 0); ok {
			out = append(out, o)
		}
	}
	return out
}

func buildBlock(blkNum byte, payload []byte) []byte {
	block := make([]byte, 0, 3+len(payload)+2)
	header := STX
	if len(payload) == 128 {
		header = SOH
	}
	block = append(block, header, blkNum, ^blkNum)
	block = append(block, payload...)
	crc := crc16(payload)
	block = append(block, byte(crc>>8), byte(crc))
	return block
}

func TestSingleKBlockAccepted(t *testing.T) {
	r, fd, _ := newTestReceiver(t)
	r.Start()

	// Drive past SEND_CRC: the sender's first byte is STX which both starts
	// the transfer (xmodem_start) and begins the block header.
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	block := buildBlock(1, payload)

	out := feed(r, block)
	if len(out) == 0 || out[len(out)-1] != ACK {
		t.Fatalf("final response = %v, want last byte ACK (%#02x)", out, ACK)
	}

	var words [256]uint32
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(payload[i*4:])
	}
	for i, w := range words {
		if got := fd.mem[dm.FlashBase+uint32(i)*4]; got != w {
			t.Fatalf("flash word %d = %#08x, want %#08x", i, got, w)
		}
	}
}

func TestDuplicateBlockIsAckedWithoutRewrite(t *testing.T) {
	r, fd, _ := newTestReceiver(t)
	r.Start()

	payload := make([]byte, 1024)
	block := buildBlock(1, payload)
	feed(r, block)

	fd.mem[dm.FlashBase] = 0xDEADBEEF // simulate a page that would be clobbered by a re-erase

	dup := buildBlock(1, payload) // same block number: duplicate, not block 2
	out := feed(r, dup)
	if len(out) == 0 || out[len(out)-1] != ACK {
		t.Fatalf("duplicate block response = %v, want ACK", out)
	}
	if fd.mem[dm.FlashBase] != 0xDEADBEEF {
		t.Errorf("flash touched on duplicate-block ACK; dst_addr must not advance or re-erase")
	}
}

func TestBadCRCIsNAKed(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	r.Start()

	payload := make([]byte, 1024)
	block := buildBlock(1, payload)
	block[len(block)-1] ^= 0xFF // corrupt the CRC

	out := feed(r, block)
	if len(out) == 0 || out[len(out)-1] != NAK {
		t.Fatalf("corrupt-CRC response = %v, want NAK", out)
	}
	if !r.Active() {
		t.Errorf("Active() = false after a single NAK, want still active (retries remain)")
	}
}

func TestEOTEndsCleanly(t *testing.T) {
	r, _, led := newTestReceiver(t)
	r.Start()

	payload := make([]byte, 1024)
	feed(r, buildBlock(1, payload))

	out := feed(r, []byte{EOT})
	if len(out) != 1 || out[0] != ACK {
		t.Fatalf("EOT sequence = %v, want [ACK]", out)
	}
	if r.Active() {
		t.Errorf("Active() = true after EOT, want false")
	}
	if len(led.colors) == 0 || led.colors[len(led.colors)-1] != "green" {
		t.Errorf("led colors = %v, want last entry green", led.colors)
	}
}
