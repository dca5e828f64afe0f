package breakpoint

import (
	"context"
	"testing"

	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/flash"
)

// These mirror the literal resident-program words in internal/ctx/progs.go;
// the fake below recognizes them by value to decide which emulation to run,
// the same approach internal/ctx's own tests use.
var singleWordProg = [8]uint32{
	0x7b102573, 0x0015f593, 0x00058e63, 0x7b402573,
	0x00052023, 0x00100073, 0x00000013, 0x00000013,
}

var blockProg = [8]uint32{
	0x7b402583, 0x0005a503, 0x7b451073, 0x00458593,
	0x7b359073, 0x00100073, 0x00000013, 0x00000013,
}

// fakeDM is a DM simulator covering both resident programs internal/ctx
// uses, so it can back both flash.Controller (single-word) and the
// breakpoint Engine (block reads for page snapshots).
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

func newTestEngine(t *testing.T) (*Engine, *fakeDM) {
	t.Helper()
	fd := newFakeDM()
	tr := dm.NewTransport(fd)
	c := ctx.NewContext(tr)
	fc := flash.NewController(c)
	return NewEngine(c, fc), fd
}

// seedFlashWord writes a word directly into the fake's backing memory as if
// it had already been programmed onto the device.
func seedFlashWord(fd *fakeDM, addr, word uint32) {
	fd.mem[addr] = word
}

func TestSetThenFindThenClearUpdatesTable(t *testing.T) {
	e, fd := newTestEngine(t)
	const rel = 0x100 // flash-relative offset, the address space Set/Clear/Find use
	const abs = dm.FlashBase + rel
	seedFlashWord(fd, abs, 0x00100073) // a pre-existing ebreak-shaped word, still 4-byte aligned target

	if err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	idx, err := e.Set(rel, 4)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if e.Find(rel) != idx {
		t.Errorf("Find(rel) = %d, want %d", e.Find(rel), idx)
	}
	if e.Count() != 1 {
		t.Errorf("Count() = %d, want 1", e.Count())
	}

	if _, err := e.Clear(rel, 4); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if e.Find(rel) != -1 {
		t.Errorf("Find(rel) after Clear = %d, want -1", e.Find(rel))
	}
	if e.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", e.Count())
	}
}

func TestClearAllDropsEveryBreakpoint(t *testing.T) {
	e, fd := newTestEngine(t)
	if err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	rels := []uint32{0x10, 0x20, 0x30}
	// All three share page 0, whose shadow is snapshotted on the first Set.
	for _, rel := range rels {
		seedFlashWord(fd, dm.FlashBase+rel, 0x00000013)
	}
	for _, rel := range rels {
		if _, err := e.Set(rel, 4); err != nil {
			t.Fatalf("Set(%#x): %v", rel, err)
		}
	}
	if e.Count() != len(rels) {
		t.Fatalf("Count() = %d, want %d", e.Count(), len(rels))
	}

	e.ClearAll()

	if e.Count() != 0 {
		t.Errorf("Count() after ClearAll = %d, want 0", e.Count())
	}
	for _, rel := range rels {
		if e.Find(rel) != -1 {
			t.Errorf("Find(%#x) after ClearAll = %d, want -1", rel, e.Find(rel))
		}
	}
}

func TestSetRejectsWhenNotHalted(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Set(0, 4); err == nil {
		t.Errorf("Set() on non-halted engine = nil error, want error")
	}
}

func TestSetRejectsDuplicateAddress(t *testing.T) {
	e, fd := newTestEngine(t)
	const rel = 0x40
	const abs = dm.FlashBase + rel
	seedFlashWord(fd, abs, 0x00000013)
	if err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if _, err := e.Set(rel, 4); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if _, err := e.Set(rel, 4); err == nil {
		t.Errorf("second Set(same addr) = nil error, want error")
	}
}

func TestSetFillsAllSlotsThenExhausts(t *testing.T) {
	e, fd := newTestEngine(t)
	if err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	// Seed every word before the first Set snapshots the page shadow.
	for i := 0; i < MaxBreakpoints; i++ {
		seedFlashWord(fd, dm.FlashBase+uint32(i*4), 0x00000013)
	}
	for i := 0; i < MaxBreakpoints; i++ {
		rel := uint32(i * 4)
		if _, err := e.Set(rel, 4); err != nil {
			t.Fatalf("Set #%d: %v", i, err)
		}
	}
	if _, err := e.Set(uint32(MaxBreakpoints)*4, 4); err == nil {
		t.Errorf("Set() past table capacity = nil error, want error")
	}
}

func TestPatchFlashWritesDirtyPagesThenUnpatchRestores(t *testing.T) {
	e, fd := newTestEngine(t)
	const rel = 0x20
	const abs = dm.FlashBase + rel
	seedFlashWord(fd, abs, 0x00000013) // original nop-shaped word
	fd.mem[dm.FlashSTATR] = 0
	fd.mem[dm.FlashCTLR] = 0

	if err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if _, err := e.Set(rel, 4); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.PatchFlash(); err != nil {
		t.Fatalf("PatchFlash: %v", err)
	}
	if got := fd.mem[abs]; got != ebreak {
		t.Errorf("flash @ %#08x after PatchFlash = %#08x, want ebreak %#08x", abs, got, ebreak)
	}

	if err := e.UnpatchFlash(); err != nil {
		t.Fatalf("UnpatchFlash: %v", err)
	}
	if got := fd.mem[abs]; got != 0x00000013 {
		t.Errorf("flash @ %#08x after UnpatchFlash = %#08x, want original 0x00000013", abs, got)
	}
}

func TestHaltUnpatchesPreviouslyWrittenBreakpoints(t *testing.T) {
	e, fd := newTestEngine(t)
	const rel = 0x10
	const abs = dm.FlashBase + rel
	seedFlashWord(fd, abs, 0x00000013)
	fd.mem[dm.FlashSTATR] = 0
	fd.mem[dm.FlashCTLR] = 0

	if err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if _, err := e.Set(rel, 4); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.PatchFlash(); err != nil {
		t.Fatalf("PatchFlash: %v", err)
	}

	resumed, err := e.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed {
		t.Fatalf("Resume() = false, want true (stepping off a nop should not re-hit the breakpoint)")
	}

	if err := e.Halt(); err != nil {
		t.Fatalf("second Halt: %v", err)
	}
	if got := fd.mem[abs]; got != 0x00000013 {
		t.Errorf("flash @ %#08x after re-halt = %#08x, want unpatched 0x00000013", abs, got)
	}
}
