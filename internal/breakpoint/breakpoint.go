// Package breakpoint implements the software breakpoint engine: a
// fixed-size breakpoint table, per-page shadow copies of flash with ebreak
// instructions patched in, and the halt/resume sequencing that keeps flash
// writes off the hot path whenever possible.
package breakpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/errs"
	"github.com/gadefox/ch32dbg-go/internal/flash"
)

// MaxBreakpoints bounds the software breakpoint table.
const MaxBreakpoints = 32

// sentinel marks an unused breakpoint slot.
const sentinel uint32 = 0xDEADBEEF

// Compressed and standard ebreak encodings (RVC / RV32).
const (
	cEbreak uint16 = 0x9002
	ebreak  uint32 = 0x00100073
)

// Engine owns the breakpoint table and the flash shadow buffers used to
// patch/unpatch ebreak instructions without losing the original bytes.
type Engine struct {
	c *ctx.Context
	f *flash.Controller

	halted bool

	breakpoints [MaxBreakpoints]uint32
	sizes       [MaxBreakpoints]int
	count       int

	breakMap [dm.PageCount]uint8 // breakpoints wanted, per page
	flashMap [dm.PageCount]uint8 // breakpoints actually written to device flash, per page
	dirtyMap [dm.PageCount]uint8 // nonzero if flashDirty doesn't match device flash

	flashClean []byte // last known-clean copy of flash, per page on first use
	flashDirty []byte // flashClean with ebreak patches applied
}

// NewEngine builds an Engine with an empty breakpoint table. The flash
// shadow buffers are populated lazily, one page at a time, the first time a
// breakpoint is set in that page.
func NewEngine(c *ctx.Context, f *flash.Controller) *Engine {
	e := &Engine{
		c:          c,
		f:          f,
		flashClean: make([]byte, dm.FlashSize),
		flashDirty: make([]byte, dm.FlashSize),
	}
	for i := range e.breakpoints {
		e.breakpoints[i] = sentinel
	}
	return e
}

// IsHalted reports the engine's cached halt state.
func (e *Engine) IsHalted() bool { return e.halted }

// Count reports how many breakpoints are currently set.
func (e *Engine) Count() int { return e.count }

// Halt halts the target and removes any ebreak patches from flash, so a
// connected debugger always sees the program's original instructions.
func (e *Engine) Halt() error {
	if e.halted {
		return nil
	}
	if err := e.c.Halt(); err != nil {
		return fmt.Errorf("break halt: %w", err)
	}
	e.halted = true
	return e.UnpatchFlash()
}

// Resume single-steps once, checks whether that step landed on another
// breakpoint (in which case flash stays unpatched and the target stays
// halted), then re-patches flash and resumes.
func (e *Engine) Resume() (resumed bool, err error) {
	if !e.halted {
		return true, nil
	}

	if err := e.c.Step(); err != nil {
		return false, fmt.Errorf("break resume: step: %w", err)
	}
	dpc, err := e.c.GetDPC()
	if err != nil {
		return false, fmt.Errorf("break resume: get dpc: %w", err)
	}
	if e.Find(dpc) != -1 {
		return false, nil
	}

	if err := e.PatchFlash(); err != nil {
		return false, fmt.Errorf("break resume: patch flash: %w", err)
	}
	if err := e.c.Resume(); err != nil {
		return false, fmt.Errorf("break resume: %w", err)
	}
	e.halted = false
	return true, nil
}

// Breakpoints returns the flash-relative addresses of every currently set
// breakpoint, in table order, for the console's "info break" listing.
func (e *Engine) Breakpoints() []uint32 {
	out := make([]uint32, 0, e.count)
	for _, bp := range e.breakpoints {
		if bp != sentinel {
			out = append(out, bp)
		}
	}
	return out
}

// Find returns the table index of the breakpoint at addr, or -1.
func (e *Engine) Find(addr uint32) int {
	for i, bp := range e.breakpoints {
		if bp == addr {
			return i
		}
	}
	return -1
}

func validateBreakpoint(addr uint32, size int) error {
	if size != 2 && size != 4 {
		return fmt.Errorf("%w: breakpoint size %d must be 2 or 4", errs.ErrInvalidRequest, size)
	}
	if addr+uint32(size) >= dm.FlashSize || addr&1 != 0 {
		return fmt.Errorf("%w: breakpoint address %#08x invalid", errs.ErrInvalidRequest, addr)
	}
	return nil
}

// Set installs a breakpoint at addr and returns its table index. The
// target must already be halted; the patch is staged into the dirty shadow
// but not written to flash until PatchFlash runs.
func (e *Engine) Set(addr uint32, size int) (int, error) {
	if !e.halted {
		return -1, fmt.Errorf("break set: %w: target not halted", errs.ErrInvalidRequest)
	}
	if err := validateBreakpoint(addr, size); err != nil {
		return -1, err
	}
	if e.Find(addr) != -1 {
		return -1, fmt.Errorf("break set: %w: breakpoint already set @ %#08x", errs.ErrInvalidRequest, addr)
	}

	slot := e.Find(sentinel)
	if slot == -1 {
		return -1, fmt.Errorf("break set: %w: no free breakpoint slots", errs.ErrResourceExhausted)
	}

	page := int(addr / dm.PageSize)
	if err := e.ensurePageShadow(page); err != nil {
		return -1, err
	}

	if size == 2 {
		orig := binary.LittleEndian.Uint16(e.flashDirty[addr:])
		if orig&3 == 3 {
			return -1, fmt.Errorf("break set: %w: 16-bit breakpoint on a 32-bit instruction @ %#08x", errs.ErrInvalidRequest, addr)
		}
		binary.LittleEndian.PutUint16(e.flashDirty[addr:], cEbreak)
	} else {
		orig := binary.LittleEndian.Uint32(e.flashDirty[addr:])
		if orig&3 != 3 {
			return -1, fmt.Errorf("break set: %w: 32-bit breakpoint on a 16-bit instruction @ %#08x", errs.ErrInvalidRequest, addr)
		}
		binary.LittleEndian.PutUint32(e.flashDirty[addr:], ebreak)
	}

	e.breakpoints[slot] = addr
	e.sizes[slot] = size
	e.count++
	e.breakMap[page]++
	e.dirtyMap[page]++
	return slot, nil
}

// Clear removes the breakpoint at addr, restoring its original bytes in the
// dirty shadow.
func (e *Engine) Clear(addr uint32, size int) (int, error) {
	if !e.halted {
		return -1, fmt.Errorf("break clear: %w: target not halted", errs.ErrInvalidRequest)
	}
	if err := validateBreakpoint(addr, size); err != nil {
		return -1, err
	}
	slot := e.Find(addr)
	if slot == -1 {
		return -1, fmt.Errorf("break clear: %w: no breakpoint @ %#08x", errs.ErrInvalidRequest, addr)
	}

	page := int(addr / dm.PageSize)
	if e.breakMap[page] == 0 {
		return -1, fmt.Errorf("break clear: %w: page %d break_map underflow", errs.ErrCorruptShadow, page)
	}

	if size == 2 {
		want := binary.LittleEndian.Uint16(e.flashDirty[addr:])
		if want != cEbreak {
			return -1, fmt.Errorf("break clear: %w: page patched with unexpected bytes @ %#08x", errs.ErrCorruptShadow, addr)
		}
		orig := binary.LittleEndian.Uint16(e.flashClean[addr:])
		binary.LittleEndian.PutUint16(e.flashDirty[addr:], orig)
	} else {
		want := binary.LittleEndian.Uint32(e.flashDirty[addr:])
		if want != ebreak {
			return -1, fmt.Errorf("break clear: %w: page patched with unexpected bytes @ %#08x", errs.ErrCorruptShadow, addr)
		}
		orig := binary.LittleEndian.Uint32(e.flashClean[addr:])
		binary.LittleEndian.PutUint32(e.flashDirty[addr:], orig)
	}

	e.breakpoints[slot] = sentinel
	e.sizes[slot] = 0
	e.count--
	e.breakMap[page]--
	e.dirtyMap[page]++
	return slot, nil
}

// ClearAll drops every breakpoint in the table, restoring each one's
// original bytes in the dirty shadow. Used by a GDB detach, which must
// leave the target with no breakpoints installed rather than aborting the
// session.
func (e *Engine) ClearAll() {
	for slot, addr := range e.breakpoints {
		if addr == sentinel {
			continue
		}
		if _, err := e.Clear(addr, e.sizes[slot]); err != nil {
			continue
		}
	}
}

// ensurePageShadow snapshots a page's live flash contents into flashClean
// and flashDirty the first time a breakpoint touches it.
func (e *Engine) ensurePageShadow(page int) error {
	if e.breakMap[page] != 0 {
		return nil
	}
	base := uint32(page) * dm.PageSize
	words, err := e.c.GetBlockAligned(dm.FlashBase+base, dm.PageWords)
	if err != nil {
		return fmt.Errorf("break set: read page %d: %w", page, err)
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(e.flashClean[base+uint32(i)*4:], w)
	}
	copy(e.flashDirty[base:base+dm.PageSize], e.flashClean[base:base+dm.PageSize])
	return nil
}

// PatchFlash writes every page whose breakpoint count changed since the
// last patch/unpatch, erasing and reprogramming it from flashDirty.
func (e *Engine) PatchFlash() error {
	if !e.halted {
		return fmt.Errorf("break patch_flash: %w: target not halted", errs.ErrInvalidRequest)
	}
	for page := 0; page < dm.PageCount; page++ {
		if e.dirtyMap[page] == 0 {
			continue
		}
		if err := e.writePage(page, e.flashDirty); err != nil {
			return err
		}
		e.flashMap[page] = e.breakMap[page]
		e.dirtyMap[page] = 0
	}
	return nil
}

// UnpatchFlash restores every page that currently carries a written
// breakpoint patch back to its clean contents.
func (e *Engine) UnpatchFlash() error {
	if !e.halted {
		return fmt.Errorf("break unpatch_flash: %w: target not halted", errs.ErrInvalidRequest)
	}
	for page := 0; page < dm.PageCount; page++ {
		if e.flashMap[page] == 0 {
			continue
		}
		if err := e.writePage(page, e.flashClean); err != nil {
			return err
		}
		e.flashMap[page] = 0
		e.dirtyMap[page] = 1
	}
	return nil
}

func (e *Engine) writePage(page int, shadow []byte) error {
	base := dm.FlashBase + uint32(page)*dm.PageSize
	if err := e.f.ErasePage(base); err != nil {
		return fmt.Errorf("break: erase page %d: %w", page, err)
	}
	words := make([]uint32, dm.PageWords)
	off := uint32(page) * dm.PageSize
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(shadow[off+uint32(i)*4:])
	}
	if err := e.f.WritePages(base, words); err != nil {
		return fmt.Errorf("break: write page %d: %w", page, err)
	}
	return nil
}
