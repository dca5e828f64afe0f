// Package flash implements the target flash controller driver: unlock/lock,
// page/sector/chip erase with busy-wait, the streaming fast-page write
// loop, and verify.
package flash

import (
	"fmt"
	"time"

	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/errs"
)

const (
	pageEraseTimeout   = 4 * time.Millisecond
	sectorEraseTimeout = 51 * time.Millisecond
	chipEraseTimeout   = 4 * time.Millisecond
	wordWriteTimeout   = 3 * time.Millisecond
)

// Controller drives the target's flash peripheral through a ctx.Context.
// The system assumes flash starts locked.
type Controller struct {
	c *ctx.Context
}

// NewController wraps a Context.
func NewController(c *ctx.Context) *Controller {
	return &Controller{c: c}
}

// Unlock writes the two FPEC unlock keys in order.
func (f *Controller) Unlock() error {
	if err := f.c.SetU32Aligned(dm.FlashKEYR, dm.FlashUnlockKey1); err != nil {
		return fmt.Errorf("flash unlock: key1: %w", err)
	}
	if err := f.c.SetU32Aligned(dm.FlashKEYR, dm.FlashUnlockKey2); err != nil {
		return fmt.Errorf("flash unlock: key2: %w", err)
	}
	return nil
}

// Lock sets CTLR.LOCK.
func (f *Controller) Lock() error {
	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return fmt.Errorf("flash lock: read ctlr: %w", err)
	}
	return f.c.SetU32Aligned(dm.FlashCTLR, ctlr|dm.CTLRLOCK)
}

// UnlockFast writes the two keys to MODEKEYR to unlock fast programming.
func (f *Controller) UnlockFast() error {
	if err := f.c.SetU32Aligned(dm.FlashMODEKEYR, dm.FlashUnlockKey1); err != nil {
		return fmt.Errorf("flash unlock fast: key1: %w", err)
	}
	if err := f.c.SetU32Aligned(dm.FlashMODEKEYR, dm.FlashUnlockKey2); err != nil {
		return fmt.Errorf("flash unlock fast: key2: %w", err)
	}
	return nil
}

// Locked reports whether the main FPEC is still locked (CTLR.LOCK).
func (f *Controller) Locked() (bool, error) {
	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return false, err
	}
	return ctlr&dm.CTLRLOCK != 0, nil
}

// FastLocked reports whether fast-programming mode is still locked
// (CTLR.FLOCK).
func (f *Controller) FastLocked() (bool, error) {
	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return false, err
	}
	return ctlr&dm.CTLRFLOCK != 0, nil
}

// ---------------------------------------------------------------------------
// erase

// erase writes addr to FLASH_ADDR, saves CTLR, sets the requested erase-mode
// bits plus STRT, waits for STATR.BUSY to clear within timeout, then
// restores CTLR on every exit path.
func (f *Controller) erase(addr uint32, ctlrBits uint32, timeout time.Duration) error {
	saved, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return fmt.Errorf("erase: save ctlr: %w", err)
	}
	defer f.c.SetU32Aligned(dm.FlashCTLR, saved)

	if err := f.c.SetU32Aligned(dm.FlashADDR, addr); err != nil {
		return fmt.Errorf("erase: set flash_addr: %w", err)
	}
	if err := f.c.SetU32Aligned(dm.FlashCTLR, saved|ctlrBits); err != nil {
		return fmt.Errorf("erase: set erase mode: %w", err)
	}
	if err := f.c.SetU32Aligned(dm.FlashCTLR, saved|ctlrBits|dm.CTLRSTRT); err != nil {
		return fmt.Errorf("erase: set strt: %w", err)
	}
	if err := f.waitNotBusy(timeout); err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	return nil
}

// ErasePage erases the 64-byte page containing addr.
func (f *Controller) ErasePage(addr uint32) error {
	return f.erase(addr, dm.CTLRPER, pageEraseTimeout)
}

// EraseSector erases the 1 KB sector containing addr.
func (f *Controller) EraseSector(addr uint32) error {
	return f.erase(addr, dm.CTLRSER, sectorEraseTimeout)
}

// EraseChip performs a full mass erase.
func (f *Controller) EraseChip() error {
	return f.erase(dm.FlashBase, dm.CTLRMER, chipEraseTimeout)
}

func (f *Controller) waitNotBusy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		statr, err := f.c.GetU32Aligned(dm.FlashSTATR)
		if err != nil {
			return err
		}
		if statr&dm.STATRBUSY == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.ErrTransportTimeout
		}
	}
}

// ---------------------------------------------------------------------------
// streaming fast-page write

// WritePages programs words into flash starting at addr with CTLR.FTPG set,
// one word at a time through host-side aligned writes (writeWord); no
// on-target program or auto-exec stream is used. addr must be page-aligned
// and len(words) must be a page-multiple (PageWords); CTLR is written back
// to its saved value on every exit path.
func (f *Controller) WritePages(addr uint32, words []uint32) error {
	if addr%dm.PageSize != 0 {
		return fmt.Errorf("write_pages: %w: addr %#08x not page-aligned", errs.ErrInvalidRequest, addr)
	}
	if len(words) == 0 || len(words)%dm.PageWords != 0 {
		return fmt.Errorf("write_pages: %w: %d words is not a page multiple", errs.ErrInvalidRequest, len(words))
	}

	saved, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return fmt.Errorf("write_pages: save ctlr: %w", err)
	}
	defer f.c.SetU32Aligned(dm.FlashCTLR, saved)

	if err := f.c.SetU32Aligned(dm.FlashCTLR, saved|dm.CTLRFTPG); err != nil {
		return fmt.Errorf("write_pages: set ftpg: %w", err)
	}

	for i, w := range words {
		wordAddr := addr + uint32(i)*4
		if err := f.writeWord(wordAddr, w); err != nil {
			return fmt.Errorf("write_pages: word %d @ %#08x: %w", i, wordAddr, err)
		}
	}

	return nil
}

// writeWord programs one word through host-side aligned writes: point
// FLASH_ADDR at dst, store the word, load it into the page buffer, wait
// busy, commit the page on a boundary, and advance FLASH_ADDR.
func (f *Controller) writeWord(dst uint32, w uint32) error {
	if err := f.c.SetU32Aligned(dm.FlashADDR, dst); err != nil {
		return err
	}
	if err := f.c.SetU32Aligned(dst, w); err != nil {
		return err
	}

	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return err
	}
	if err := f.c.SetU32Aligned(dm.FlashCTLR, ctlr|dm.CTLRBUFLOAD); err != nil {
		return err
	}
	if err := f.waitNotBusy(wordWriteTimeout); err != nil {
		return err
	}

	next := dst + 4
	if next%dm.PageSize == 0 {
		if err := f.c.SetU32Aligned(dm.FlashCTLR, ctlr|dm.CTLRSTRT); err != nil {
			return err
		}
		if err := f.waitNotBusy(wordWriteTimeout); err != nil {
			return err
		}
		if err := f.c.SetU32Aligned(dm.FlashCTLR, ctlr|dm.CTLRBUFRST); err != nil {
			return err
		}
	}
	return f.c.SetU32Aligned(dm.FlashADDR, next)
}

// Verify reads back len(want) words from addr and compares them byte for
// byte against want.
func (f *Controller) Verify(addr uint32, want []uint32) error {
	got, err := f.c.GetBlockAligned(addr, len(want))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("verify: %w: word %d @ %#08x got %#08x want %#08x",
				errs.ErrVerifyFailed, i, addr+uint32(i)*4, got[i], want[i])
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// boot/options lockable regions

// BootLocked reports STATR.BOOT_LOCK.
func (f *Controller) BootLocked() (bool, error) {
	statr, err := f.c.GetU32Aligned(dm.FlashSTATR)
	if err != nil {
		return false, err
	}
	return statr&dm.STATRBootLock != 0, nil
}

// LockBoot sets STATR.BOOT_LOCK.
func (f *Controller) LockBoot() error {
	statr, err := f.c.GetU32Aligned(dm.FlashSTATR)
	if err != nil {
		return err
	}
	return f.c.SetU32Aligned(dm.FlashSTATR, statr|dm.STATRBootLock)
}

// UnlockBoot writes the FPEC unlock keys to BOOT_KEYR.
func (f *Controller) UnlockBoot() error {
	if err := f.c.SetU32Aligned(dm.FlashBootKEYR, dm.FlashUnlockKey1); err != nil {
		return fmt.Errorf("unlock boot: key1: %w", err)
	}
	return f.c.SetU32Aligned(dm.FlashBootKEYR, dm.FlashUnlockKey2)
}

// OptionBytesLocked reports CTLR.OBWRE being clear (write-protected).
func (f *Controller) OptionBytesLocked() (bool, error) {
	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return false, err
	}
	return ctlr&dm.CTLROBWRE == 0, nil
}

// LockOptionBytes clears CTLR.OBWRE.
func (f *Controller) LockOptionBytes() error {
	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return err
	}
	return f.c.SetU32Aligned(dm.FlashCTLR, ctlr&^dm.CTLROBWRE)
}

// UnlockOptionBytes writes the FPEC unlock keys to OBKEYR and sets OBWRE.
func (f *Controller) UnlockOptionBytes() error {
	if err := f.c.SetU32Aligned(dm.FlashOBKEYR, dm.FlashUnlockKey1); err != nil {
		return fmt.Errorf("unlock option bytes: key1: %w", err)
	}
	if err := f.c.SetU32Aligned(dm.FlashOBKEYR, dm.FlashUnlockKey2); err != nil {
		return fmt.Errorf("unlock option bytes: key2: %w", err)
	}
	ctlr, err := f.c.GetU32Aligned(dm.FlashCTLR)
	if err != nil {
		return err
	}
	return f.c.SetU32Aligned(dm.FlashCTLR, ctlr|dm.CTLROBWRE)
}
