package dm

import (
	"context"
	"fmt"

	"github.com/gadefox/ch32dbg-go/internal/errs"
	"github.com/gadefox/ch32dbg-go/internal/transport"
)

// Transport is the reset/negotiation-aware Debug Module register layer:
// it owns the raw transport.SWIO word exchange and runs the one-time
// bring-up sequence (Reset) required before any other register is
// trustworthy. Get and Put pass straight through without checking Ready.
type Transport struct {
	phy     transport.SWIO
	ready   bool
	halted  bool
}

// NewTransport wraps a raw single-wire PHY.
func NewTransport(phy transport.SWIO) *Transport {
	return &Transport{phy: phy}
}

// Reset pulses the single-wire line, enables debug output on the target via
// the CFGR/SHDWCFGR key sequence, clears and re-asserts DMACTIVE, then
// verifies CPBR and HARTINFO against the fixed values this target family
// must report. It records the initial halt state from STATUS.ALLHALTED.
func (t *Transport) Reset(ctx context.Context) error {
	t.ready = false

	if err := t.phy.Pulse(ctx); err != nil {
		return fmt.Errorf("swio pulse: %w", err)
	}

	shdwcfgr := EncodeCFGR(CFGR{Key: CFGRKey, OutEn: true})
	if err := t.Put(RegShdwCFGR, shdwcfgr); err != nil {
		return fmt.Errorf("enable shdwcfgr outen: %w", err)
	}
	cfgr := EncodeCFGR(CFGR{Key: CFGRKey, OutEn: true})
	if err := t.Put(RegCFGR, cfgr); err != nil {
		return fmt.Errorf("enable cfgr outen: %w", err)
	}

	if err := t.Put(RegControl, 0); err != nil {
		return fmt.Errorf("clear control: %w", err)
	}
	if err := t.Put(RegControl, EncodeControl(Control{DMActive: true})); err != nil {
		return fmt.Errorf("set dmactive: %w", err)
	}

	cpbrRaw, err := t.Get(RegCPBR)
	if err != nil {
		return fmt.Errorf("read cpbr: %w", err)
	}
	if cpbr := DecodeCPBR(cpbrRaw); cpbr != WantCPBR {
		return fmt.Errorf("%w: cpbr=%#08x", errs.ErrUnsupportedTarget, cpbrRaw)
	}

	hartInfoRaw, err := t.Get(RegHartInfo)
	if err != nil {
		return fmt.Errorf("read hartinfo: %w", err)
	}
	if hi := DecodeHartInfo(hartInfoRaw); hi != WantHartInfo {
		return fmt.Errorf("%w: hartinfo=%#08x", errs.ErrUnsupportedTarget, hartInfoRaw)
	}

	statusRaw, err := t.Get(RegStatus)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	t.halted = DecodeStatus(statusRaw).AllHalted
	t.ready = true
	return nil
}

// Ready reports whether Reset has completed successfully.
func (t *Transport) Ready() bool { return t.ready }

// Halted reports the halt state captured at the last Reset. Callers that
// need a live value should read STATUS via Get(RegStatus) instead.
func (t *Transport) Halted() bool { return t.halted }

// Get performs a single register read.
func (t *Transport) Get(reg Reg) (uint32, error) {
	return t.phy.Get(uint8(reg))
}

// Put performs a single register write.
func (t *Transport) Put(reg Reg, value uint32) error {
	return t.phy.Put(uint8(reg), value)
}

// ChipID reads the CHIPID register, valid only after Reset.
func (t *Transport) ChipID() (uint32, error) {
	return t.Get(RegChipID)
}
