// Package dm implements the register-level half of the RISC-V Debug Module
// transport: the fixed address map and bit layouts, and the
// reset/capability-negotiation sequence.
//
// Registers are never modeled as Go bitfield structs — every register gets
// an explicit encode/decode pair so the wire layout does not depend on how
// any particular Go compiler lays out struct fields.
package dm

// Reg is a 7-bit Debug Module register address.
type Reg uint8

// Register addresses.
const (
	RegData0        Reg = 0x04
	RegData1        Reg = 0x05
	RegControl      Reg = 0x10
	RegStatus       Reg = 0x11
	RegHartInfo     Reg = 0x12
	RegAbstractCS   Reg = 0x16
	RegCommand      Reg = 0x17
	RegAbstractAuto Reg = 0x18
	RegProgBuf0     Reg = 0x20 // PROGBUF0..7 occupy 0x20-0x27
	RegHaltSum0     Reg = 0x40
	RegCPBR         Reg = 0x7C
	RegCFGR         Reg = 0x7D
	RegShdwCFGR     Reg = 0x7E
	RegChipID       Reg = 0x7F
)

// NumProgBuf is the number of PROGBUF registers this target exposes (P=8).
const NumProgBuf = 8

// RegProgBuf returns the register address of program-buffer slot i.
func RegProgBuf(i int) Reg {
	return RegProgBuf0 + Reg(i)
}

// ---------------------------------------------------------------------------
// CONTROL (0x10)

// Control holds the fields of the CONTROL register that this probe drives.
type Control struct {
	HaltReq          bool
	ResumeReq        bool
	HartReset        bool
	AckHaveReset     bool
	AckUnavail       bool
	HaSel            bool
	HartSelHi        uint16 // [25:16]
	HartSelLo        uint16 // [15:6]
	SetKeepAlive     bool
	ClrKeepAlive     bool
	SetResetHaltReq  bool
	ClrResetHaltReq  bool
	NDMReset         bool
	DMActive         bool
}

// EncodeControl packs Control into the 32-bit wire representation.
func EncodeControl(c Control) uint32 {
	var v uint32
	v = setBit(v, 31, c.HaltReq)
	v = setBit(v, 30, c.ResumeReq)
	v = setBit(v, 29, c.HartReset)
	v = setBit(v, 28, c.AckHaveReset)
	v = setBit(v, 27, c.AckUnavail)
	v = setBit(v, 26, c.HaSel)
	v |= (uint32(c.HartSelHi) & 0x3FF) << 16
	v |= (uint32(c.HartSelLo) & 0x3FF) << 6
	v = setBit(v, 5, c.SetKeepAlive)
	v = setBit(v, 4, c.ClrKeepAlive)
	v = setBit(v, 3, c.SetResetHaltReq)
	v = setBit(v, 2, c.ClrResetHaltReq)
	v = setBit(v, 1, c.NDMReset)
	v = setBit(v, 0, c.DMActive)
	return v
}

// DecodeControl unpacks the 32-bit wire representation into Control.
func DecodeControl(v uint32) Control {
	return Control{
		HaltReq:         bit(v, 31),
		ResumeReq:       bit(v, 30),
		HartReset:       bit(v, 29),
		AckHaveReset:    bit(v, 28),
		AckUnavail:      bit(v, 27),
		HaSel:           bit(v, 26),
		HartSelHi:       uint16((v >> 16) & 0x3FF),
		HartSelLo:       uint16((v >> 6) & 0x3FF),
		SetKeepAlive:    bit(v, 5),
		ClrKeepAlive:    bit(v, 4),
		SetResetHaltReq: bit(v, 3),
		ClrResetHaltReq: bit(v, 2),
		NDMReset:        bit(v, 1),
		DMActive:        bit(v, 0),
	}
}

// ---------------------------------------------------------------------------
// STATUS (0x11)

// Status holds the fields of the STATUS register this probe reads.
type Status struct {
	AllHaveReset  bool
	AnyHaveReset  bool
	AllResumeAck  bool
	AnyResumeAck  bool
	AllAvail      bool
	AnyAvail      bool
	AllRunning    bool
	AnyRunning    bool
	AllHalted     bool
	AnyHalted     bool
	Authenticated bool
	Version       uint8
}

// DecodeStatus unpacks the 32-bit wire representation into Status.
func DecodeStatus(v uint32) Status {
	return Status{
		AllHaveReset:  bit(v, 19),
		AnyHaveReset:  bit(v, 18),
		AllResumeAck:  bit(v, 17),
		AnyResumeAck:  bit(v, 16),
		AllAvail:      bit(v, 13),
		AnyAvail:      bit(v, 12),
		AllRunning:    bit(v, 11),
		AnyRunning:    bit(v, 10),
		AllHalted:     bit(v, 9),
		AnyHalted:     bit(v, 8),
		Authenticated: bit(v, 7),
		Version:       uint8(v & 0xF),
	}
}

// ---------------------------------------------------------------------------
// HARTINFO (0x12)

// HartInfo holds the fields of the HARTINFO register.
type HartInfo struct {
	NScratch   uint8 // [23:20]
	DataAccess bool  // [16]
	DataSize   uint8 // [15:12]
	DataAddr   uint16
}

// DecodeHartInfo unpacks the 32-bit wire representation into HartInfo.
func DecodeHartInfo(v uint32) HartInfo {
	return HartInfo{
		NScratch:   uint8((v >> 20) & 0xF),
		DataAccess: bit(v, 16),
		DataSize:   uint8((v >> 12) & 0xF),
		DataAddr:   uint16(v & 0xFFF),
	}
}

// EncodeHartInfo packs HartInfo into its 32-bit wire representation, used
// only by tests that need to fabricate a well-formed fake target.
func EncodeHartInfo(h HartInfo) uint32 {
	var v uint32
	v |= uint32(h.NScratch&0xF) << 20
	v = setBit(v, 16, h.DataAccess)
	v |= uint32(h.DataSize&0xF) << 12
	v |= uint32(h.DataAddr) & 0xFFF
	return v
}

// WantHartInfo is the HARTINFO value this target is required to report:
// data-addr=0xF4, data-size=2, data-access=1, n-scratch=2.
var WantHartInfo = HartInfo{NScratch: 2, DataAccess: true, DataSize: 2, DataAddr: 0xF4}

// ---------------------------------------------------------------------------
// ABSTRACTCS (0x16)

// CmdErr is the ABSTRACTCS.CMDER field.
type CmdErr uint8

// CMDER values.
const (
	CmdErrSuccess CmdErr = 0
	CmdErrOthErr  CmdErr = 7 // OTH_ERR: written back to clear any error
)

// AbstractCS holds the fields of the ABSTRACTCS register.
type AbstractCS struct {
	ProgBufSize uint8 // [28:24]
	Busy        bool  // [12]
	CmdErr      CmdErr
	DataCount   uint8 // [3:0]
}

// DecodeAbstractCS unpacks the 32-bit wire representation into AbstractCS.
func DecodeAbstractCS(v uint32) AbstractCS {
	return AbstractCS{
		ProgBufSize: uint8((v >> 24) & 0x1F),
		Busy:        bit(v, 12),
		CmdErr:      CmdErr((v >> 8) & 0x7),
		DataCount:   uint8(v & 0xF),
	}
}

// EncodeAbstractCSClearErr encodes an ABSTRACTCS write that clears CMDER by
// writing OTH_ERR into the field.
func EncodeAbstractCSClearErr() uint32 {
	return uint32(CmdErrOthErr) << 8
}

// ---------------------------------------------------------------------------
// COMMAND (0x17)

// AARSize selects the abstract-command register-access width.
type AARSize uint8

// AARSize values; this target always uses 32-bit access.
const (
	AARSize32 AARSize = 2
)

// Command holds the fields written to the COMMAND register to issue an
// abstract command.
type Command struct {
	AARSize     AARSize
	AARPostInc  bool
	PostExec    bool
	Transfer    bool
	Write       bool
	RegNo       uint16
}

// EncodeCommand packs Command into its 32-bit wire representation.
func EncodeCommand(c Command) uint32 {
	var v uint32
	v |= uint32(c.AARSize&0x7) << 20
	v = setBit(v, 19, c.AARPostInc)
	v = setBit(v, 18, c.PostExec)
	v = setBit(v, 17, c.Transfer)
	v = setBit(v, 16, c.Write)
	v |= uint32(c.RegNo)
	return v
}

// GPR register-number encoding for COMMAND.REGNO: 0x1000 + GPR index.
func RegNoGPR(gpr int) uint16 { return 0x1000 + uint16(gpr) }

// CSR register-number encoding for COMMAND.REGNO: the CSR address itself.
func RegNoCSR(csr uint16) uint16 { return csr }

// DPC is CSR 0x7B1 (dpc), the only CSR this probe accesses via the debug
// register index 16 convention.
const CSRDPC uint16 = 0x7B1

// ---------------------------------------------------------------------------
// ABSTRACTAUTO (0x18)

// AbstractAuto holds the fields of the ABSTRACTAUTO register.
type AbstractAuto struct {
	AutoExecProgBuf uint8 // [23:16], one bit per PROGBUF slot
	AutoExecData    uint16 // [11:0], one bit per DATA slot (we only use DATA0: bit 0)
}

// EncodeAbstractAuto packs AbstractAuto into its 32-bit wire representation.
func EncodeAbstractAuto(a AbstractAuto) uint32 {
	return uint32(a.AutoExecProgBuf)<<16 | uint32(a.AutoExecData&0xFFF)
}

// AutoExecData0 is the ABSTRACTAUTO value that re-triggers the last abstract
// command on every DATA0 access.
var AutoExecData0 = EncodeAbstractAuto(AbstractAuto{AutoExecData: 1})

// ---------------------------------------------------------------------------
// CPBR / CFGR / SHDWCFGR (0x7C/0x7D/0x7E)

// CPBR holds the fields of the capability register.
type CPBR struct {
	Version     uint16
	IOMode      uint8
	OutSta      bool
	CmdExtenSta bool
	CheckSta    bool
	SOPn        uint8
	TDiv        uint8
}

// DecodeCPBR unpacks the 32-bit wire representation into CPBR.
func DecodeCPBR(v uint32) CPBR {
	return CPBR{
		Version:     uint16(v >> 16),
		IOMode:      uint8((v >> 11) & 0x3),
		OutSta:      bit(v, 10),
		CmdExtenSta: bit(v, 9),
		CheckSta:    bit(v, 8),
		SOPn:        uint8((v >> 4) & 0x3),
		TDiv:        uint8(v & 0x3),
	}
}

// WantCPBR is the CPBR value this target is required to report: TDIV=3, OUTSTA=1, version=1.
var WantCPBR = CPBR{Version: 1, OutSta: true, TDiv: 3}

// EncodeCPBR packs CPBR into its 32-bit wire representation, used by tests.
func EncodeCPBR(c CPBR) uint32 {
	var v uint32
	v |= uint32(c.Version) << 16
	v |= uint32(c.IOMode&0x3) << 11
	v = setBit(v, 10, c.OutSta)
	v = setBit(v, 9, c.CmdExtenSta)
	v = setBit(v, 8, c.CheckSta)
	v |= uint32(c.SOPn&0x3) << 4
	v |= uint32(c.TDiv & 0x3)
	return v
}

// CFGRKey is the magic value that must accompany any CFGR/SHDWCFGR write
// that touches OUTEN, per the probe's reset sequence.
const CFGRKey uint16 = 0x5AA5

// CFGR holds the fields written to CFGR/SHDWCFGR to enable single-wire
// debug output on the target.
type CFGR struct {
	Key      uint16
	IOModeCfg uint8
	OutEn    bool
	CmdExten bool
	CheckEn  bool
	SOPnCfg  uint8
	TDivCfg  uint8
}

// EncodeCFGR packs CFGR into its 32-bit wire representation.
func EncodeCFGR(c CFGR) uint32 {
	var v uint32
	v |= uint32(c.Key) << 16
	v |= uint32(c.IOModeCfg&0x3) << 11
	v = setBit(v, 10, c.OutEn)
	v = setBit(v, 9, c.CmdExten)
	v = setBit(v, 8, c.CheckEn)
	v |= uint32(c.SOPnCfg&0x3) << 4
	v |= uint32(c.TDivCfg & 0x3)
	return v
}

// ---------------------------------------------------------------------------
// small bit helpers

func bit(v uint32, pos uint) bool {
	return (v>>pos)&1 != 0
}

func setBit(v uint32, pos uint, set bool) uint32 {
	if set {
		return v | (1 << pos)
	}
	return v &^ (1 << pos)
}
