package dm

// Target memory regions. This target family is fixed: 16 KB
// flash in 64-byte pages, 1 KB sectors, 2 KB RAM.
const (
	FlashBase = 0x08000000
	FlashSize = 0x4000 // 16 KB

	PageSize   = 64
	PageCount  = FlashSize / PageSize // 256
	PageWords  = PageSize / 4         // 16

	SectorSize  = 1024
	SectorPages = SectorSize / PageSize // 16

	BootBase = 0x1FFFF000
	BootSize = 0x780 // 1920 B

	VendorBase = 0x1FFFF7C0
	VendorSize = 0x40

	OptionBytesBase = 0x1FFFF800
	OptionBytesSize = 0x40

	RAMBase = 0x20000000
	RAMSize = 0x800 // 2 KB

	// Flash controller peripheral registers, memory-mapped on the target
	// (accessed through ctx word reads/writes, not DM registers directly).
	FlashACTLR     = 0x40022000
	FlashKEYR      = 0x40022004
	FlashOBKEYR    = 0x40022008
	FlashSTATR     = 0x4002200C
	FlashCTLR      = 0x40022010
	FlashADDR      = 0x40022014
	FlashOBR       = 0x40022018
	FlashWPR       = 0x4002201C
	FlashMODEKEYR  = 0x40022024
	FlashBootKEYR  = 0x40022028

	// FPEC/fast-programming unlock keys.
	FlashUnlockKey1 uint32 = 0x45670123
	FlashUnlockKey2 uint32 = 0xCDEF89AB
)

// FLASH_CTLR bits this driver sets.
const (
	CTLRFTPG   uint32 = 1 << 16 // fast page programming
	CTLRBUFLOAD uint32 = 1 << 18
	CTLRBUFRST  uint32 = 1 << 19
	CTLRSTRT    uint32 = 1 << 6
	CTLRPER     uint32 = 1 << 1 // page erase
	CTLRSER     uint32 = 1 << 11 // sector erase
	CTLRMER     uint32 = 1 << 2  // mass (chip) erase
	CTLRLOCK    uint32 = 1 << 7
	CTLRFLOCK   uint32 = 1 << 15 // fast-programming lock
	CTLROBWRE   uint32 = 1 << 9  // option byte write enable
)

// FLASH_STATR bits.
const (
	STATRBUSY uint32 = 1 << 0
)

// FLASH_STATR / boot-lock bit this driver checks.
const (
	STATRBootLock uint32 = 1 << 4
)
