package ctx

// Resident programs loaded into the target's DM program buffer. These are
// short RISC-V instruction sequences executed in place with POSTEXEC; their
// register conventions are fixed and reproduced here as constants rather
// than assembled at runtime, matching how protocol command tables elsewhere
// in this codebase are kept as plain data.

// singleWordProg dereferences the address latched in DATA1 (bit 0 clear
// selects a load into DATA0, bit 0 set selects a store from DATA0). The
// register assignment is fixed by the target-specific encoding below, not
// reproduced as separate pseudocode to avoid drifting from the actual
// bytes.
var singleWordProg = [8]uint32{
	0x7b102573, // csrr a0, dm_data1
	0x0015f593, // andi a1, a1, 1
	0x00058e63, // beqz a1, +28 (read path)
	0x7b402573, // csrr a0, dm_data0        (store path)
	0x00052023, // sw   zero, 0(a0)
	0x00100073, // ebreak
	0x00000013, // nop (pad)
	0x00000013, // nop (pad)
}

// singleWordClobber is the GPR clobber set of singleWordProg: A0 (x10) and
// A1 (x11).
var singleWordClobber = []int{10, 11}

// blockProg dereferences DATA1 into DATA0 (read) or stores DATA0 through
// DATA1 (write), then increments DATA1 by 4 and writes it back so that,
// combined with ABSTRACTAUTO on DATA0, each subsequent DATA0 access
// re-triggers the program and streams the next word.
var blockProg = [8]uint32{
	0x7b402583, // csrr a1, dm_data1
	0x0005a503, // lw   a0, 0(a1)           (read variant target)
	0x7b451073, // csrw dm_data0, a0
	0x00458593, // addi a1, a1, 4
	0x7b359073, // csrw dm_data1, a1
	0x00100073, // ebreak
	0x00000013,
	0x00000013,
}

// blockProgClobber is the GPR clobber set of blockProg: A0 (x10) and A1 (x11).
var blockProgClobber = []int{10, 11}
