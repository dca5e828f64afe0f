// Package gdbserver implements a GDB Remote Serial Protocol stub: packet
// framing over the wire, a small command dispatch table, and the
// RUNNING-state halt poll that lets GDB's "continue" block until the
// target actually stops.
package gdbserver

import (
	"fmt"
	"time"

	"github.com/gadefox/ch32dbg-go/internal/breakpoint"
	"github.com/gadefox/ch32dbg-go/internal/ctx"
	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/flash"
)

type state int

const (
	stateDisconnected state = iota
	stateRunning
	stateKilled
	stateIdle
	stateRecvPacket
	stateRecvPacketEscape
	stateRecvSuffix1
	stateRecvSuffix2
	stateSendPrefix
	stateSendPacket
	stateSendPacketEscape
	stateSendSuffix1
	stateSendSuffix2
	stateSendSuffix3
	stateRecvAck
)

const haltPollInterval = 100 * time.Millisecond

// memoryMap is the GDB target-description XML for this chip's flash/RAM
// layout.
const memoryMap = `<?xml version="1.0"?>` +
	`<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">` +
	`<memory-map>` +
	`<memory type="flash" start="0x00000000" length="0x4000">` +
	`<property name="blocksize">64</property>` +
	`</memory>` +
	`<memory type="ram" start="0x20000000" length="0x800"/>` +
	`</memory-map>`

// Server drives the RSP FSM against a target context, breakpoint engine,
// and flash controller.
type Server struct {
	c   *ctx.Context
	brk *breakpoint.Engine
	fl  *flash.Controller

	st state

	recvRaw  []byte // bytes accumulated between '$' and '#', already unescaped
	checksum uint8
	expected uint8

	send      outBuf
	sendValid bool
	sendPos   int

	lastHalt time.Time

	pageCache  [dm.PageSize]byte
	pageBitmap uint64
	pageBase   int // -1 when no page is cached

	detached bool
}

// NewServer builds a Server. Flash writes default to an empty page cache.
func NewServer(c *ctx.Context, brk *breakpoint.Engine, fl *flash.Controller) *Server {
	return &Server{c: c, brk: brk, fl: fl, pageBase: -1}
}

// Detached reports whether the server has handled a GDB 'D' (detach)
// packet. The flag stays set once a detach has been handled.
func (s *Server) Detached() bool { return s.detached }

// Idle reports whether the server is outside an active RSP exchange, i.e.
// it has not yet seen a packet's leading '$'. The outer probe loop uses
// this to decide whether a given input byte should also reach the console
// parser.
func (s *Server) Idle() bool { return s.st == stateIdle || s.st == stateDisconnected }

// Tick advances the RSP FSM by at most one input byte and produces at most
// one output byte.
func (s *Server) Tick(connected, haveByte bool, in byte) (out byte, hasOut bool) {
	if !connected {
		if s.st != stateDisconnected {
			s.brk.Halt()
			s.st = stateDisconnected
		}
		return 0, false
	}

	switch s.st {
	case stateRunning:
		if haveByte && in == 0x03 {
			s.brk.Halt()
			s.setResp("T05")
			s.st = stateSendPrefix
			break
		}
		now := time.Now()
		if now.Sub(s.lastHalt) > haltPollInterval {
			s.lastHalt = now
			if halted, _ := s.targetHalted(); halted {
				s.brk.Halt()
				s.setResp("T05")
				s.st = stateSendPrefix
			}
		}

	case stateDisconnected:
		s.brk.Halt()
		s.st = stateIdle
		fallthrough

	case stateIdle:
		if !haveByte {
			break
		}
		if in == '$' {
			s.st = stateRecvPacket
			s.recvRaw = s.recvRaw[:0]
			s.checksum = 0
		}

	case stateRecvPacket:
		if !haveByte {
			break
		}
		switch in {
		case '#':
			s.expected = 0
			s.st = stateRecvSuffix1
		case '}':
			s.checksum += in
			s.st = stateRecvPacketEscape
		default:
			s.checksum += in
			s.recvRaw = append(s.recvRaw, in)
		}

	case stateRecvPacketEscape:
		if !haveByte {
			break
		}
		s.checksum += in
		s.recvRaw = append(s.recvRaw, in^0x20)
		s.st = stateRecvPacket

	case stateRecvSuffix1:
		if !haveByte {
			break
		}
		d, _ := fromHex(in)
		s.expected = s.expected<<4 | uint8(d)
		s.st = stateRecvSuffix2

	case stateRecvSuffix2:
		if !haveByte {
			break
		}
		d, _ := fromHex(in)
		s.expected = s.expected<<4 | uint8(d)
		if s.expected != s.checksum {
			s.st = stateIdle
			return '-', true
		}

		s.dispatch()
		if s.st == stateRecvSuffix2 {
			if s.sendValid {
				s.st = stateSendPrefix
			} else {
				s.st = stateIdle
			}
		}
		return '+', true

	case stateSendPrefix:
		s.checksum = 0
		s.sendPos = 0
		if len(s.send.buf) > 0 {
			s.st = stateSendPacket
		} else {
			s.st = stateSendSuffix1
		}
		return '$', true

	case stateSendPacket:
		b := s.send.buf[s.sendPos]
		if b == '#' || b == '$' || b == '}' || b == '*' {
			s.checksum += '}'
			s.st = stateSendPacketEscape
			return '}', true
		}
		s.checksum += b
		s.sendPos++
		if s.sendPos == len(s.send.buf) {
			s.st = stateSendSuffix1
		}
		return b, true

	case stateSendPacketEscape:
		b := s.send.buf[s.sendPos]
		s.checksum += b ^ 0x20
		s.st = stateSendPacket
		return b ^ 0x20, true

	case stateSendSuffix1:
		s.st = stateSendSuffix2
		return '#', true

	case stateSendSuffix2:
		s.st = stateSendSuffix3
		return toHex(int((s.checksum >> 4) & 0xF)), true

	case stateSendSuffix3:
		s.st = stateRecvAck
		return toHex(int(s.checksum & 0xF)), true

	case stateRecvAck:
		if !haveByte {
			break
		}
		switch in {
		case '+':
			s.st = stateIdle
		case '-':
			s.st = stateSendPacket
			s.sendPos = 0
		}
	}

	return 0, false
}

func (s *Server) targetHalted() (bool, error) {
	raw, err := s.c.Transport().Get(dm.RegStatus)
	if err != nil {
		return false, err
	}
	return dm.DecodeStatus(raw).AllHalted, nil
}

func (s *Server) setResp(str string) {
	s.send.reset()
	s.send.putString(str)
	s.sendValid = true
}

func (s *Server) setRespEmpty() {
	s.send.reset()
	s.sendValid = true
}

// dispatch runs the handler for the just-received packet, then clears any
// stray abstract-command error left behind by the handler so it can never
// leak into the next command.
func (s *Server) dispatch() {
	s.sendValid = false
	c := newCursor(s.recvRaw)

	switch {
	case c.matchPrefix("?"):
		s.handleQuestionMark()
	case c.matchPrefix("!"):
		s.handleBang()
	case c.matchPrefix("c"):
		s.handleContinue(c)
	case c.matchPrefix("D"):
		s.handleDetach()
	case c.matchPrefix("g"):
		s.handleReadRegs()
	case c.matchPrefix("G"):
		s.handleWriteRegs(c)
	case c.matchPrefix("H"):
		s.handleSetThread(c)
	case c.matchPrefix("k"):
		s.handleKill()
		return // 'k' deliberately sends no reply
	case c.matchPrefix("m"):
		s.handleReadMem(c)
	case c.matchPrefix("M"):
		s.handleWriteMem(c)
	case c.matchPrefix("p"):
		s.handleReadReg(c)
	case c.matchPrefix("P"):
		s.handleWriteReg(c)
	case c.matchPrefix("q"):
		s.handleQuery(c)
	case c.matchPrefix("s"):
		s.handleStep()
	case c.matchPrefix("R"):
		s.handleRestart()
	case c.matchPrefix("v"):
		s.handleV(c)
	case c.matchPrefix("z0"):
		s.handleBreakClear(c)
	case c.matchPrefix("Z0"):
		s.handleBreakSet(c)
	case c.matchPrefix("z1"):
		s.handleBreakClear(c)
	case c.matchPrefix("Z1"):
		s.handleBreakSet(c)
	default:
		s.setRespEmpty()
	}

	s.clearStrayCmdErr()

	if !s.sendValid {
		s.setRespEmpty()
	}
}

func (s *Server) clearStrayCmdErr() {
	raw, err := s.c.Transport().Get(dm.RegAbstractCS)
	if err != nil {
		return
	}
	if dm.DecodeAbstractCS(raw).CmdErr != dm.CmdErrSuccess {
		s.c.Transport().Put(dm.RegAbstractCS, dm.EncodeAbstractCSClearErr())
	}
}

// ---------------------------------------------------------------------------
// handlers

func (s *Server) handleQuestionMark() { s.setResp("T05") }

func (s *Server) handleBang() { s.setResp("OK") }

func (s *Server) handleContinue(c *cursor) {
	if !c.atEnd() {
		addr := c.takeHex()
		if !c.err {
			s.c.SetDPC(addr)
		}
	}

	resumed, err := s.brk.Resume()
	if err != nil || !resumed {
		s.setResp("T05")
		return
	}
	s.st = stateRunning
}

// handleDetach cleanly ends the debug session: every breakpoint is dropped
// and the target is left running, rather than aborting the connection.
func (s *Server) handleDetach() {
	if !s.brk.IsHalted() {
		s.brk.Halt()
	}
	s.brk.ClearAll()
	s.brk.Resume()
	s.detached = true
	s.setResp("OK")
}

func (s *Server) handleReadRegs() {
	s.send.reset()
	for i := 0; i <= ctx.GPRMax+1; i++ {
		v, err := s.c.GetGPR(i)
		if err != nil {
			s.setResp("E01")
			return
		}
		s.send.putHexU32(v)
	}
	s.sendValid = true
}

func (s *Server) handleWriteRegs(c *cursor) {
	for i := 0; i <= ctx.GPRMax; i++ {
		v := c.takeHexDigits(8)
		if !c.err {
			s.c.SetGPR(i, v)
		}
	}
	v := c.takeHexDigits(8)
	if !c.err {
		s.c.SetDPC(v)
	}
	if c.err {
		s.setResp("E01")
	} else {
		s.setResp("OK")
	}
}

func (s *Server) handleSetThread(c *cursor) {
	c.pos++ // thread-op letter ('g'/'c')
	if c.matchPrefix("-1") {
		// thread -1 ("any thread"): accepted, single-hart target.
	} else {
		c.takeHex()
	}
	if c.err {
		s.setResp("E01")
	} else {
		s.setResp("OK")
	}
}

func (s *Server) handleKill() { s.st = stateKilled }

// handleReadMem reads 'm' requests by choosing the widest aligned primitive
// that fits; every branch propagates a ctx read error into an E-reply
// instead of silently truncating the response.
func (s *Server) handleReadMem(c *cursor) {
	src := c.takeHex()
	c.expect(',')
	length := c.takeHex()
	if c.err {
		s.setRespEmpty()
		return
	}

	s.send.reset()
	for length > 0 {
		switch {
		case length == 2:
			v, err := s.c.GetU16(src)
			if err != nil {
				s.setResp("E01")
				return
			}
			s.send.putHexU16(v)
			src += 2
			length -= 2
		case length == 4:
			v, err := s.c.GetU32(src)
			if err != nil {
				s.setResp("E01")
				return
			}
			s.send.putHexU32(v)
			src += 4
			length -= 4
		case src&3 == 0 && length >= 4:
			chunk := length &^ 3
			if chunk > 1024 {
				chunk = 1024
			}
			words, err := s.c.GetBlockAligned(src, int(chunk/4))
			if err != nil {
				s.setResp("E01")
				return
			}
			for _, w := range words {
				s.send.putHexU32(w)
			}
			src += chunk
			length -= chunk
		default:
			v, err := s.c.GetU8(src)
			if err != nil {
				s.setResp("E01")
				return
			}
			s.send.putHexU8(v)
			src++
			length--
		}
	}
	s.sendValid = true
}

func (s *Server) handleWriteMem(c *cursor) {
	dst := c.takeHex()
	c.expect(',')
	length := c.takeHex()
	c.expect(':')
	if c.err {
		s.setRespEmpty()
		return
	}

	for length > 0 {
		if dst&3 == 0 && length >= 4 {
			chunk := length &^ 3
			if chunk > 1024 {
				chunk = 1024
			}
			words := make([]uint32, chunk/4)
			for i := range words {
				words[i] = c.takeHexDigits(8)
			}
			if err := s.c.SetBlockAligned(dst, words); err != nil {
				s.setResp("E01")
				return
			}
			dst += chunk
			length -= chunk
		} else {
			v := uint8(c.takeHexDigits(2))
			if err := s.c.SetU8(dst, v); err != nil {
				s.setResp("E01")
				return
			}
			dst++
			length--
		}
	}

	if c.err {
		s.setResp("E01")
	} else {
		s.setResp("OK")
	}
}

func (s *Server) handleReadReg(c *cursor) {
	gpr := int(c.takeHex())
	if c.err {
		s.setRespEmpty()
		return
	}
	v, err := s.c.GetGPR(gpr)
	if err != nil {
		s.setResp("E01")
		return
	}
	s.send.reset()
	s.send.putHexU32(v)
	s.sendValid = true
}

func (s *Server) handleWriteReg(c *cursor) {
	gpr := int(c.takeHex())
	c.expect('=')
	// The value arrives in target byte order, least-significant byte first,
	// the same order 'p' and 'g' reply in.
	raw := c.takeHexDigits(8)
	v := raw>>24 | (raw>>8)&0xFF00 | (raw<<8)&0xFF0000 | raw<<24
	if c.err {
		s.setRespEmpty()
		return
	}
	if err := s.c.SetGPR(gpr, v); err != nil {
		s.setResp("E01")
		return
	}
	s.setResp("OK")
}

func (s *Server) handleStep() {
	s.c.Step()
	s.setResp("T05")
}

func (s *Server) handleRestart() { s.setRespEmpty() }

func (s *Server) handleQuery(c *cursor) {
	switch {
	case c.matchPrefix("Attached"):
		s.setResp("1")
	case c.matchPrefix("C"):
		s.setResp("QC1")
	case c.matchPrefix("fThreadInfo"):
		s.setResp("m1")
	case c.matchPrefix("sThreadInfo"):
		s.setResp("l")
	case c.matchPrefix("Supported"):
		s.setResp("PacketSize=32768;qXfer:memory-map:read+")
	case c.matchPrefix("Xfer:memory-map:read::"):
		offset := c.takeHex()
		c.expect(',')
		c.takeHex() // length: this probe always returns the whole map in one reply
		if c.err {
			s.setResp("E00")
			return
		}
		if int(offset) >= len(memoryMap) {
			s.setResp("l")
			return
		}
		s.send.reset()
		s.send.putByte('l')
		s.send.putString(memoryMap[offset:])
		s.sendValid = true
	case c.matchPrefix("Rcmd,"):
		s.handleMonitor(c)
	default:
		s.setRespEmpty()
	}
}

// handleMonitor decodes a "qRcmd" payload, which arrives as an ASCII
// command hex-encoded byte by byte.
func (s *Server) handleMonitor(c *cursor) {
	var cmd []byte
	for !c.atEnd() {
		b := uint8(c.takeHexDigits(2))
		if c.err {
			break
		}
		cmd = append(cmd, b)
	}
	if string(cmd) == "reset" {
		s.c.Reset()
		s.setResp("OK")
	}
}

func (s *Server) handleV(c *cursor) {
	switch {
	case c.matchPrefix("Flash"):
		s.handleVFlash(c)
	case c.matchPrefix("Kill"):
		s.c.Reset()
		s.setResp("OK")
	case c.matchPrefix("MustReplyEmpty"):
		s.setRespEmpty()
	default:
		s.setRespEmpty()
	}
}

func (s *Server) handleVFlash(c *cursor) {
	switch {
	case c.matchPrefix("Write"):
		c.expect(':')
		addr := c.takeHex()
		c.expect(':')
		for !c.atEnd() {
			s.putFlashCache(addr, c.take())
			addr++
		}
		s.setResp("OK")
	case c.matchPrefix("Done"):
		if err := s.flushFlashCache(); err != nil {
			s.setResp("E01")
			return
		}
		s.setResp("OK")
	case c.matchPrefix("Erase"):
		c.expect(':')
		addr := c.takeHex()
		c.expect(',')
		size := c.takeHex()
		if c.err {
			s.setResp("E00")
			return
		}
		if err := s.flashErase(addr, size); err != nil {
			s.setResp("E00")
			return
		}
		s.setResp("OK")
	default:
		s.setRespEmpty()
	}
}

func (s *Server) handleBreakClear(c *cursor) {
	c.expect(',')
	addr := c.takeHex()
	c.expect(',')
	kind := c.takeHex()
	s.brk.Clear(addr, int(kind))
	s.setResp("OK")
}

func (s *Server) handleBreakSet(c *cursor) {
	c.expect(',')
	addr := c.takeHex()
	c.expect(',')
	kind := c.takeHex()
	s.brk.Set(addr, int(kind))
	s.setResp("OK")
}

// ---------------------------------------------------------------------------
// flash erase / write caching (vFlash*)

func (s *Server) flashErase(addr, size uint32) error {
	if addr%dm.PageSize != 0 || size%dm.PageSize != 0 {
		return fmt.Errorf("vFlashErase: misaligned addr=%#x size=%#x", addr, size)
	}

	if err := s.fl.Unlock(); err != nil {
		return err
	}
	if err := s.fl.UnlockFast(); err != nil {
		return err
	}

	addr += dm.FlashBase
	for size > 0 {
		switch {
		case addr == dm.FlashBase && size == dm.FlashSize:
			if err := s.fl.EraseChip(); err != nil {
				return err
			}
			addr += size
			size = 0
		case addr%dm.SectorSize == 0 && size >= dm.SectorSize:
			if err := s.fl.EraseSector(addr); err != nil {
				return err
			}
			addr += dm.SectorSize
			size -= dm.SectorSize
		case addr%dm.PageSize == 0 && size >= dm.PageSize:
			if err := s.fl.ErasePage(addr); err != nil {
				return err
			}
			addr += dm.PageSize
			size -= dm.PageSize
		default:
			return fmt.Errorf("vFlashErase: addr=%#x size=%#x doesn't reduce to whole pages", addr, size)
		}
	}
	return nil
}

// putFlashCache buffers one byte of a vFlashWrite payload, flushing the
// previous page first if addr belongs to a different page.
func (s *Server) putFlashCache(addr uint32, data byte) {
	offset := int(addr % dm.PageSize)
	base := int(addr) - offset

	if s.pageBase != base {
		if s.pageBitmap != 0 {
			s.flushFlashCache()
		}
		s.pageBase = base
	}

	if s.pageBitmap&(1<<uint(offset)) == 0 {
		s.pageCache[offset] = data
		s.pageBitmap |= 1 << uint(offset)
	}
}

// flushFlashCache erases and reprograms the currently cached page, leaving
// untouched bytes as 0xFF (erased-flash value).
func (s *Server) flushFlashCache() error {
	if s.pageBase == -1 {
		return nil
	}
	if s.pageBitmap == 0 {
		s.clearFlashCache()
		return nil
	}

	words := make([]uint32, dm.PageWords)
	for i := range words {
		b0, b1, b2, b3 := s.pageCache[i*4], s.pageCache[i*4+1], s.pageCache[i*4+2], s.pageCache[i*4+3]
		words[i] = uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24
	}

	base := dm.FlashBase + uint32(s.pageBase)
	if err := s.fl.ErasePage(base); err != nil {
		return err
	}
	if err := s.fl.WritePages(base, words); err != nil {
		return err
	}

	s.clearFlashCache()
	return nil
}

func (s *Server) clearFlashCache() {
	s.pageBitmap = 0
	s.pageBase = -1
	for i := range s.pageCache {
		s.pageCache[i] = 0xFF
	}
}
