// Package xmodem implements an XMODEM-1K firmware receiver: a byte-at-a-
// time FSM that accepts 1024- or 128-byte blocks, verifies them with a
// software CRC-16/CCITT, and streams accepted blocks straight into target
// flash through a flash.Controller.
//
// A hardware DMA CRC sniffer has no equivalent in this implementation; a
// software CRC-16 walks the same polynomial and produces the identical
// result, just without the hardware assist.
package xmodem

import (
	"encoding/binary"
	"time"

	"github.com/gadefox/ch32dbg-go/internal/dm"
	"github.com/gadefox/ch32dbg-go/internal/flash"
	"github.com/gadefox/ch32dbg-go/internal/transport"
)

type state int

const (
	stateDisconnected state = iota
	stateSendCRC
	stateRecvHeader
	stateRecvBlk
	stateRecvBlkInv
	stateRecvData
	stateRecvCRC1
	stateRecvCRC2
	stateValidate
	stateCancel
	stateDone
)

// Byte framing constants.
const (
	SOH byte = 0x01
	STX byte = 0x02
	EOT byte = 0x04
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18
)

const (
	maxRetries      = 10
	requestInterval = 3 * time.Second
)

// Receiver drives the XMODEM-1K upload FSM. A Receiver is single-use: once
// a transfer completes or is cancelled, Active reports false and the probe
// should leave XMODEM mode.
type Receiver struct {
	f   *flash.Controller
	led transport.LED

	st state

	blkIdx, blkInv, blkCur uint8

	data     [1024]byte
	dataIdx  int
	dataSize int
	crc      uint16

	retryCount  int
	dstAddr     uint32
	lastRequest time.Time

	active bool
}

// NewReceiver builds a Receiver bound to the flash controller it streams
// accepted blocks into and the LED it reports status through.
func NewReceiver(f *flash.Controller, led transport.LED) *Receiver {
	return &Receiver{f: f, led: led}
}

// Start arms the receiver for a new transfer, entering stateDisconnected.
// The first tick moves to SEND_CRC and, if it carries a byte, handles that
// byte there, so a leading SOH/STX starts the first block at once; ticks
// without a header byte send the 'C' requests.
func (r *Receiver) Start() {
	r.st = stateDisconnected
	r.active = true
	r.retryCount = 0
	r.lastRequest = time.Time{}
}

// Active reports whether the receiver still owns the wire.
func (r *Receiver) Active() bool { return r.active }

// Tick advances the FSM by at most one input byte and produces at most one
// output byte, matching the probe's one-byte-per-tick cooperative scheduler.
func (r *Receiver) Tick(connected, haveByte bool, in byte) (out byte, hasOut bool) {
	if !connected {
		r.st = stateDisconnected
		r.active = false
		return 0, false
	}

	switch r.st {
	case stateDisconnected:
		r.retryCount = 0
		r.st = stateSendCRC
		if !haveByte {
			break
		}
		fallthrough

	case stateSendCRC:
		ret := r.start(haveByte, in)
		switch ret {
		case startHeader:
			r.beginBlock()
		case startCancel:
			return CAN, true
		case startWait:
			if sig, ok := r.sendRequest(); ok {
				return sig, true
			}
		}

	case stateRecvBlk:
		if haveByte {
			r.blkIdx = in
			r.st = stateRecvBlkInv
		}

	case stateRecvBlkInv:
		if haveByte {
			r.blkInv = in
			r.st = stateRecvData
		}

	case stateRecvData:
		if haveByte {
			r.data[r.dataIdx] = in
			r.dataIdx++
			if r.dataIdx >= r.dataSize {
				r.st = stateRecvCRC1
			}
		}

	case stateRecvCRC1:
		if haveByte {
			r.crc = uint16(in) << 8
			r.st = stateRecvCRC2
		}

	case stateRecvCRC2:
		if haveByte {
			r.crc |= uint16(in)
			r.st = stateValidate
		}

	case stateValidate:
		return r.handleBlock(), true

	case stateRecvHeader:
		if !haveByte {
			break
		}
		if in == SOH || in == STX {
			r.dataSize = blockSize(in)
			r.beginBlock()
			break
		}
		if in == EOT {
			r.led.SetColor("green")
			r.st = stateDone
			return ACK, true
		}

	case stateCancel:
		r.active = false
		r.st = stateDisconnected
		return CAN, true

	case stateDone:
		r.active = false
		r.st = stateDisconnected
		return 0, false
	}

	return 0, false
}

func blockSize(header byte) int {
	if header == SOH {
		return 128
	}
	return 1024
}

func (r *Receiver) beginBlock() {
	r.blkIdx = 0
	r.blkInv = 0
	r.dataIdx = 0
	r.crc = 0
	r.st = stateRecvBlk
}

type startResult int

const (
	startWait startResult = iota
	startHeader
	startCancel
)

// start mirrors xmodem_start: recognizes the leading SOH/STX, checks that
// fast programming isn't locked, and resets the destination pointer.
func (r *Receiver) start(haveByte bool, in byte) startResult {
	if !haveByte {
		return startWait
	}
	if in != SOH && in != STX {
		return startWait
	}

	locked, err := r.f.FastLocked()
	if err != nil || locked {
		r.led.SetColor("magenta")
		r.st = stateCancel
		return startCancel
	}

	r.dataSize = blockSize(in)
	r.dstAddr = dm.FlashBase
	r.blkCur = 0
	return startHeader
}

// sendRequest re-sends the 'C' transfer-start request every requestInterval,
// up to maxRetries, then cancels.
func (r *Receiver) sendRequest() (byte, bool) {
	now := time.Now()
	if !r.lastRequest.IsZero() && now.Sub(r.lastRequest) < requestInterval {
		return 0, false
	}

	r.retryCount++
	if r.retryCount > maxRetries {
		r.led.SetColor("blue")
		r.st = stateCancel
		return 0, false
	}

	r.lastRequest = now
	return 'C', true
}

// validate checks the header integrity byte, the CRC, and the expected
// block sequence. Returns 1 for the next expected block, -1 for a duplicate
// (sender retransmitting after a lost ACK), 0 for anything else.
func (r *Receiver) validate() int {
	if r.blkIdx+r.blkInv != 0xFF {
		return 0
	}
	if crc16(r.data[:r.dataSize]) != r.crc {
		return 0
	}
	if r.blkIdx == r.blkCur {
		return -1
	}
	if r.blkIdx == r.blkCur+1 {
		return 1
	}
	return 0
}

func (r *Receiver) handleBlock() byte {
	switch r.validate() {
	case 1:
		if err := r.eraseWriteVerify(); err != nil {
			r.led.SetColor("cyan")
			r.st = stateCancel
			return CAN
		}
		r.blkCur++
		r.st = stateRecvHeader
		return ACK
	case -1:
		r.st = stateRecvHeader
		return ACK
	default:
		r.retryCount++
		if r.retryCount >= maxRetries {
			r.led.SetColor("red")
			r.st = stateCancel
			return CAN
		}
		r.st = stateRecvHeader
		return NAK
	}
}

// eraseWriteVerify erases the destination region (one sector for a 1K
// block, two pages for a 128-byte block), streams the block into flash,
// verifies it, and advances dstAddr.
func (r *Receiver) eraseWriteVerify() error {
	var wordCount int
	if r.dataSize == 1024 {
		if err := r.f.EraseSector(r.dstAddr); err != nil {
			return err
		}
		wordCount = dm.SectorSize / 4
	} else {
		if err := r.f.ErasePage(r.dstAddr); err != nil {
			return err
		}
		if err := r.f.ErasePage(r.dstAddr + dm.PageSize); err != nil {
			return err
		}
		wordCount = (dm.PageSize / 4) * 2
	}

	words := make([]uint32, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(r.data[i*4:])
	}
	if err := r.f.WritePages(r.dstAddr, words); err != nil {
		return err
	}
	if err := r.f.Verify(r.dstAddr, words); err != nil {
		return err
	}

	r.dstAddr += uint32(wordCount) * 4
	return nil
}

// crc16 computes the CRC-16/CCITT (poly 0x1021, init 0) used by XMODEM-1K,
// in software: the target side of this protocol only ever had a DMA
// sniffer compute it, which has no analogue here.
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
