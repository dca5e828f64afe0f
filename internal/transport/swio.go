package transport

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Single-wire PHY wire framing: a sync byte, a small fixed header, and a
// trailing XOR LRC. The real PHY's bit-banging and pulse timing stay on the
// hardware side of this link; this just carries the get(reg)->u32 /
// put(reg,u32) exchange as a binary request/response pair, over anything
// behaving like a ByteStream (a second serial port to a SWIO-speaking
// bridge MCU, or a loopback TCP socket in bring-up).
const (
	swioRequestSync  byte = 0x55
	swioResponseSync byte = 0xAA

	swioOpGet   byte = 0
	swioOpPut   byte = 1
	swioOpPulse byte = 2

	swioStatusOK byte = 0
)

// SerialSWIO implements transport.SWIO over a ByteStream carrying the
// framing above.
type SerialSWIO struct {
	stream ByteStream
	port   string
}

// NewSerialSWIO wraps an unopened ByteStream bound to the given port or
// address string (see NewByteStream).
func NewSerialSWIO(stream ByteStream, port string) *SerialSWIO {
	return &SerialSWIO{stream: stream, port: port}
}

// Open establishes the underlying connection.
func (s *SerialSWIO) Open() error { return s.stream.Open(s.port) }

// Close tears down the underlying connection.
func (s *SerialSWIO) Close() error { return s.stream.Close() }

func lrc(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}

func (s *SerialSWIO) transfer(op, reg byte, value uint32) (uint32, error) {
	req := make([]byte, 8)
	req[0] = swioRequestSync
	req[1] = op
	req[2] = reg
	binary.BigEndian.PutUint32(req[3:7], value)
	req[7] = lrc(req[:7])

	if _, err := s.stream.Write(req); err != nil {
		return 0, fmt.Errorf("swio write failed: %w", err)
	}

	resp, err := s.stream.Read(7)
	if err != nil {
		return 0, fmt.Errorf("swio read failed: %w", err)
	}
	if resp[0] != swioResponseSync {
		return 0, fmt.Errorf("swio response out of sync: got %#02x", resp[0])
	}
	if lrc(resp[:6]) != resp[6] {
		return 0, fmt.Errorf("swio response checksum mismatch")
	}
	if resp[1] != swioStatusOK {
		return 0, fmt.Errorf("swio transaction failed: status %#02x", resp[1])
	}
	return binary.BigEndian.Uint32(resp[2:6]), nil
}

// Get performs a blocking single-wire read transaction for register reg.
func (s *SerialSWIO) Get(reg uint8) (uint32, error) {
	return s.transfer(swioOpGet, reg, 0)
}

// Put performs a blocking single-wire write transaction for register reg.
func (s *SerialSWIO) Put(reg uint8, value uint32) error {
	_, err := s.transfer(swioOpPut, reg, value)
	return err
}

// Pulse drives the single-wire line low for the chip's required reset
// pulse width, then releases it.
func (s *SerialSWIO) Pulse(_ context.Context) error {
	_, err := s.transfer(swioOpPulse, 0, 0)
	return err
}
