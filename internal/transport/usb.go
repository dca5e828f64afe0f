package transport

import (
	"errors"
	"time"
)

// pollTimeout is how long SerialUSB waits for a byte on each ReadByte call.
// Short enough to keep the outer loop responsive to the reset button and
// disconnect detection, long enough not to spin the host CPU.
const pollTimeout = 2 * time.Millisecond

// pollTimeoutSetter is implemented by the ByteStream backends that need an
// explicit short read deadline instead of the command-level timeout used
// for config-driven request/response flows.
type pollTimeoutSetter interface {
	SetPollTimeout(d time.Duration) error
}

// SerialUSB adapts a ByteStream (a real serial port, or a TCP socket to
// Bridge for bring-up without hardware) into the USB interface the probe's
// outer loop drives one byte at a time.
type SerialUSB struct {
	stream ByteStream
	port   string
}

// NewSerialUSB wraps an unopened ByteStream bound to the given port or
// address string (see NewByteStream).
func NewSerialUSB(stream ByteStream, port string) *SerialUSB {
	return &SerialUSB{stream: stream, port: port}
}

// Open establishes the underlying connection and switches it to
// short-poll mode.
func (u *SerialUSB) Open() error {
	if err := u.stream.Open(u.port); err != nil {
		return err
	}
	if s, ok := u.stream.(pollTimeoutSetter); ok {
		return s.SetPollTimeout(pollTimeout)
	}
	return nil
}

// Close tears down the underlying connection.
func (u *SerialUSB) Close() error {
	return u.stream.Close()
}

// ReadByte returns the next byte, if one arrived since the last call. A
// poll timeout (nothing pending yet) reports ok=false rather than an
// error: the outer loop ticks continuously whether or not the host has
// anything to say this cycle.
func (u *SerialUSB) ReadByte() (byte, bool, error) {
	if !u.stream.IsOpen() {
		return 0, false, nil
	}
	buf, err := u.stream.Read(1)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return buf[0], true, nil
}

// WriteByte transmits a single byte to the host.
func (u *SerialUSB) WriteByte(b byte) error {
	if !u.stream.IsOpen() {
		return nil
	}
	_, err := u.stream.Write([]byte{b})
	return err
}

// Connected reports whether the underlying stream is open.
func (u *SerialUSB) Connected() bool { return u.stream.IsOpen() }
