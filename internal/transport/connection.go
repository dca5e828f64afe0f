package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoData is returned by a ByteStream's Read when no byte arrived before
// its poll deadline elapsed, distinguishing "nothing to read yet" from a
// broken connection.
var ErrNoData = errors.New("transport: no data available")

// ByteStream is the host-side byte pipe to the probe's USB-CDC port: either
// a real serial device or, for bring-up without hardware, a TCP socket
// talking to Bridge. It is the transport cmd/serve opens to run the probe
// against something the GDB server, console, and XMODEM FSMs can actually
// see bytes on.
type ByteStream interface {
	// Open establishes the connection.
	Open(port string) error

	// Close terminates the connection.
	Close() error

	// IsOpen returns true if the connection is currently open.
	IsOpen() bool

	// Read reads exactly n bytes from the connection. Returns an error if
	// fewer bytes become available before the stream's read deadline.
	Read(n int) ([]byte, error)

	// Write writes all data to the connection.
	Write(data []byte) (int, error)
}

// NewByteStream creates the appropriate ByteStream based on the port
// string: a TCP connection if it contains ':' (e.g. "localhost:2560"),
// otherwise a serial port (e.g. "COM3", "/dev/ttyACM0").
func NewByteStream(port string) ByteStream {
	if strings.Contains(port, ":") {
		return &TCPStream{}
	}
	return &SerialStream{}
}

// ValidatePort performs basic validation on a port string.
func ValidatePort(port string) error {
	if port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	return nil
}
