package transport

import (
	"fmt"
	"time"

	"github.com/gadefox/ch32dbg-go/internal/config"
	"go.bug.st/serial"
)

// SerialStream implements ByteStream over a real serial port: the USB-CDC
// endpoint the probe enumerates as on the host.
type SerialStream struct {
	port   serial.Port
	config *config.Config
}

// NewSerialStream creates a serial stream with the given configuration.
func NewSerialStream(cfg *config.Config) *SerialStream {
	return &SerialStream{config: cfg}
}

// Open establishes a serial connection to the specified port.
func (s *SerialStream) Open(portName string) error {
	if s.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		s.config = cfg
	}

	mode := &serial.Mode{
		BaudRate: s.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		if port != nil {
			port.Close()
		}
		port, err = serial.Open(portName, mode)
		if err != nil {
			return fmt.Errorf("failed to open serial port %s: %w", portName, err)
		}
	}

	timeout := time.Duration(s.config.TimeoutSeconds) * time.Second
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.port = port
	return nil
}

// Close closes the serial connection.
func (s *SerialStream) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

// IsOpen returns true if the connection is currently open.
func (s *SerialStream) IsOpen() bool {
	return s.port != nil
}

// Read reads exactly n bytes from the serial port.
func (s *SerialStream) Read(n int) ([]byte, error) {
	if s.port == nil {
		return nil, fmt.Errorf("serial port not open")
	}

	buf := make([]byte, n)
	totalRead := 0

	for totalRead < n {
		bytesRead, err := s.port.Read(buf[totalRead:])
		if err != nil {
			return nil, fmt.Errorf("serial read error: %w", err)
		}
		if bytesRead == 0 {
			if totalRead == 0 {
				return nil, ErrNoData
			}
			return nil, fmt.Errorf("serial read timeout (expected %d bytes, got %d)", n, totalRead)
		}
		totalRead += bytesRead
	}

	return buf, nil
}

// Write writes all data to the serial port.
func (s *SerialStream) Write(data []byte) (int, error) {
	if s.port == nil {
		return 0, fmt.Errorf("serial port not open")
	}

	totalWritten := 0
	for totalWritten < len(data) {
		n, err := s.port.Write(data[totalWritten:])
		if err != nil {
			return totalWritten, fmt.Errorf("serial write error: %w", err)
		}
		totalWritten += n
	}

	return totalWritten, nil
}

// SetConfig updates the configuration used on the next Open.
func (s *SerialStream) SetConfig(cfg *config.Config) {
	s.config = cfg
}

// SetPollTimeout overrides the port's read deadline. SerialUSB calls this
// once after Open to switch from the command-level timeout used for
// request/response config flows to the short poll interval its
// one-byte-per-tick loop needs.
func (s *SerialStream) SetPollTimeout(d time.Duration) error {
	if s.port == nil {
		return fmt.Errorf("serial port not open")
	}
	return s.port.SetReadTimeout(d)
}
