package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// TCPStream implements ByteStream over a TCP socket, for bring-up against
// Bridge without the probe attached over real USB.
type TCPStream struct {
	conn        net.Conn
	isOpen      bool
	pollTimeout time.Duration
}

// Open establishes a TCP connection to the specified host:port
func (t *TCPStream) Open(port string) error {
	parts := strings.Split(port, ":")
	if len(parts) < 2 {
		return fmt.Errorf("invalid TCP address format (expected host:port): %s", port)
	}

	host := parts[0]
	tcpPort := parts[1]

	address := net.JoinHostPort(host, tcpPort)

	conn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	t.conn = conn
	t.isOpen = true
	return nil
}

// Close closes the TCP connection
func (t *TCPStream) Close() error {
	if t.conn == nil {
		return nil
	}
	t.isOpen = false
	return t.conn.Close()
}

// IsOpen returns true if the connection is currently open
func (t *TCPStream) IsOpen() bool {
	return t.isOpen
}

// SetPollTimeout sets the per-Read deadline. SerialUSB uses this to poll
// for a single byte without blocking the outer loop when Bridge has
// nothing queued.
func (t *TCPStream) SetPollTimeout(d time.Duration) error {
	t.pollTimeout = d
	return nil
}

// Read reads exactly n bytes from the TCP connection
func (t *TCPStream) Read(n int) ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("TCP connection not open")
	}

	buf := make([]byte, n)
	totalRead := 0

	for totalRead < n {
		if t.pollTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.pollTimeout))
		}
		bytesRead, err := t.conn.Read(buf[totalRead:])
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && totalRead == 0 {
				return nil, ErrNoData
			}
			return nil, fmt.Errorf("TCP read error: %w", err)
		}
		if bytesRead == 0 {
			return nil, fmt.Errorf("TCP connection closed")
		}
		totalRead += bytesRead
	}

	return buf, nil
}

// Write writes all data to the TCP connection
func (t *TCPStream) Write(data []byte) (int, error) {
	if t.conn == nil {
		return 0, fmt.Errorf("TCP connection not open")
	}

	totalWritten := 0
	for totalWritten < len(data) {
		n, err := t.conn.Write(data[totalWritten:])
		if err != nil {
			return totalWritten, fmt.Errorf("TCP write error: %w", err)
		}
		totalWritten += n
	}

	return totalWritten, nil
}
