package transport

import (
	"io"
	"net"
	"strconv"

	"github.com/charmbracelet/log"
	"go.bug.st/serial"
)

// Bridge relays raw bytes between a TCP listener and a serial port, so the
// probe's GDB server, console, and XMODEM FSMs can be driven from a host
// without real USB hardware attached: point cmd/serve at the serial side
// (the emulated target) and a GDB client or console session at the TCP
// side. Unlike a request/response protocol bridge, this one never parses
// the stream — the probe's own framing (RSP packets, XMODEM blocks, console
// lines) rides over it untouched.
type Bridge struct {
	tcpHost    string
	tcpPort    int
	serialPort string
	baudRate   int
}

// NewBridge creates a new TCP-to-serial byte relay.
func NewBridge(tcpHost string, tcpPort int, serialPort string, baudRate int) *Bridge {
	return &Bridge{
		tcpHost:    tcpHost,
		tcpPort:    tcpPort,
		serialPort: serialPort,
		baudRate:   baudRate,
	}
}

// Listen starts the TCP server and pumps bytes to and from the serial port.
// Only one TCP client is served at a time: the serial port underneath is a
// single physical (or emulated) target, so concurrent clients would
// interleave their streams on the wire.
func (b *Bridge) Listen() error {
	addr := net.JoinHostPort(b.tcpHost, strconv.Itoa(b.tcpPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()

	log.Info("bridge listening", "addr", addr, "serial", b.serialPort)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error("bridge accept failed", "err", err)
			continue
		}
		log.Info("bridge client connected", "remote", conn.RemoteAddr())
		b.handleConnection(conn)
	}
}

// handleConnection pumps bytes between tcpConn and the serial port until
// either side closes.
func (b *Bridge) handleConnection(tcpConn net.Conn) {
	defer tcpConn.Close()

	mode := &serial.Mode{BaudRate: b.baudRate}
	port, err := serial.Open(b.serialPort, mode)
	if err != nil {
		log.Error("bridge failed to open serial port", "port", b.serialPort, "err", err)
		return
	}
	defer port.Close()

	done := make(chan struct{}, 2)

	go func() {
		io.Copy(port, tcpConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(tcpConn, port)
		done <- struct{}{}
	}()

	<-done
	log.Info("bridge client disconnected", "remote", tcpConn.RemoteAddr())
}
