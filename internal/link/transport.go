package link

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// NoTimeout disables the read timeout: later receiver states drain
// whatever is available without timing out, since a frame in progress is
// expected to complete promptly at 115200 bps (spec.md §4.5).
const NoTimeout time.Duration = -1

// Transport abstracts the physical link, split the same way
// internal/ecu/provider.go's Provider splits I/O from parsing: a frame
// receiver only needs Read/Write plus a settable read timeout.
type Transport interface {
	io.Reader
	io.Writer
	SetReadTimeout(timeout time.Duration) error
}

// SerialTransport wraps go.bug.st/serial, configured identically to
// internal/ecu/speeduino.go's Connect: 115200 8N1.
type SerialTransport struct {
	port serial.Port
}

// OpenSerial opens path at baud (0 defaults to 115200) as a Transport.
func OpenSerial(path string, baud int) (*SerialTransport, error) {
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", path, err)
	}
	return &SerialTransport{port: port}, nil
}

func (s *SerialTransport) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *SerialTransport) SetReadTimeout(d time.Duration) error {
	if d == NoTimeout {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	return s.port.SetReadTimeout(d)
}

// Close releases the underlying serial port.
func (s *SerialTransport) Close() error { return s.port.Close() }

// netConnTransport adapts a net.Conn (used for in-memory loopback) to
// Transport.
type netConnTransport struct {
	conn net.Conn
}

func (c *netConnTransport) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *netConnTransport) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *netConnTransport) SetReadTimeout(d time.Duration) error {
	if d == NoTimeout {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *netConnTransport) Close() error { return c.conn.Close() }

// NewLoopback returns two connected in-memory transports for tests and
// --demo mode, the same role internal/ecu/demo.go's DemoProvider plays for
// the ECU data source: a substitutable backend selected by configuration,
// not a hidden test double.
func NewLoopback() (a, b Transport) {
	ca, cb := net.Pipe()
	return &netConnTransport{conn: ca}, &netConnTransport{conn: cb}
}
