package wire

import (
	"errors"
	"io"
	"net"

	"github.com/opencis/opencis-core/pkg"
)

// maxPayloadLength bounds a single packet so a corrupt length field cannot
// force an unbounded allocation. Every defined packet (the largest being a
// CXL.mem RwD/DRS with a 64-byte cacheline) fits comfortably under this.
const maxPayloadLength = 1 << 12

// Conn wraps a full-duplex byte stream as a sequence of [Packet] values
// (spec.md §4.B). ReadPacket performs the two-phase read: one system-header
// worth of bytes, then payload_length-HeaderSize more, then hands the
// buffer to [Decode].
type Conn struct {
	rwc   io.ReadWriteCloser
	label string
}

// NewConn wraps rwc (typically a *net.TCPConn) as a framed packet
// connection.
func NewConn(rwc io.ReadWriteCloser, label string) *Conn {
	return &Conn{rwc: rwc, label: label}
}

// ReadPacket reads and decodes exactly one packet. A zero-byte read or any
// I/O error is treated as a disconnect: the error is wrapped so callers can
// detect it with [IsDisconnect].
func (c *Conn) ReadPacket() (Packet, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.rwc, hdr); err != nil {
		return nil, c.disconnectErr(err)
	}
	sh, err := DecodeSystemHeader(hdr)
	if err != nil {
		return nil, err
	}
	if sh.PayloadLength < HeaderSize || sh.PayloadLength > maxPayloadLength {
		return nil, pkg.ErrMalformedPacket
	}

	buf := make([]byte, sh.PayloadLength)
	copy(buf, hdr)
	if _, err := io.ReadFull(c.rwc, buf[HeaderSize:]); err != nil {
		return nil, c.disconnectErr(err)
	}

	p, err := Decode(buf)
	if err != nil {
		pkg.LogWarn(pkg.ComponentWire, "dropping malformed packet", "conn", c.label, "err", err)
		return nil, err
	}
	return p, nil
}

// WritePacket encodes and writes p in a single call, so a partial write
// from a concurrent reset can never interleave two packets.
func (c *Conn) WritePacket(p Packet) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = c.rwc.Write(buf)
	if err != nil {
		return c.disconnectErr(err)
	}
	return nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// disconnectErr wraps err so that a zero-byte read (io.EOF) and any other
// I/O error are both reported uniformly as disconnects (spec.md §4.B).
func (c *Conn) disconnectErr(err error) error {
	return &disconnectError{cause: err}
}

type disconnectError struct {
	cause error
}

func (e *disconnectError) Error() string { return "connection disconnected: " + e.cause.Error() }
func (e *disconnectError) Unwrap() error { return e.cause }

// IsDisconnect reports whether err (as returned from ReadPacket/WritePacket)
// represents a closed or broken connection.
func IsDisconnect(err error) bool {
	var d *disconnectError
	if errors.As(err, &d) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
