package wire

import (
	"encoding/binary"

	"github.com/opencis/opencis-core/pkg"
)

// PayloadType discriminates the sublayer carried after the system header.
type PayloadType uint16

// Payload type values. Numeric codes are this module's own wire convention
// (spec.md does not pin these down, only the header's byte width and field
// order), kept stable so that encode/decode round-trips byte-for-byte.
const (
	PayloadCXLIO PayloadType = iota + 1
	PayloadCXLMem
	PayloadCXLCache
	PayloadCCI
	PayloadSideband
)

// String returns a human-readable payload type name.
func (p PayloadType) String() string {
	switch p {
	case PayloadCXLIO:
		return "cxl.io"
	case PayloadCXLMem:
		return "cxl.mem"
	case PayloadCXLCache:
		return "cxl.cache"
	case PayloadCCI:
		return "cci"
	case PayloadSideband:
		return "sideband"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed width of the system header in bytes: 2-byte
// payload_type, 2-byte payload_length (spec.md §6).
const HeaderSize = 4

// SystemHeader is the 4-byte, little-endian envelope prefixed to every
// on-the-wire packet (spec.md §3).
type SystemHeader struct {
	PayloadType   PayloadType
	PayloadLength uint16 // total encoded length of the packet, header included
}

// Encode writes the system header to the first HeaderSize bytes of buf,
// which must be at least that long.
func (h SystemHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.PayloadType))
	binary.LittleEndian.PutUint16(buf[2:4], h.PayloadLength)
}

// DecodeSystemHeader parses the first HeaderSize bytes of buf.
func DecodeSystemHeader(buf []byte) (SystemHeader, error) {
	if len(buf) < HeaderSize {
		return SystemHeader{}, pkg.ErrMalformedPacket
	}
	return SystemHeader{
		PayloadType:   PayloadType(binary.LittleEndian.Uint16(buf[0:2])),
		PayloadLength: binary.LittleEndian.Uint16(buf[2:4]),
	}, nil
}

// Packet is implemented by every sublayer packet type.
type Packet interface {
	// PayloadType identifies which sublayer decoder produced this packet.
	PayloadType() PayloadType

	// Encode serializes the full packet, system header included, returning
	// exactly PayloadLength() bytes.
	Encode() ([]byte, error)

	// PayloadLength is the total encoded size of the packet in bytes,
	// header included — the value that belongs in the system header.
	PayloadLength() uint16
}
