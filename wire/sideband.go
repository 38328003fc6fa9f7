package wire

import (
	"encoding/binary"

	"github.com/opencis/opencis-core/pkg"
)

// SidebandKind discriminates the four sideband packet shapes (spec.md §3).
type SidebandKind uint8

// SidebandKind values.
const (
	SidebandConnectionRequest SidebandKind = iota
	SidebandConnectionAccept
	SidebandConnectionReject
	SidebandConnectionDisconnected
)

// sidebandHeaderSize is the fixed width, in bytes, of the sideband
// sublayer header: kind(1) + reserved(1) + port_index(2).
const sidebandHeaderSize = 4

// SidebandPacket carries the connection handshake and the disconnect
// notification (spec.md §4.B/§4.C).
type SidebandPacket struct {
	Kind      SidebandKind
	PortIndex uint16 // connection_request only
}

// PayloadType implements Packet.
func (p *SidebandPacket) PayloadType() PayloadType { return PayloadSideband }

// PayloadLength implements Packet.
func (p *SidebandPacket) PayloadLength() uint16 {
	return uint16(HeaderSize + sidebandHeaderSize)
}

// Encode implements Packet.
func (p *SidebandPacket) Encode() ([]byte, error) {
	total := int(p.PayloadLength())
	buf := make([]byte, total)
	SystemHeader{PayloadType: PayloadSideband, PayloadLength: uint16(total)}.Encode(buf)

	h := buf[HeaderSize:]
	h[0] = byte(p.Kind)
	binary.LittleEndian.PutUint16(h[2:4], p.PortIndex)
	return buf, nil
}

// decodeSideband decodes the sideband sublayer payload following the
// system header.
func decodeSideband(sh SystemHeader, payload []byte) (*SidebandPacket, error) {
	if len(payload) < sidebandHeaderSize {
		return nil, pkg.ErrMalformedPacket
	}
	h := payload
	p := &SidebandPacket{
		Kind:      SidebandKind(h[0]),
		PortIndex: binary.LittleEndian.Uint16(h[2:4]),
	}
	switch p.Kind {
	case SidebandConnectionRequest, SidebandConnectionAccept,
		SidebandConnectionReject, SidebandConnectionDisconnected:
	default:
		return nil, pkg.ErrMalformedPacket
	}
	_ = sh
	return p, nil
}

// NewConnectionRequest builds the handshake packet a connecting peer sends
// first, naming the switch port it wants to occupy.
func NewConnectionRequest(portIndex uint16) *SidebandPacket {
	return &SidebandPacket{Kind: SidebandConnectionRequest, PortIndex: portIndex}
}

// NewConnectionAccept builds the handshake reply accepting a port request.
func NewConnectionAccept() *SidebandPacket {
	return &SidebandPacket{Kind: SidebandConnectionAccept}
}

// NewConnectionReject builds the handshake reply rejecting a port request
// (out of range, or the port is already occupied).
func NewConnectionReject() *SidebandPacket {
	return &SidebandPacket{Kind: SidebandConnectionReject}
}

// NewConnectionDisconnected builds the connection-disconnected notification.
// [Conn] does not produce it: ReadPacket reports a disconnect as an error
// (see [IsDisconnect]) and no packet is synthesised.
func NewConnectionDisconnected() *SidebandPacket {
	return &SidebandPacket{Kind: SidebandConnectionDisconnected}
}
