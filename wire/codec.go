package wire

import "github.com/opencis/opencis-core/pkg"

// Decode performs the two-phase decode of spec.md §4.A: buf must hold
// exactly one system header followed by its sublayer payload (typically
// what a [Conn] read off the wire). The returned Packet is one of
// *CxlIoPacket, *CxlMemPacket, *CxlCachePacket, *CCIPacket, *SidebandPacket.
func Decode(buf []byte) (Packet, error) {
	sh, err := DecodeSystemHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(sh.PayloadLength) != len(buf) {
		return nil, pkg.ErrMalformedPacket
	}
	payload := buf[HeaderSize:]

	switch sh.PayloadType {
	case PayloadCXLIO:
		return decodeCxlIo(sh, payload)
	case PayloadCXLMem:
		return decodeCxlMem(sh, payload)
	case PayloadCXLCache:
		return decodeCxlCache(sh, payload)
	case PayloadCCI:
		return decodeCCI(sh, payload)
	case PayloadSideband:
		return decodeSideband(sh, payload)
	default:
		return nil, pkg.ErrMalformedPacket
	}
}

// Encode is a convenience wrapper around p.Encode() for callers that only
// hold the Packet interface.
func Encode(p Packet) ([]byte, error) {
	return p.Encode()
}
