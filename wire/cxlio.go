package wire

import (
	"encoding/binary"

	"github.com/opencis/opencis-core/pkg"
)

// FmtType discriminates a CXL.io TLP's routing rule and shape (spec.md §3).
type FmtType uint8

// FmtType values.
const (
	FmtCfgRd FmtType = iota // BDF-routed configuration read
	FmtCfgWr                // BDF-routed configuration write
	FmtMemRd                // address-routed memory/MMIO read
	FmtMemWr                // address-routed memory/MMIO write
	FmtCpl                  // completion, no data
	FmtCplD                 // completion with data
)

// String returns a human-readable fmt_type name.
func (f FmtType) String() string {
	switch f {
	case FmtCfgRd:
		return "CFG_RD"
	case FmtCfgWr:
		return "CFG_WR"
	case FmtMemRd:
		return "MEM_RD"
	case FmtMemWr:
		return "MEM_WR"
	case FmtCpl:
		return "CPL"
	case FmtCplD:
		return "CPL_D"
	default:
		return "UNKNOWN"
	}
}

// IsBDFRouted reports whether f is routed by bus/device/function rather than
// by address (spec.md §4.E).
func (f FmtType) IsBDFRouted() bool {
	return f == FmtCfgRd || f == FmtCfgWr
}

// CompletionStatus is the status field of a CXL.io completion.
type CompletionStatus uint8

// Completion status values.
const (
	CplStatusSuccess CompletionStatus = iota
	CplStatusUnsupportedRequest
)

// BDF is a PCI(e) Bus/Device/Function address.
type BDF struct {
	Bus      uint8
	Device   uint8 // 0..31
	Function uint8 // 0..7
}

// Encode packs the BDF into the 16-bit wire representation: bus(8) |
// device(5) | function(3).
func (b BDF) Encode() uint16 {
	return uint16(b.Bus)<<8 | uint16(b.Device&0x1F)<<3 | uint16(b.Function&0x7)
}

// DecodeBDF unpacks the 16-bit wire representation produced by Encode.
func DecodeBDF(v uint16) BDF {
	return BDF{
		Bus:      uint8(v >> 8),
		Device:   uint8((v >> 3) & 0x1F),
		Function: uint8(v & 0x7),
	}
}

// cxlIOHeaderSize is the fixed width, in bytes, of the CXL.io header that
// precedes any trailing write/completion data.
const cxlIOHeaderSize = 24

// CxlIoPacket is a CXL.io Transaction Layer Packet (spec.md §3). Only the
// fields relevant to FmtType are meaningful; the others are encoded as zero.
type CxlIoPacket struct {
	LdID          uint8   // MLD routing (TLP prefix)
	Type          FmtType // fmt_type
	TransactionID uint16  // pairs a request with its completion

	Target   BDF    // target BDF (CFG_RD/CFG_WR)
	Register uint16 // configuration space register offset (CFG_RD/CFG_WR)

	Address uint64 // byte address, bits 0-1 always zero (MEM_RD/MEM_WR)
	Length  uint16 // requested read length in bytes (MEM_RD)

	Completer BDF              // completer BDF (CPL/CPL_D)
	Status    CompletionStatus // completion status (CPL/CPL_D)
	ByteCount uint16           // completion byte count (CPL/CPL_D)

	Data []byte // write payload (MEM_WR/CFG_WR) or completion payload (CPL_D)
}

// PayloadType implements Packet.
func (p *CxlIoPacket) PayloadType() PayloadType { return PayloadCXLIO }

// PayloadLength implements Packet.
func (p *CxlIoPacket) PayloadLength() uint16 {
	return uint16(HeaderSize + cxlIOHeaderSize + len(p.Data))
}

// Encode implements Packet.
func (p *CxlIoPacket) Encode() ([]byte, error) {
	total := int(p.PayloadLength())
	buf := make([]byte, total)

	SystemHeader{PayloadType: PayloadCXLIO, PayloadLength: uint16(total)}.Encode(buf)

	h := buf[HeaderSize:]
	h[0] = p.LdID
	h[1] = byte(p.Type)
	binary.LittleEndian.PutUint16(h[2:4], p.TransactionID)
	binary.LittleEndian.PutUint16(h[4:6], p.Target.Encode())
	binary.LittleEndian.PutUint16(h[6:8], p.Register)
	binary.LittleEndian.PutUint64(h[8:16], p.Address>>2) // bits 2..63 field
	binary.LittleEndian.PutUint16(h[16:18], p.Length)
	binary.LittleEndian.PutUint16(h[18:20], p.Completer.Encode())
	h[20] = byte(p.Status)
	// h[21] reserved
	binary.LittleEndian.PutUint16(h[22:24], p.ByteCount)

	copy(buf[HeaderSize+cxlIOHeaderSize:], p.Data)
	return buf, nil
}

// decodeCxlIo decodes the CXL.io sublayer payload (everything after the
// system header). payload must be exactly sh.PayloadLength-HeaderSize bytes.
func decodeCxlIo(sh SystemHeader, payload []byte) (*CxlIoPacket, error) {
	if len(payload) < cxlIOHeaderSize {
		return nil, pkg.ErrMalformedPacket
	}
	h := payload
	p := &CxlIoPacket{
		LdID:          h[0],
		Type:          FmtType(h[1]),
		TransactionID: binary.LittleEndian.Uint16(h[2:4]),
		Target:        DecodeBDF(binary.LittleEndian.Uint16(h[4:6])),
		Register:      binary.LittleEndian.Uint16(h[6:8]),
		Address:       binary.LittleEndian.Uint64(h[8:16]) << 2,
		Length:        binary.LittleEndian.Uint16(h[16:18]),
		Completer:     DecodeBDF(binary.LittleEndian.Uint16(h[18:20])),
		Status:        CompletionStatus(h[20]),
		ByteCount:     binary.LittleEndian.Uint16(h[22:24]),
	}
	switch p.Type {
	case FmtCfgRd, FmtCfgWr, FmtMemRd, FmtMemWr, FmtCpl, FmtCplD:
	default:
		return nil, pkg.ErrMalformedPacket
	}

	dataLen := int(sh.PayloadLength) - HeaderSize - cxlIOHeaderSize
	if dataLen < 0 || len(payload) < cxlIOHeaderSize+dataLen {
		return nil, pkg.ErrMalformedPacket
	}
	if dataLen > 0 {
		p.Data = append([]byte(nil), payload[cxlIOHeaderSize:cxlIOHeaderSize+dataLen]...)
	}
	return p, nil
}

// NewUnsupportedRequestCompletion builds the CPL the USP sends back for a
// CXL.io request whose target does not exist (spec.md §4.E, §7).
func NewUnsupportedRequestCompletion(req *CxlIoPacket) *CxlIoPacket {
	withData := req.Type == FmtMemRd || req.Type == FmtCfgRd
	t := FmtCpl
	if withData {
		t = FmtCplD
	}
	return &CxlIoPacket{
		LdID:          req.LdID,
		Type:          t,
		TransactionID: req.TransactionID,
		Status:        CplStatusUnsupportedRequest,
	}
}
