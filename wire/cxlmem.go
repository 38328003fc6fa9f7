package wire

import (
	"encoding/binary"

	"github.com/opencis/opencis-core/pkg"
)

// MemMsgClass discriminates which of the six CXL.mem packet shapes a payload
// carries (spec.md §4.C).
type MemMsgClass uint8

// MemMsgClass values.
const (
	MemM2SReq   MemMsgClass = iota // host->device request, no data
	MemM2SRwD                      // host->device request with 64-byte data (MemWr)
	MemM2SBIRsp                    // host->device reply to a back-invalidate snoop
	MemS2MNDR                      // device->host non-data response
	MemS2MDRS                      // device->host data response
	MemS2MBISnp                    // device->host back-invalidate snoop
)

// MemOpcode is the M2S request opcode (spec.md §4.C).
type MemOpcode uint8

// M2S request opcodes.
const (
	MemOpMemRd MemOpcode = iota
	MemOpMemWr
	MemOpMemInv
)

// MetaField selects which metadata field of an M2S request is meaningful.
type MetaField uint8

// Metadata field selectors.
const (
	MetaFieldNoOp MetaField = iota
	MetaFieldMeta0State
)

// MetaValue is the value carried in an M2S request's metadata field.
type MetaValue uint8

// Metadata values.
const (
	MetaValueAny MetaValue = iota
	MetaValueShared
	MetaValueInvalid
)

// SnpType is the snoop type an M2S request asks the device to perform.
type SnpType uint8

// Snoop types.
const (
	SnpTypeNoOp SnpType = iota
	SnpTypeSnpData
	SnpTypeSnpInv
	SnpTypeSnpCur
)

// NDROpcode is the S2M non-data-response opcode.
type NDROpcode uint8

// S2M NDR opcodes.
const (
	NDRCmp NDROpcode = iota
	NDRCmpS
	NDRCmpE
	NDRCmpM
)

// BIRspOpcode is the M2S reply opcode to a back-invalidate snoop.
type BIRspOpcode uint8

// M2S BIRsp opcodes.
const (
	BIRspI BIRspOpcode = iota
	BIRspS
	BIRspE
)

// BISnpOpcode is the S2M back-invalidate snoop opcode.
type BISnpOpcode uint8

// S2M BISnp opcodes.
const (
	BISnpData BISnpOpcode = iota
	BISnpInv
)

// cxlMemHeaderSize is the fixed width, in bytes, of the CXL.mem sublayer
// header that precedes any trailing 64-byte cacheline payload.
const cxlMemHeaderSize = 20

// CacheLineSize is the width of a CXL.mem data payload (spec.md §4.D).
const CacheLineSize = 64

// CxlMemPacket carries one of the six CXL.mem shapes (spec.md §4.C). Only
// the fields relevant to MsgClass/Opcode are meaningful.
type CxlMemPacket struct {
	MsgClass MemMsgClass

	Address uint64 // 64-byte aligned (M2S Req/RwD)

	Opcode MemOpcode // M2S Req/RwD opcode
	Meta   MetaField
	Value  MetaValue
	Snp    SnpType

	BIID  uint16 // bi_id (M2S BIRsp / S2M BISnp)
	BITag uint16 // bi_tag (M2S BIRsp / S2M BISnp)

	BIRspOp  BIRspOpcode // M2S BIRsp
	BISnpOp  BISnpOpcode // S2M BISnp
	NDROp    NDROpcode   // S2M NDR
	TID      uint16      // transaction id, pairs M2S with S2M
	LdID     uint8
	Data     []byte // 64-byte payload (M2S RwD / S2M DRS)
}

// PayloadType implements Packet.
func (p *CxlMemPacket) PayloadType() PayloadType { return PayloadCXLMem }

// PayloadLength implements Packet.
func (p *CxlMemPacket) PayloadLength() uint16 {
	return uint16(HeaderSize + cxlMemHeaderSize + len(p.Data))
}

// Encode implements Packet.
func (p *CxlMemPacket) Encode() ([]byte, error) {
	total := int(p.PayloadLength())
	buf := make([]byte, total)
	SystemHeader{PayloadType: PayloadCXLMem, PayloadLength: uint16(total)}.Encode(buf)

	h := buf[HeaderSize:]
	h[0] = byte(p.MsgClass)
	h[1] = p.LdID
	binary.LittleEndian.PutUint16(h[2:4], p.TID)
	binary.LittleEndian.PutUint64(h[4:12], p.Address>>6) // 64-byte aligned DPA/HPA
	h[12] = opcodeByte(p)
	h[13] = byte(p.Meta)<<4 | byte(p.Value)
	h[14] = byte(p.Snp)
	binary.LittleEndian.PutUint16(h[16:18], p.BIID)
	binary.LittleEndian.PutUint16(h[18:20], p.BITag)

	copy(buf[HeaderSize+cxlMemHeaderSize:], p.Data)
	return buf, nil
}

func opcodeByte(p *CxlMemPacket) byte {
	switch p.MsgClass {
	case MemM2SReq, MemM2SRwD:
		return byte(p.Opcode)
	case MemM2SBIRsp:
		return byte(p.BIRspOp)
	case MemS2MNDR:
		return byte(p.NDROp)
	case MemS2MBISnp:
		return byte(p.BISnpOp)
	default:
		return 0
	}
}

// decodeCxlMem decodes the CXL.mem sublayer payload following the system
// header.
func decodeCxlMem(sh SystemHeader, payload []byte) (*CxlMemPacket, error) {
	if len(payload) < cxlMemHeaderSize {
		return nil, pkg.ErrMalformedPacket
	}
	h := payload
	p := &CxlMemPacket{
		MsgClass: MemMsgClass(h[0]),
		LdID:     h[1],
		TID:      binary.LittleEndian.Uint16(h[2:4]),
		Address:  binary.LittleEndian.Uint64(h[4:12]) << 6,
	}
	switch p.MsgClass {
	case MemM2SReq, MemM2SRwD:
		p.Opcode = MemOpcode(h[12])
		p.Meta = MetaField(h[13] >> 4)
		p.Value = MetaValue(h[13] & 0xF)
		p.Snp = SnpType(h[14])
	case MemM2SBIRsp:
		p.BIRspOp = BIRspOpcode(h[12])
		p.BIID = binary.LittleEndian.Uint16(h[16:18])
		p.BITag = binary.LittleEndian.Uint16(h[18:20])
	case MemS2MNDR:
		p.NDROp = NDROpcode(h[12])
	case MemS2MDRS:
		// no additional header fields; Data carries the payload
	case MemS2MBISnp:
		p.BISnpOp = BISnpOpcode(h[12])
		p.BIID = binary.LittleEndian.Uint16(h[16:18])
		p.BITag = binary.LittleEndian.Uint16(h[18:20])
	default:
		return nil, pkg.ErrMalformedPacket
	}

	dataLen := int(sh.PayloadLength) - HeaderSize - cxlMemHeaderSize
	if dataLen < 0 || len(payload) < cxlMemHeaderSize+dataLen {
		return nil, pkg.ErrMalformedPacket
	}
	if dataLen > 0 {
		p.Data = append([]byte(nil), payload[cxlMemHeaderSize:cxlMemHeaderSize+dataLen]...)
	}
	return p, nil
}

// NewM2SReq builds an M2S Req/RwD packet for a local cache-controller
// request, following the CacheRequest -> M2S translation table (spec.md
// §4.F).
func NewM2SReq(tid uint16, addr uint64, op MemOpcode, meta MetaField, value MetaValue, snp SnpType, data []byte) *CxlMemPacket {
	class := MemM2SReq
	if op == MemOpMemWr {
		class = MemM2SRwD
	}
	return &CxlMemPacket{
		MsgClass: class,
		TID:      tid,
		Address:  addr,
		Opcode:   op,
		Meta:     meta,
		Value:    value,
		Snp:      snp,
		Data:     data,
	}
}

// NewNDR builds an S2M NDR non-data response.
func NewNDR(tid uint16, op NDROpcode) *CxlMemPacket {
	return &CxlMemPacket{MsgClass: MemS2MNDR, TID: tid, NDROp: op}
}

// NewDRS builds an S2M DRS data response carrying a 64-byte cacheline.
func NewDRS(tid uint16, data []byte) *CxlMemPacket {
	return &CxlMemPacket{MsgClass: MemS2MDRS, TID: tid, Data: data}
}

// NewBISnp builds a device-initiated S2M back-invalidate snoop.
func NewBISnp(biID, biTag uint16, addr uint64, op BISnpOpcode) *CxlMemPacket {
	return &CxlMemPacket{MsgClass: MemS2MBISnp, Address: addr, BISnpOp: op, BIID: biID, BITag: biTag}
}

// NewBIRsp builds the host's reply to a back-invalidate snoop.
func NewBIRsp(biID, biTag uint16, op BIRspOpcode) *CxlMemPacket {
	return &CxlMemPacket{MsgClass: MemM2SBIRsp, BIRspOp: op, BIID: biID, BITag: biTag}
}
