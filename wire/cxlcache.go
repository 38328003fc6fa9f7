package wire

import (
	"encoding/binary"

	"github.com/opencis/opencis-core/pkg"
)

// CacheMsgClass discriminates which of the six CXL.cache packet shapes a
// payload carries (spec.md §4.C).
type CacheMsgClass uint8

// CacheMsgClass values.
const (
	CacheD2HReq  CacheMsgClass = iota // device->host request, no data
	CacheD2HRsp                       // device->host response, no data
	CacheD2HData                      // device->host data, 64 bytes
	CacheH2DReq                       // host->device request, no data
	CacheH2DRsp                       // host->device response, no data
	CacheH2DData                      // host->device data, 64 bytes
)

// D2HReqOpcode is the device-initiated CXL.cache request opcode.
type D2HReqOpcode uint8

// D2H request opcodes.
const (
	D2HReqCacheRdShared D2HReqOpcode = iota
	D2HReqCacheRdAny
	D2HReqCacheRdOwnNoData
	D2HReqCacheDirtyEvict
)

// D2HRspOpcode is the device-initiated CXL.cache response opcode.
type D2HRspOpcode uint8

// D2H response opcodes.
const (
	D2HRspRspIFwdM D2HRspOpcode = iota
)

// H2DRspOpcode is the host-initiated CXL.cache response opcode.
type H2DRspOpcode uint8

// H2D response opcodes.
const (
	H2DRspGo H2DRspOpcode = iota
	H2DRspGoWritePull
)

// H2DReqOpcode is the host-initiated CXL.cache request opcode (back-snoop
// of a device-cached line).
type H2DReqOpcode uint8

// H2D request opcodes.
const (
	H2DReqSnpData H2DReqOpcode = iota
	H2DReqSnpInv
	H2DReqSnpCur
)

// cxlCacheHeaderSize is the fixed width, in bytes, of the CXL.cache
// sublayer header that precedes any trailing 64-byte data payload:
// msg_class(1) + cache_id(1) + reserved(2) + addr or cqid/uqid(8) + opcode(1).
const cxlCacheHeaderSize = 13

// CxlCachePacket carries one of the six CXL.cache shapes (spec.md §4.C/§5.3).
// cache_id/cqid/uqid pair a request to its response and data across the
// unordered D2H/H2D channel pair.
type CxlCachePacket struct {
	MsgClass CacheMsgClass

	CacheID uint8  // 4-bit device cache id (D2H Req)
	Addr    uint64 // 64-byte aligned (D2H Req)
	UQID    uint16 // 12-bit, assigned by the device (D2H Rsp/Data)
	CQID    uint16 // 12-bit, assigned by the host (H2D Req/Rsp/Data)

	D2HReqOp D2HReqOpcode
	D2HRspOp D2HRspOpcode
	H2DReqOp H2DReqOpcode
	H2DRspOp H2DRspOpcode

	Data []byte // 64-byte payload (D2H Data / H2D Data)
}

// PayloadType implements Packet.
func (p *CxlCachePacket) PayloadType() PayloadType { return PayloadCXLCache }

// PayloadLength implements Packet.
func (p *CxlCachePacket) PayloadLength() uint16 {
	return uint16(HeaderSize + cxlCacheHeaderSize + len(p.Data))
}

// Encode implements Packet.
func (p *CxlCachePacket) Encode() ([]byte, error) {
	total := int(p.PayloadLength())
	buf := make([]byte, total)
	SystemHeader{PayloadType: PayloadCXLCache, PayloadLength: uint16(total)}.Encode(buf)

	h := buf[HeaderSize:]
	h[0] = byte(p.MsgClass)
	h[1] = p.CacheID & 0xF
	// Addr (D2H Req) and CQID/UQID (everything else) share bytes 4-11 since
	// they never coexist in the same packet shape.
	switch p.MsgClass {
	case CacheD2HReq:
		binary.LittleEndian.PutUint64(h[4:12], p.Addr>>6)
		h[12] = byte(p.D2HReqOp)
	case CacheD2HRsp:
		binary.LittleEndian.PutUint16(h[4:6], p.UQID&0xFFF)
		h[12] = byte(p.D2HRspOp)
	case CacheD2HData:
		binary.LittleEndian.PutUint16(h[4:6], p.UQID&0xFFF)
	case CacheH2DReq:
		binary.LittleEndian.PutUint16(h[4:6], p.CQID&0xFFF)
		h[12] = byte(p.H2DReqOp)
	case CacheH2DRsp:
		binary.LittleEndian.PutUint16(h[4:6], p.CQID&0xFFF)
		h[12] = byte(p.H2DRspOp)
	case CacheH2DData:
		binary.LittleEndian.PutUint16(h[4:6], p.CQID&0xFFF)
	}

	copy(buf[HeaderSize+cxlCacheHeaderSize:], p.Data)
	return buf, nil
}

// decodeCxlCache decodes the CXL.cache sublayer payload following the
// system header.
func decodeCxlCache(sh SystemHeader, payload []byte) (*CxlCachePacket, error) {
	if len(payload) < cxlCacheHeaderSize {
		return nil, pkg.ErrMalformedPacket
	}
	h := payload
	p := &CxlCachePacket{
		MsgClass: CacheMsgClass(h[0]),
		CacheID:  h[1] & 0xF,
	}
	switch p.MsgClass {
	case CacheD2HReq:
		p.Addr = binary.LittleEndian.Uint64(h[4:12]) << 6
		p.D2HReqOp = D2HReqOpcode(h[12])
	case CacheD2HRsp:
		p.UQID = binary.LittleEndian.Uint16(h[4:6])
		p.D2HRspOp = D2HRspOpcode(h[12])
	case CacheD2HData:
		p.UQID = binary.LittleEndian.Uint16(h[4:6])
	case CacheH2DReq:
		p.CQID = binary.LittleEndian.Uint16(h[4:6])
		p.H2DReqOp = H2DReqOpcode(h[12])
	case CacheH2DRsp:
		p.CQID = binary.LittleEndian.Uint16(h[4:6])
		p.H2DRspOp = H2DRspOpcode(h[12])
	case CacheH2DData:
		p.CQID = binary.LittleEndian.Uint16(h[4:6])
	default:
		return nil, pkg.ErrMalformedPacket
	}

	dataLen := int(sh.PayloadLength) - HeaderSize - cxlCacheHeaderSize
	if dataLen < 0 || len(payload) < cxlCacheHeaderSize+dataLen {
		return nil, pkg.ErrMalformedPacket
	}
	if dataLen > 0 {
		p.Data = append([]byte(nil), payload[cxlCacheHeaderSize:cxlCacheHeaderSize+dataLen]...)
	}
	return p, nil
}

// NewD2HReq builds a device-initiated CXL.cache request.
func NewD2HReq(cacheID uint8, addr uint64, op D2HReqOpcode) *CxlCachePacket {
	return &CxlCachePacket{MsgClass: CacheD2HReq, CacheID: cacheID, Addr: addr, D2HReqOp: op}
}

// NewD2HRsp builds a device-initiated CXL.cache response.
func NewD2HRsp(uqid uint16, op D2HRspOpcode) *CxlCachePacket {
	return &CxlCachePacket{MsgClass: CacheD2HRsp, UQID: uqid, D2HRspOp: op}
}

// NewD2HData builds a device-initiated CXL.cache data packet carrying a
// 64-byte cacheline.
func NewD2HData(uqid uint16, data []byte) *CxlCachePacket {
	return &CxlCachePacket{MsgClass: CacheD2HData, UQID: uqid, Data: data}
}

// NewH2DReq builds a host-initiated back-snoop of a device-cached line.
func NewH2DReq(cqid uint16, op H2DReqOpcode) *CxlCachePacket {
	return &CxlCachePacket{MsgClass: CacheH2DReq, CQID: cqid, H2DReqOp: op}
}

// NewH2DRsp builds the host's grant in response to a D2H request.
func NewH2DRsp(cqid uint16, op H2DRspOpcode) *CxlCachePacket {
	return &CxlCachePacket{MsgClass: CacheH2DRsp, CQID: cqid, H2DRspOp: op}
}

// NewH2DData builds the host's data reply to a D2H read request.
func NewH2DData(cqid uint16, data []byte) *CxlCachePacket {
	return &CxlCachePacket{MsgClass: CacheH2DData, CQID: cqid, Data: data}
}
