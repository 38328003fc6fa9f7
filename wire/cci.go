package wire

import (
	"encoding/binary"

	"github.com/opencis/opencis-core/pkg"
)

// CCIOpcode is a fabric-manager command opcode (spec.md §6). The set is
// closed; unrecognised opcodes decode successfully (the payload is opaque
// to the codec) but are rejected by the CCI handler.
type CCIOpcode uint16

// CCI opcodes, fixed per spec.md §6.
const (
	CCIIdentifySwitch        CCIOpcode = 0x5100
	CCIGetPhysicalPortState  CCIOpcode = 0x5101
	CCIGetVirtualSwitchInfo  CCIOpcode = 0x5200
	CCIBindVPPB              CCIOpcode = 0x5201
	CCIUnbindVPPB            CCIOpcode = 0x5202
	CCIFreezeVPPB            CCIOpcode = 0x5203
	CCIUnfreezeVPPB          CCIOpcode = 0x5204
	CCIGetLDInfo             CCIOpcode = 0x5300
	CCIGetLDAllocations      CCIOpcode = 0x5301
	CCISetLDAllocations      CCIOpcode = 0x5302
	CCITunnelManagement      CCIOpcode = 0x5400
	CCIVendorGetConnDevices  CCIOpcode = 0xC000
)

// CCIMsgClass distinguishes a CCI request from its response.
type CCIMsgClass uint8

// CCIMsgClass values.
const (
	CCIReq CCIMsgClass = iota
	CCIRsp
)

// CCIReturnCode is the status field of a CCI response.
type CCIReturnCode uint8

// CCI return codes.
const (
	CCIReturnSuccess CCIReturnCode = iota
	CCIReturnInvalidInput
	CCIReturnUnsupported
)

// cciHeaderSize is the fixed width, in bytes, of the CCI sublayer header:
// msg_class(1) + opcode(2) + tag(1) + return_code(1) + reserved(3).
const cciHeaderSize = 8

// CCIPacket is a fabric-manager command/response message (spec.md §3/§6). A
// 1-byte tag pairs a request with its response. Payload is a dynamic byte
// field sized by the system header's payload_length, holding the
// opcode-specific struct (e.g. bind_vppb's port/vppb/ld_id triple).
type CCIPacket struct {
	MsgClass   CCIMsgClass
	Opcode     CCIOpcode
	Tag        uint8
	ReturnCode CCIReturnCode // response only
	Payload    []byte
}

// PayloadType implements Packet.
func (p *CCIPacket) PayloadType() PayloadType { return PayloadCCI }

// PayloadLength implements Packet.
func (p *CCIPacket) PayloadLength() uint16 {
	return uint16(HeaderSize + cciHeaderSize + len(p.Payload))
}

// Encode implements Packet.
func (p *CCIPacket) Encode() ([]byte, error) {
	total := int(p.PayloadLength())
	buf := make([]byte, total)
	SystemHeader{PayloadType: PayloadCCI, PayloadLength: uint16(total)}.Encode(buf)

	h := buf[HeaderSize:]
	h[0] = byte(p.MsgClass)
	binary.LittleEndian.PutUint16(h[1:3], uint16(p.Opcode))
	h[3] = p.Tag
	h[4] = byte(p.ReturnCode)

	copy(buf[HeaderSize+cciHeaderSize:], p.Payload)
	return buf, nil
}

// decodeCCI decodes the CCI sublayer payload following the system header.
func decodeCCI(sh SystemHeader, payload []byte) (*CCIPacket, error) {
	if len(payload) < cciHeaderSize {
		return nil, pkg.ErrMalformedPacket
	}
	h := payload
	p := &CCIPacket{
		MsgClass:   CCIMsgClass(h[0]),
		Opcode:     CCIOpcode(binary.LittleEndian.Uint16(h[1:3])),
		Tag:        h[3],
		ReturnCode: CCIReturnCode(h[4]),
	}
	if p.MsgClass != CCIReq && p.MsgClass != CCIRsp {
		return nil, pkg.ErrMalformedPacket
	}

	dataLen := int(sh.PayloadLength) - HeaderSize - cciHeaderSize
	if dataLen < 0 || len(payload) < cciHeaderSize+dataLen {
		return nil, pkg.ErrMalformedPacket
	}
	if dataLen > 0 {
		p.Payload = append([]byte(nil), payload[cciHeaderSize:cciHeaderSize+dataLen]...)
	}
	return p, nil
}

// NewCCIRequest builds a CCI fabric-manager command.
func NewCCIRequest(opcode CCIOpcode, tag uint8, payload []byte) *CCIPacket {
	return &CCIPacket{MsgClass: CCIReq, Opcode: opcode, Tag: tag, Payload: payload}
}

// NewCCIResponse builds a CCI fabric-manager response paired to req by tag.
func NewCCIResponse(req *CCIPacket, rc CCIReturnCode, payload []byte) *CCIPacket {
	return &CCIPacket{MsgClass: CCIRsp, Opcode: req.Opcode, Tag: req.Tag, ReturnCode: rc, Payload: payload}
}
