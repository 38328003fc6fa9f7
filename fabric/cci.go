package fabric

import (
	"errors"

	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// CCIHandler answers fabric-manager commands (spec.md §6) against a
// VirtualSwitch. Each opcode has a fixed request/response payload struct;
// the exact byte layouts are this module's own declarative choice where
// spec.md leaves them unspecified (see DESIGN.md).
type CCIHandler struct {
	sw *VirtualSwitch
}

// NewCCIHandler constructs a handler bound to sw.
func NewCCIHandler(sw *VirtualSwitch) *CCIHandler {
	return &CCIHandler{sw: sw}
}

// Handle dispatches req to its opcode handler and returns the paired
// response. The opcode set is closed per spec.md §6; any value outside it
// already failed to decode upstream, so the default case here only covers
// recognised-but-unsupported opcodes.
func (h *CCIHandler) Handle(req *wire.CCIPacket) *wire.CCIPacket {
	switch req.Opcode {
	case wire.CCIIdentifySwitch:
		return h.identifySwitch(req)
	case wire.CCIGetPhysicalPortState:
		return h.getPhysicalPortState(req)
	case wire.CCIGetVirtualSwitchInfo:
		return h.getVirtualSwitchInfo(req)
	case wire.CCIBindVPPB:
		return h.bindVPPB(req)
	case wire.CCIUnbindVPPB:
		return h.unbindVPPB(req)
	case wire.CCIFreezeVPPB:
		return h.freezeVPPB(req)
	case wire.CCIUnfreezeVPPB:
		return h.unfreezeVPPB(req)
	case wire.CCIGetLDInfo, wire.CCIGetLDAllocations, wire.CCISetLDAllocations,
		wire.CCITunnelManagement, wire.CCIVendorGetConnDevices:
		// Multi-logical-device allocation and tunnelling commands: this
		// emulator models single-logical-device endpoints only (DESIGN.md
		// Open Question), so the opcode is recognised but unsupported.
		return wire.NewCCIResponse(req, wire.CCIReturnUnsupported, nil)
	default:
		return wire.NewCCIResponse(req, wire.CCIReturnUnsupported, nil)
	}
}

// identifySwitch responds with the port and vPPB counts. Request payload
// is ignored.
func (h *CCIHandler) identifySwitch(req *wire.CCIPacket) *wire.CCIPacket {
	payload := []byte{
		byte(h.sw.PortCount()),
		byte(h.sw.VPPBCount()),
	}
	return wire.NewCCIResponse(req, wire.CCIReturnSuccess, payload)
}

// getPhysicalPortState responds with one 3-byte entry per port: {port_index,
// kind (0=USP,1=DSP), connected}. An empty request payload means "all
// ports"; a 1-byte payload restricts the answer to that port index.
func (h *CCIHandler) getPhysicalPortState(req *wire.CCIPacket) *wire.CCIPacket {
	var indices []int
	if len(req.Payload) == 0 {
		for i := 0; i < h.sw.PortCount(); i++ {
			indices = append(indices, i)
		}
	} else if len(req.Payload) == 1 {
		indices = []int{int(req.Payload[0])}
	} else {
		return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
	}

	payload := make([]byte, 0, 3*len(indices))
	for _, idx := range indices {
		kind, connected, ok := h.sw.PortState(idx)
		if !ok {
			return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
		}
		connByte := byte(0)
		if connected {
			connByte = 1
		}
		payload = append(payload, byte(idx), byte(kind), connByte)
	}
	return wire.NewCCIResponse(req, wire.CCIReturnSuccess, payload)
}

// getVirtualSwitchInfo responds with the vPPB count followed by one 4-byte
// entry per vPPB: {bound, physical_port (0xFF if unbound), ld_id, freeze}.
func (h *CCIHandler) getVirtualSwitchInfo(req *wire.CCIPacket) *wire.CCIPacket {
	count := h.sw.VPPBCount()
	payload := make([]byte, 1, 1+4*count)
	payload[0] = byte(count)
	for i := 0; i < count; i++ {
		v, _ := h.sw.VPPB(i)
		boundByte := byte(0)
		physPort := byte(0xFF)
		freezeByte := byte(0)
		if v.Bound() {
			boundByte = 1
			physPort = byte(v.PhysicalPort())
		}
		if v.Frozen() {
			freezeByte = 1
		}
		payload = append(payload, boundByte, physPort, v.LdID(), freezeByte)
	}
	return wire.NewCCIResponse(req, wire.CCIReturnSuccess, payload)
}

// bindVPPB applies a {physical_port, vppb_index, ld_id} request.
func (h *CCIHandler) bindVPPB(req *wire.CCIPacket) *wire.CCIPacket {
	if len(req.Payload) != 3 {
		return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
	}
	err := h.sw.BindVPPB(int(req.Payload[0]), int(req.Payload[1]), req.Payload[2])
	return h.ackOrInvalid(req, err)
}

// unbindVPPB applies a {vppb_index} request.
func (h *CCIHandler) unbindVPPB(req *wire.CCIPacket) *wire.CCIPacket {
	if len(req.Payload) != 1 {
		return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
	}
	err := h.sw.UnbindVPPB(int(req.Payload[0]))
	return h.ackOrInvalid(req, err)
}

// freezeVPPB applies a {vppb_index} request.
func (h *CCIHandler) freezeVPPB(req *wire.CCIPacket) *wire.CCIPacket {
	if len(req.Payload) != 1 {
		return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
	}
	err := h.sw.FreezeVPPB(int(req.Payload[0]))
	return h.ackOrInvalid(req, err)
}

// unfreezeVPPB applies a {vppb_index} request.
func (h *CCIHandler) unfreezeVPPB(req *wire.CCIPacket) *wire.CCIPacket {
	if len(req.Payload) != 1 {
		return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
	}
	err := h.sw.UnfreezeVPPB(int(req.Payload[0]))
	return h.ackOrInvalid(req, err)
}

// ackOrInvalid maps a VirtualSwitch config-class error (spec.md §7
// ConfigError) to an empty-payload success or invalid-input response.
func (h *CCIHandler) ackOrInvalid(req *wire.CCIPacket, err error) *wire.CCIPacket {
	if err == nil {
		return wire.NewCCIResponse(req, wire.CCIReturnSuccess, nil)
	}
	if errors.Is(err, pkg.ErrConfig) {
		return wire.NewCCIResponse(req, wire.CCIReturnInvalidInput, nil)
	}
	return wire.NewCCIResponse(req, wire.CCIReturnUnsupported, nil)
}
