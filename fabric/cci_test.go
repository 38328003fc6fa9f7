package fabric

import (
	"testing"

	"github.com/opencis/opencis-core/wire"
)

func TestCCIIdentifySwitchReportsCounts(t *testing.T) {
	sw := threeDSPSwitch(t, true)
	h := NewCCIHandler(sw)

	resp := h.Handle(wire.NewCCIRequest(wire.CCIIdentifySwitch, 7, nil))
	if resp.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("ReturnCode = %v, want success", resp.ReturnCode)
	}
	if resp.Tag != 7 {
		t.Fatalf("Tag = %d, want 7 (echoed from request)", resp.Tag)
	}
	if len(resp.Payload) != 2 || int(resp.Payload[0]) != sw.PortCount() || int(resp.Payload[1]) != sw.VPPBCount() {
		t.Fatalf("Payload = %v, want [%d %d]", resp.Payload, sw.PortCount(), sw.VPPBCount())
	}
}

func TestCCIGetPhysicalPortStateSingle(t *testing.T) {
	sw := threeDSPSwitch(t, true)
	h := NewCCIHandler(sw)

	resp := h.Handle(wire.NewCCIRequest(wire.CCIGetPhysicalPortState, 0, []byte{0}))
	if resp.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("ReturnCode = %v, want success", resp.ReturnCode)
	}
	if len(resp.Payload) != 3 || resp.Payload[0] != 0 || resp.Payload[1] != byte(PortUSP) {
		t.Fatalf("Payload = %v, want [0 %d _]", resp.Payload, PortUSP)
	}
}

func TestCCIGetPhysicalPortStateOutOfRange(t *testing.T) {
	sw := threeDSPSwitch(t, true)
	h := NewCCIHandler(sw)

	resp := h.Handle(wire.NewCCIRequest(wire.CCIGetPhysicalPortState, 0, []byte{200}))
	if resp.ReturnCode != wire.CCIReturnInvalidInput {
		t.Fatalf("ReturnCode = %v, want invalid-input", resp.ReturnCode)
	}
}

func TestCCIGetVirtualSwitchInfoReflectsBindings(t *testing.T) {
	sw := threeDSPSwitch(t, true)
	h := NewCCIHandler(sw)

	resp := h.Handle(wire.NewCCIRequest(wire.CCIGetVirtualSwitchInfo, 0, nil))
	if resp.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("ReturnCode = %v, want success", resp.ReturnCode)
	}
	count := int(resp.Payload[0])
	if count != 3 {
		t.Fatalf("vppb count = %d, want 3", count)
	}
	entry := resp.Payload[1:5] // vPPB 0: bound to physical port 1
	if entry[0] != 1 || entry[1] != 1 {
		t.Fatalf("vPPB 0 entry = %v, want bound=1 physical_port=1", entry)
	}
}

func TestCCIBindUnbindVPPBRoundTrip(t *testing.T) {
	sw := threeDSPSwitch(t, false)
	h := NewCCIHandler(sw)

	bind := h.Handle(wire.NewCCIRequest(wire.CCIBindVPPB, 1, []byte{1, 0, 0}))
	if bind.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("bind ReturnCode = %v, want success", bind.ReturnCode)
	}
	v, ok := sw.VPPB(0)
	if !ok || !v.Bound() || v.PhysicalPort() != 1 {
		t.Fatalf("vPPB 0 after bind = %+v, want bound to port 1", v)
	}

	unbind := h.Handle(wire.NewCCIRequest(wire.CCIUnbindVPPB, 2, []byte{0}))
	if unbind.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("unbind ReturnCode = %v, want success", unbind.ReturnCode)
	}
	if v.Bound() {
		t.Fatal("vPPB 0 still bound after unbind")
	}
}

func TestCCIBindVPPBRejectsMalformedPayload(t *testing.T) {
	sw := threeDSPSwitch(t, false)
	h := NewCCIHandler(sw)

	resp := h.Handle(wire.NewCCIRequest(wire.CCIBindVPPB, 0, []byte{1, 0}))
	if resp.ReturnCode != wire.CCIReturnInvalidInput {
		t.Fatalf("ReturnCode = %v, want invalid-input", resp.ReturnCode)
	}
}

func TestCCIFreezeUnfreezeVPPB(t *testing.T) {
	sw := threeDSPSwitch(t, true)
	h := NewCCIHandler(sw)

	freeze := h.Handle(wire.NewCCIRequest(wire.CCIFreezeVPPB, 0, []byte{0}))
	if freeze.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("freeze ReturnCode = %v, want success", freeze.ReturnCode)
	}
	v, _ := sw.VPPB(0)
	if !v.Frozen() {
		t.Fatal("vPPB 0 not frozen after freeze command")
	}

	unfreeze := h.Handle(wire.NewCCIRequest(wire.CCIUnfreezeVPPB, 0, []byte{0}))
	if unfreeze.ReturnCode != wire.CCIReturnSuccess {
		t.Fatalf("unfreeze ReturnCode = %v, want success", unfreeze.ReturnCode)
	}
	if v.Frozen() {
		t.Fatal("vPPB 0 still frozen after unfreeze command")
	}
}

func TestCCIMultiLogicalDeviceOpcodesAreUnsupported(t *testing.T) {
	sw := threeDSPSwitch(t, true)
	h := NewCCIHandler(sw)

	for _, op := range []wire.CCIOpcode{
		wire.CCIGetLDInfo, wire.CCIGetLDAllocations, wire.CCISetLDAllocations,
		wire.CCITunnelManagement, wire.CCIVendorGetConnDevices,
	} {
		resp := h.Handle(wire.NewCCIRequest(op, 0, nil))
		if resp.ReturnCode != wire.CCIReturnUnsupported {
			t.Errorf("opcode %#x ReturnCode = %v, want unsupported", op, resp.ReturnCode)
		}
	}
}
