package fabric

import (
	"sync"

	"github.com/opencis/opencis-core/hdm"
	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// mmioWindowSize is the size of the MMIO window an enumerated DSP bridge
// is assigned, matching spec.md §8 scenario S2 (0xFE000000, 0xFE100000,
// one megabyte apart).
const mmioWindowSize = 0x100000

// PortKind distinguishes the switch's single upstream port from its N
// downstream ports.
type PortKind uint8

// PortKind values.
const (
	PortUSP PortKind = iota
	PortDSP
)

// PhysicalPort is one of the switch's physical connection points. The
// ConnectionManager flips Connected (via VirtualSwitch.SetPortConnected) on
// sideband accept/disconnect.
type PhysicalPort struct {
	mu        sync.Mutex
	Index     int
	Kind      PortKind
	Connected bool
}

// VirtualSwitch multiplexes one upstream port across N downstream ports via
// vPPBs (spec.md §4.E).
type VirtualSwitch struct {
	mu sync.Mutex

	uspIndex int
	ports    []*PhysicalPort // index 0 is the USP, 1..N are DSPs
	vppbs    []*VPPB

	uspDecoder *hdm.SwitchDecoder
}

// NewVirtualSwitch constructs a switch with vppbCount vPPB slots, one for
// each of vppbCount downstream physical ports plus the fixed upstream
// port. initialBindings maps a vPPB index to the physical port index it
// should be bound to at construction (spec.md §4.E "initial bounds").
func NewVirtualSwitch(vppbCount int, initialBindings map[int]int) (*VirtualSwitch, error) {
	ports := make([]*PhysicalPort, vppbCount+1)
	ports[0] = &PhysicalPort{Index: 0, Kind: PortUSP}
	for i := 1; i <= vppbCount; i++ {
		ports[i] = &PhysicalPort{Index: i, Kind: PortDSP}
	}

	vppbs := make([]*VPPB, vppbCount)
	for i := range vppbs {
		vppbs[i] = newVPPB(i)
	}

	s := &VirtualSwitch{
		uspIndex:   0,
		ports:      ports,
		vppbs:      vppbs,
		uspDecoder: hdm.NewSwitchDecoder(0),
	}
	for vppbIndex, physPort := range initialBindings {
		if err := s.BindVPPB(physPort, vppbIndex, 0); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CommitDecoder installs the USP's HDM decoder used for CXL.mem routing.
func (s *VirtualSwitch) CommitDecoder(info hdm.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uspDecoder.Commit(info)
}

// BindVPPB attaches physPort (a downstream port index, 1-based) to
// vppbIndex (spec.md §4.E).
func (s *VirtualSwitch) BindVPPB(physPort, vppbIndex int, ldID uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if physPort <= 0 || physPort >= len(s.ports) {
		return pkg.ErrPortOutOfRange
	}
	if s.ports[physPort].Kind != PortDSP {
		return pkg.ErrNotDownstreamPort
	}
	if vppbIndex < 0 || vppbIndex >= len(s.vppbs) {
		return pkg.ErrPortOutOfRange
	}
	for _, v := range s.vppbs {
		if v.bound && v.physPort == physPort {
			return pkg.ErrAlreadyBound
		}
	}
	return s.vppbs[vppbIndex].bind(physPort, ldID)
}

// UnbindVPPB detaches vppbIndex from whatever physical port it is bound to.
func (s *VirtualSwitch) UnbindVPPB(vppbIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vppbIndex < 0 || vppbIndex >= len(s.vppbs) {
		return pkg.ErrPortOutOfRange
	}
	return s.vppbs[vppbIndex].unbind()
}

// FreezeVPPB / UnfreezeVPPB toggle the freeze state of vppbIndex.
func (s *VirtualSwitch) FreezeVPPB(vppbIndex int) error   { return s.setFreeze(vppbIndex, Frozen) }
func (s *VirtualSwitch) UnfreezeVPPB(vppbIndex int) error { return s.setFreeze(vppbIndex, Unfrozen) }

func (s *VirtualSwitch) setFreeze(vppbIndex int, state FreezeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vppbIndex < 0 || vppbIndex >= len(s.vppbs) {
		return pkg.ErrPortOutOfRange
	}
	s.vppbs[vppbIndex].freezeState(state)
	return nil
}

// VPPB returns the vPPB at index, for tests and CCI handlers that need to
// read its state.
func (s *VirtualSwitch) VPPB(index int) (*VPPB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.vppbs) {
		return nil, false
	}
	return s.vppbs[index], true
}

// SetPortConnected records a physical port's connection state, as driven
// by connmgr's accept/disconnect events.
func (s *VirtualSwitch) SetPortConnected(portIndex int, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if portIndex < 0 || portIndex >= len(s.ports) {
		return
	}
	s.ports[portIndex].mu.Lock()
	s.ports[portIndex].Connected = connected
	s.ports[portIndex].mu.Unlock()
}

// PortCount returns the total number of physical ports (the fixed USP plus
// every configured DSP).
func (s *VirtualSwitch) PortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports)
}

// VPPBCount returns the number of vPPB slots the switch was constructed
// with.
func (s *VirtualSwitch) VPPBCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vppbs)
}

// PortState reports portIndex's kind and live connection state. ok is false
// if portIndex does not name a configured port.
func (s *VirtualSwitch) PortState(portIndex int) (kind PortKind, connected bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if portIndex < 0 || portIndex >= len(s.ports) {
		return 0, false, false
	}
	p := s.ports[portIndex]
	p.mu.Lock()
	connected = p.Connected
	p.mu.Unlock()
	return p.Kind, connected, true
}

// Bridge is one enumerated (bridge-or-endpoint) config-space function.
type Bridge struct {
	ConfigSpace
}

// EnumerationInfo is the result of walking the switch's current topology,
// used both to answer CXL.io CFG_RD and to check spec.md §8 testable
// property 3 (bind equivalence).
type EnumerationInfo struct {
	Devices []Bridge
}

// Lookup returns the config space of the function at bdf, if any.
func (e EnumerationInfo) Lookup(bdf wire.BDF) (ConfigSpace, bool) {
	for _, d := range e.Devices {
		if d.BDF == bdf {
			return d.ConfigSpace, true
		}
	}
	return ConfigSpace{}, false
}

// BridgeForAddress returns the bridge (if any) whose MMIO window contains
// addr (spec.md §4.E MMIO routing rule).
func (e EnumerationInfo) BridgeForAddress(addr uint64) (ConfigSpace, bool) {
	for _, d := range e.Devices {
		if d.inMemoryWindow(addr) {
			return d.ConfigSpace, true
		}
	}
	return ConfigSpace{}, false
}

// BridgeForBus returns the innermost bridge (if any) whose
// secondary/subordinate bus range contains bdf.Bus: where nested bridges
// both claim the bus, the one with the highest secondary bus wins.
func (e EnumerationInfo) BridgeForBus(bdf wire.BDF) (ConfigSpace, bool) {
	var best ConfigSpace
	found := false
	for _, d := range e.Devices {
		if d.busInRange(bdf) && (!found || d.SecondaryBus > best.SecondaryBus) {
			best, found = d.ConfigSpace, true
		}
	}
	return best, found
}

// Enumerate walks the switch's current bindings and produces the
// deterministic enumeration topology described in spec.md §8 scenario S1:
// the USP bridge at bus 1, a multi-function DSP bridge at bus 2 (one
// function per bound vPPB, in vPPB index order), and each bound vPPB's
// Type3 endpoint at bus 3+vppbIndex.
func (s *VirtualSwitch) Enumerate(mmioBase uint64) EnumerationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var devices []Bridge
	devices = append(devices, Bridge{ConfigSpace{
		BDF:            wire.BDF{Bus: 1, Device: 0, Function: 0},
		VendorID:       VendorID,
		DeviceID:       DeviceIDUSPBridge,
		ClassCode:      ClassCodeBridge,
		IsBridge:       true,
		SecondaryBus:   2,
		SubordinateBus: uint8(2 + len(s.vppbs)),
	}})

	for _, v := range s.vppbs {
		if !v.bound {
			continue
		}
		devices = append(devices, Bridge{ConfigSpace{
			BDF:            wire.BDF{Bus: 2, Device: 0, Function: uint8(v.index)},
			VendorID:       VendorID,
			DeviceID:       DeviceIDDSPBridge,
			ClassCode:      ClassCodeBridge,
			IsBridge:       true,
			SecondaryBus:   uint8(3 + v.index),
			SubordinateBus: uint8(3 + v.index),
			MemoryBase:     uint32(mmioBase + uint64(v.index)*mmioWindowSize),
			MemoryLimit:    uint32(mmioBase + uint64(v.index+1)*mmioWindowSize),
		}})
		devices = append(devices, Bridge{ConfigSpace{
			BDF:       wire.BDF{Bus: uint8(3 + v.index), Device: 0, Function: 0},
			VendorID:  VendorID,
			DeviceID:  DeviceIDType3,
			ClassCode: 0,
			IsBridge:  false,
		}})
	}
	return EnumerationInfo{Devices: devices}
}

// RouteResult classifies the outcome of routing a CXL.io request (spec.md
// §4.E, §8 testable property 5).
type RouteResult int

// RouteResult values.
const (
	// RouteForward: deliver to the physical port the route names.
	RouteForward RouteResult = iota
	// RouteUnsupported: no DSP claims the request; reply with a CXL.io
	// completion carrying Unsupported Request status.
	RouteUnsupported
	// RouteFrozenDrop: the request would route through a frozen vPPB;
	// MRd/MWr are silently dropped, no completion is sent.
	RouteFrozenDrop
)

// RouteCxlIo implements spec.md §4.E's CXL.io routing rule and returns the
// physical port index a request should be forwarded to, plus how to treat
// it. Freeze semantics (§8 property 5) only apply to MRd/MWr; BDF-routed
// CFG_RD/CFG_WR are never silently dropped.
func (s *VirtualSwitch) RouteCxlIo(enum EnumerationInfo, pkt *wire.CxlIoPacket) (int, RouteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bridge ConfigSpace
	var ok bool
	if pkt.Type.IsBDFRouted() {
		bridge, ok = enum.BridgeForBus(pkt.Target)
	} else {
		bridge, ok = enum.BridgeForAddress(pkt.Address)
	}
	if !ok {
		return 0, RouteUnsupported
	}
	port, ok := s.portForBus(bridge.SecondaryBus)
	if !ok {
		return 0, RouteUnsupported
	}

	if !pkt.Type.IsBDFRouted() && (pkt.Type == wire.FmtMemRd || pkt.Type == wire.FmtMemWr) {
		if v, ok := s.vppbForPhysicalPortLocked(port); ok && v.Frozen() {
			return port, RouteFrozenDrop
		}
	}
	return port, RouteForward
}

// portForBus maps a DSP bridge's secondary bus number back to the physical
// port bound to the vPPB that owns it (bus = 3+vppbIndex, see Enumerate).
func (s *VirtualSwitch) portForBus(secondaryBus uint8) (int, bool) {
	if secondaryBus < 3 {
		return 0, false
	}
	vppbIndex := int(secondaryBus) - 3
	if vppbIndex < 0 || vppbIndex >= len(s.vppbs) {
		return 0, false
	}
	v := s.vppbs[vppbIndex]
	if !v.bound {
		return 0, false
	}
	return v.physPort, true
}

// RouteCxlMem implements spec.md §4.E's CXL.mem routing rule: the USP's
// HDM decoder selects a downstream port index directly.
func (s *VirtualSwitch) RouteCxlMem(pkt *wire.CxlMemPacket) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.uspDecoder.GetTarget(pkt.Address)
	if !ok {
		return 0, false
	}
	return target, true
}

// VPPBForPhysicalPort returns the vPPB currently bound to physPort, if any
// — used by the freeze-semantics check on CXL.io traffic (spec.md §4.E).
func (s *VirtualSwitch) VPPBForPhysicalPort(physPort int) (*VPPB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vppbForPhysicalPortLocked(physPort)
}

// vppbForPhysicalPortLocked is VPPBForPhysicalPort's body, callable from
// methods that already hold s.mu.
func (s *VirtualSwitch) vppbForPhysicalPortLocked(physPort int) (*VPPB, bool) {
	for _, v := range s.vppbs {
		if v.bound && v.physPort == physPort {
			return v, true
		}
	}
	return nil, false
}
