package fabric

import "github.com/opencis/opencis-core/wire"

// Vendor/device identifiers this emulator's fabric components present on
// configuration-space reads. VendorID is shared by every device class.
const (
	VendorID         uint16 = 0x1DC5
	DeviceIDUSPBridge uint16 = 0xF002
	DeviceIDDSPBridge uint16 = 0xF003
	DeviceIDType3     uint16 = 0xF001
)

// PCI bridge class code (0x0604, bridge/PCI-to-PCI) per the PCI spec.
const ClassCodeBridge uint32 = 0x060400

// ConfigSpace is the subset of a PCI(e) function's configuration space
// this emulator models: the fields CXL.io CFG_RD/CFG_WR and the
// enumeration tests care about (spec.md §4.E, §8 testable property 3).
type ConfigSpace struct {
	BDF            wire.BDF
	VendorID       uint16
	DeviceID       uint16
	ClassCode      uint32
	IsBridge       bool
	SecondaryBus   uint8 // bridges only
	SubordinateBus uint8 // bridges only
	MemoryBase     uint32 // bridges only; 1MB-aligned window start
	MemoryLimit    uint32 // bridges only; 1MB-aligned window end (exclusive)
}

// vendorDeviceReg packs VendorID/DeviceID the way a CFG_RD of register 0x00
// returns them: vendor id in the low 16 bits, device id in the high 16.
func (c ConfigSpace) vendorDeviceReg() uint32 {
	return uint32(c.VendorID) | uint32(c.DeviceID)<<16
}

// inMemoryWindow reports whether addr falls within the bridge's MMIO
// window (spec.md §4.E routing rules).
func (c ConfigSpace) inMemoryWindow(addr uint64) bool {
	return c.IsBridge && addr >= uint64(c.MemoryBase) && addr < uint64(c.MemoryLimit)
}

// busInRange reports whether bdf.Bus falls within [SecondaryBus,
// SubordinateBus] — the rule CXL.io BDF-routed requests use to pick a
// downstream path (spec.md §4.E).
func (c ConfigSpace) busInRange(bdf wire.BDF) bool {
	return c.IsBridge && bdf.Bus >= c.SecondaryBus && bdf.Bus <= c.SubordinateBus
}
