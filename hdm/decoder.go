package hdm

import "github.com/opencis/opencis-core/pkg"

// Granularity is the interleave granularity ig of a decoder, encoded as the
// log2 of its byte size minus 8 (ig=0 -> 256B, ig=6 -> 16KB).
type Granularity uint8

// Granularity values (spec.md §3).
const (
	Granularity256B Granularity = iota
	Granularity512B
	Granularity1K
	Granularity2K
	Granularity4K
	Granularity8K
	Granularity16K
)

// Bytes returns the granularity's size in bytes.
func (g Granularity) Bytes() uint64 { return 1 << (uint(g) + 8) }

// Ways is the interleave ways iw of a decoder. Values 0-4 encode the
// power-of-two way counts 1,2,4,8,16 as their log2; values 8,9,10 encode the
// non-power-of-two way counts 3,6,12 (spec.md §3, ported from
// INTERLEAVE_WAYS in the original HDM decoder).
type Ways uint8

// Ways values.
const (
	Ways1  Ways = 0
	Ways2  Ways = 1
	Ways4  Ways = 2
	Ways8  Ways = 3
	Ways16 Ways = 4
	Ways3  Ways = 8
	Ways6  Ways = 9
	Ways12 Ways = 10
)

// Count returns the real number of interleave ways (1,2,3,4,6,8,12,16).
func (w Ways) Count() int {
	switch w {
	case Ways1:
		return 1
	case Ways2:
		return 2
	case Ways4:
		return 4
	case Ways8:
		return 8
	case Ways16:
		return 16
	case Ways3:
		return 3
	case Ways6:
		return 6
	case Ways12:
		return 12
	default:
		return 1
	}
}

// PowerOfTwo reports whether w is one of the {1,2,4,8,16} encodings.
func (w Ways) PowerOfTwo() bool { return w <= Ways16 }

// getBitRange returns bits [start, end] (inclusive) of number, per the
// original decoder's get_bit_range helper.
func getBitRange(number uint64, start, end uint) uint64 {
	mask := uint64(1)<<(end-start+1) - 1
	return (number >> start) & mask
}

// Info is the commit payload for either decoder flavour. TargetPorts is
// meaningful for a SwitchDecoder, DPASkip for a DeviceDecoder.
type Info struct {
	Base        uint64
	Size        uint64
	IG          Granularity
	IW          Ways
	DPASkip     uint64
	TargetPorts []int
}

// base fields shared by both decoder flavours.
type base struct {
	index   int
	enabled bool
	base    uint64
	size    uint64
	ig      Granularity
	iw      Ways
}

// InRange reports whether hpa falls within [base, base+size) — undefined,
// i.e. always false, while the decoder is disabled (size == 0).
func (b *base) InRange(hpa uint64) bool {
	return b.enabled && b.base <= hpa && hpa < b.base+b.size
}

// Enabled reports whether Commit has been called and DecoderEnable(true)
// is in effect.
func (b *base) Enabled() bool { return b.enabled }

// SwitchDecoder routes a host physical address to one of N downstream
// ports (spec.md §4.F).
type SwitchDecoder struct {
	base
	targetPorts []int
}

// NewSwitchDecoder constructs a disabled decoder at the given index.
func NewSwitchDecoder(index int) *SwitchDecoder {
	return &SwitchDecoder{base: base{index: index}}
}

// Commit installs new decode parameters and enables the decoder.
func (d *SwitchDecoder) Commit(info Info) error {
	if len(info.TargetPorts) == 0 {
		return pkg.ErrConfig
	}
	d.base.base = info.Base
	d.size = info.Size
	d.ig = info.IG
	d.iw = info.IW
	d.targetPorts = info.TargetPorts
	d.enabled = true
	return nil
}

// DecoderEnable enables or disables the decoder without touching its
// committed parameters (disabling does not zero size, per spec.md §3: "a
// decoder is disabled (size=0) otherwise" describes the never-committed
// state, not a reversible toggle of a committed one).
func (d *SwitchDecoder) DecoderEnable(enabled bool) { d.enabled = enabled }

// GetTarget returns the downstream port index data at hpa should route to.
// Per spec.md §8 testable property 2, iw here is the decoder's real
// interleave-ways count (Ways.Count()), not the raw encoding.
func (d *SwitchDecoder) GetTarget(hpa uint64) (int, bool) {
	if !d.InRange(hpa) {
		return 0, false
	}
	igBytes := d.ig.Bytes()
	idx := int((hpa / igBytes) % uint64(d.iw.Count()))
	if idx >= len(d.targetPorts) {
		return 0, false
	}
	return d.targetPorts[idx], true
}

// DeviceDecoder translates between host physical addresses and the
// device's own physical address space (spec.md §4.F).
type DeviceDecoder struct {
	base
	dpaBase uint64
	dpaSkip uint64
}

// NewDeviceDecoder constructs a disabled decoder at the given index.
func NewDeviceDecoder(index int) *DeviceDecoder {
	return &DeviceDecoder{base: base{index: index}}
}

// Commit installs new decode parameters and enables the decoder.
func (d *DeviceDecoder) Commit(info Info) error {
	d.base.base = info.Base
	d.size = info.Size
	d.ig = info.IG
	d.iw = info.IW
	d.dpaBase = 0
	d.dpaSkip = info.DPASkip
	d.enabled = true
	return nil
}

// DecoderEnable enables or disables the decoder.
func (d *DeviceDecoder) DecoderEnable(enabled bool) { d.enabled = enabled }

// GetDPA translates a host physical address in range to a device physical
// address, ported bit-for-bit from the original DeviceHdmDecoder.get_dpa.
func (d *DeviceDecoder) GetDPA(hpa uint64) (uint64, bool) {
	if !d.InRange(hpa) {
		return 0, false
	}
	offset := hpa - d.base
	igShift := uint(d.ig) + 8

	lowBits := getBitRange(offset, 0, uint(d.ig)+7)
	var highBits uint64
	if d.iw.PowerOfTwo() {
		highBits = getBitRange(offset, uint(d.ig)+8+uint(d.iw), 51)
	} else {
		highBits = getBitRange(offset, uint(d.ig)+uint(d.iw), 51) / 3
	}
	dpaOffset := lowBits | (highBits << igShift)
	return d.dpaBase + dpaOffset, true
}

// GetHPA is the inverse of GetDPA, valid only when the decoder's interleave
// ways is 1 (spec.md §4.F, §8 testable property 2).
func (d *DeviceDecoder) GetHPA(dpa uint64) (uint64, bool) {
	if d.iw != Ways1 {
		return 0, false
	}
	return dpa + d.base, true
}
