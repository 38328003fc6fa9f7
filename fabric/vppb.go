package fabric

import "github.com/opencis/opencis-core/pkg"

// FreezeState is the runtime freeze state of a vPPB (spec.md §3).
type FreezeState uint8

// FreezeState values.
const (
	Unfrozen FreezeState = iota
	Frozen
)

// VPPB is a virtual PCI-to-PCI bridge: the switch's internal handle for one
// slot that a physical downstream port may be bound to (spec.md §3/§4.E).
type VPPB struct {
	index    int
	bound    bool
	physPort int
	ldID     uint8
	freeze   FreezeState
}

func newVPPB(index int) *VPPB {
	return &VPPB{index: index, physPort: -1}
}

// Index returns the vPPB's fixed slot number.
func (v *VPPB) Index() int { return v.index }

// Bound reports whether a physical port is currently attached.
func (v *VPPB) Bound() bool { return v.bound }

// PhysicalPort returns the bound physical port index, or -1 if unbound.
func (v *VPPB) PhysicalPort() int { return v.physPort }

// LdID returns the logical-device id of the binding (0 for an SLD).
func (v *VPPB) LdID() uint8 { return v.ldID }

// Frozen reports whether the vPPB is currently frozen.
func (v *VPPB) Frozen() bool { return v.freeze == Frozen }

func (v *VPPB) bind(physPort int, ldID uint8) error {
	if v.bound {
		return pkg.ErrAlreadyBound
	}
	v.bound = true
	v.physPort = physPort
	v.ldID = ldID
	return nil
}

func (v *VPPB) unbind() error {
	if !v.bound {
		return pkg.ErrNotBound
	}
	v.bound = false
	v.physPort = -1
	v.ldID = 0
	return nil
}

func (v *VPPB) freezeState(s FreezeState) { v.freeze = s }
