package fabric

import (
	"context"

	"github.com/opencis/opencis-core/mailbox"
	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// uspPortIndex is the physical port index a VirtualSwitch's upstream port
// always occupies (spec.md §4.E, switch.go's NewVirtualSwitch).
const uspPortIndex = 0

// runForwarding drains one connection's CXL.io/CXL.mem/CCI mailboxes and
// applies sw's routing rules (spec.md §4.E) for as long as the connection
// is live. It returns once every mailbox reports closed, which happens
// when the owning Processor.Run exits.
//
// CXL.cache packets are not forwarded across the switch: in this
// emulator's topology, device-coherency traffic flows directly between a
// host's hostbridge.MemoryHub and a device's memdevice.DCOH over an
// in-process CacheFifoPair (see hostbridge.MemoryHubConfig.DeviceLink),
// never over the fabric's wire transport, so there is nothing here for a
// switch to route. The CXL.cache mailbox is drained and logged at debug
// level so an unexpected packet does not silently pile up.
func (c *ConnectionManager) runForwarding(ctx context.Context, portIndex int, p *Processor) {
	go c.forwardCxlIo(ctx, portIndex, p.Config)
	go c.forwardCxlIo(ctx, portIndex, p.MMIO)
	go c.forwardCxlMem(ctx, portIndex, p.Mem)
	go c.forwardCCI(ctx, portIndex, p.CCI)
	go c.drainCache(ctx, portIndex, p.Cache)
}

// forwardCxlIo applies spec.md §4.E's CXL.io routing rule: requests seen at
// the USP are routed downstream by BDF or MMIO window; completions seen at
// a DSP are routed straight back to the USP (the reverse leg of the same
// transaction, per spec.md §4.D rule 1).
func (c *ConnectionManager) forwardCxlIo(ctx context.Context, portIndex int, mbox *mailbox.Mailbox[*wire.CxlIoPacket]) {
	for {
		pkt, ok := mbox.Get(ctx)
		if !ok {
			return
		}
		if portIndex == uspPortIndex {
			c.routeCxlIoDownstream(pkt)
		} else {
			c.routeCxlIoUpstream(pkt)
		}
	}
}

func (c *ConnectionManager) routeCxlIoDownstream(pkt *wire.CxlIoPacket) {
	uspProc, ok := c.Processor(uspPortIndex)
	if !ok {
		return
	}

	enum := c.sw.Enumerate(c.MMIOBase())
	target, res := c.sw.RouteCxlIo(enum, pkt)
	switch res {
	case RouteForward:
		dspProc, ok := c.Processor(target)
		if !ok {
			_ = uspProc.SendCxlIo(wire.NewUnsupportedRequestCompletion(pkt))
			return
		}
		if err := dspProc.SendCxlIo(pkt); err != nil {
			pkg.LogWarn(pkg.ComponentFabric, "forward cxl.io downstream failed", "port", target, "err", err)
		}
	case RouteFrozenDrop:
		pkg.LogDebug(pkg.ComponentFabric, "dropped cxl.io through frozen vppb", "target", target)
	case RouteUnsupported:
		_ = uspProc.SendCxlIo(wire.NewUnsupportedRequestCompletion(pkt))
	}
}

func (c *ConnectionManager) routeCxlIoUpstream(pkt *wire.CxlIoPacket) {
	uspProc, ok := c.Processor(uspPortIndex)
	if !ok {
		return
	}
	if err := uspProc.Send(pkt); err != nil {
		pkg.LogWarn(pkg.ComponentFabric, "forward cxl.io upstream failed", "err", err)
	}
}

// forwardCxlMem applies spec.md §4.E's CXL.mem routing rule: M2S traffic
// from the USP is routed by the USP's HDM decoder; S2M traffic from a DSP
// is routed straight back to the USP using the ld_id the request carried
// (this emulator is single-logical-device only, so there is exactly one
// USP to return to; see DESIGN.md's MLD scope decision).
func (c *ConnectionManager) forwardCxlMem(ctx context.Context, portIndex int, mbox *mailbox.Mailbox[*wire.CxlMemPacket]) {
	for {
		pkt, ok := mbox.Get(ctx)
		if !ok {
			return
		}
		if portIndex == uspPortIndex {
			target, ok := c.sw.RouteCxlMem(pkt)
			if !ok {
				pkg.LogWarn(pkg.ComponentFabric, "cxl.mem address has no decoder match, dropping", "addr", pkt.Address)
				continue
			}
			dspProc, ok := c.Processor(target)
			if !ok {
				pkg.LogWarn(pkg.ComponentFabric, "cxl.mem target port not connected, dropping", "port", target)
				continue
			}
			if err := dspProc.Send(pkt); err != nil {
				pkg.LogWarn(pkg.ComponentFabric, "forward cxl.mem downstream failed", "port", target, "err", err)
			}
		} else {
			uspProc, ok := c.Processor(uspPortIndex)
			if !ok {
				continue
			}
			if err := uspProc.Send(pkt); err != nil {
				pkg.LogWarn(pkg.ComponentFabric, "forward cxl.mem upstream failed", "err", err)
			}
		}
	}
}

// forwardCCI answers fabric-manager traffic directly against the switch's
// own CCIHandler and writes the response back on the same connection it
// arrived on, regardless of which port the management channel is carried
// over.
func (c *ConnectionManager) forwardCCI(ctx context.Context, portIndex int, mbox *mailbox.Mailbox[*wire.CCIPacket]) {
	for {
		pkt, ok := mbox.Get(ctx)
		if !ok {
			return
		}
		resp := c.cci.Handle(pkt)
		proc, ok := c.Processor(portIndex)
		if !ok {
			continue
		}
		if err := proc.Send(resp); err != nil {
			pkg.LogWarn(pkg.ComponentFabric, "cci response send failed", "port", portIndex, "err", err)
		}
	}
}

func (c *ConnectionManager) drainCache(ctx context.Context, portIndex int, mbox *mailbox.Mailbox[*wire.CxlCachePacket]) {
	for {
		pkt, ok := mbox.Get(ctx)
		if !ok {
			return
		}
		pkg.LogDebug(pkg.ComponentFabric, "cxl.cache packet not routed by switch fabric", "port", portIndex, "class", pkt.MsgClass)
	}
}
