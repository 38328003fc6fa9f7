package memdevice

import (
	"context"

	"github.com/opencis/opencis-core/hdm"
	"github.com/opencis/opencis-core/hostbridge"
	"github.com/opencis/opencis-core/mailbox"
	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// memWordSize is the granularity of one MemoryRequest: MemoryRequest.Data is
// a uint64, so a 64-byte cacheline read or write takes 8 of them.
const memWordSize = 8

// DCOHUpstreamLink is the host-facing CXL.mem transport a DCOH drives: M2S
// carries every inbound M2S Req/RwD packet, and Send dispatches the matching
// S2M NDR or DRS completion. This is the device-side mirror of
// hostbridge.MemLink — same wire shapes, opposite direction of travel.
type DCOHUpstreamLink struct {
	M2S  *mailbox.Mailbox[*wire.CxlMemPacket]
	Send func(*wire.CxlMemPacket) error
}

// DCOHConfig wires a DCOH to its neighbours.
type DCOHConfig struct {
	ComponentName string

	Upstream DCOHUpstreamLink

	// CacheLink queries the device's own cache of lines it holds for
	// HDM-DB coherency operations (SNP_DATA/SNP_INV/SNP_CUR). Nil means no
	// device-side cache is attached (every such snoop misses).
	CacheLink *hostbridge.CacheFifoPair

	// MemLink is the backing store HDM-H reads/writes go straight to,
	// bypassing CacheLink entirely.
	MemLink *hostbridge.MemoryFifoPair

	// Decoder translates the host physical address every M2S packet
	// carries into this device's own physical address space before any
	// backing-store or device-cache access (spec.md §4.F/§4.K). Nil means
	// the device presents its DPA space as identity-mapped to HPA — useful
	// for standalone DCOH tests that do not exercise decoder commit.
	Decoder *hdm.DeviceDecoder
}

// DCOH is the device-side coherency responder of spec.md §4.K: it answers
// the host's CXL.mem M2S traffic according to a fixed dispatch table keyed
// on (opcode, meta field, meta value, snoop type), grounded on
// original_source/tests/test_cxl_mem_dcoh.py. Unlike the host-side home
// agent, DCOH never originates a request of its own — it only replies.
type DCOH struct {
	cfg       DCOHConfig
	lifecycle *pkg.Lifecycle
}

// NewDCOH constructs a DCOH bound to cfg, ready to be started with Run.
func NewDCOH(cfg DCOHConfig) *DCOH {
	return &DCOH{cfg: cfg, lifecycle: pkg.NewLifecycle(cfg.ComponentName)}
}

// State returns the DCOH's lifecycle state.
func (d *DCOH) State() pkg.State { return d.lifecycle.State() }

// WaitReady blocks until Run has entered its main loop.
func (d *DCOH) WaitReady(ctx context.Context) error { return d.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once the DCOH has fully stopped.
func (d *DCOH) Done() <-chan struct{} { return d.lifecycle.Done() }

// Stop requests shutdown by closing the mailbox this DCOH reads from.
func (d *DCOH) Stop() error {
	d.cfg.Upstream.M2S.Stop()
	return nil
}

// Run drains M2S packets off Upstream until ctx is cancelled or Stop closes
// the mailbox.
func (d *DCOH) Run(ctx context.Context) error {
	d.lifecycle.MarkRunning()
	defer d.lifecycle.MarkStopped()

	for {
		pkt, ok := d.cfg.Upstream.M2S.Get(ctx)
		if !ok {
			return nil
		}
		d.handle(ctx, pkt)
	}
}

// handle dispatches one M2S packet per the six shapes spec.md §4.K names.
// The host physical address pkt carries is translated to this device's own
// address space once, up front, per spec.md §4.F: every backing-store and
// device-cache access downstream of dispatch operates on the DPA.
func (d *DCOH) handle(ctx context.Context, pkt *wire.CxlMemPacket) {
	addr := d.dpa(pkt.Address)

	switch {
	case pkt.Opcode == wire.MemOpMemRd && pkt.Meta == wire.MetaFieldNoOp:
		// HDM-H normal read: bare DRS, no NDR.
		d.replyDRS(pkt.TID, d.readMemory(ctx, addr))

	case pkt.Opcode == wire.MemOpMemRd && pkt.Meta == wire.MetaFieldMeta0State &&
		pkt.Value == wire.MetaValueShared && pkt.Snp == wire.SnpTypeSnpData:
		// HDM-DB device-shared read: NDR only, Cmp-S if the device's cache
		// answers Shared, Cmp-E (no data survives) otherwise.
		resp := d.querySnoop(ctx, hostbridge.CacheReqSnpData, addr)
		if resp.Status == hostbridge.CacheRespS {
			d.replyNDR(pkt.TID, wire.NDRCmpS)
		} else {
			d.replyNDR(pkt.TID, wire.NDRCmpE)
		}

	case pkt.Opcode == wire.MemOpMemInv && pkt.Meta == wire.MetaFieldMeta0State &&
		pkt.Snp == wire.SnpTypeSnpInv:
		// HDM-DB non-data, host ownership device invalidation: DRS carrying
		// whatever dirty data the device's cache was holding.
		resp := d.querySnoop(ctx, hostbridge.CacheReqSnpInv, addr)
		line := resp.Line
		if line == nil {
			line = make([]byte, hostbridge.CacheLineSize)
		}
		d.replyDRS(pkt.TID, line)

	case pkt.Opcode == wire.MemOpMemRd && pkt.Meta == wire.MetaFieldMeta0State &&
		pkt.Snp == wire.SnpTypeSnpCur:
		// HDM-DB non-cacheable read, leaving device cache: NDR only, no
		// data payload and no state transition reported back upstream.
		d.querySnoop(ctx, hostbridge.CacheReqSnpCur, addr)
		d.replyNDR(pkt.TID, wire.NDRCmp)

	case pkt.Opcode == wire.MemOpMemWr && pkt.Meta == wire.MetaFieldNoOp:
		// HDM-H normal write: straight to the backing store, NDR ack.
		d.writeMemory(ctx, addr, pkt.Data)
		d.replyNDR(pkt.TID, wire.NDRCmp)

	case pkt.Opcode == wire.MemOpMemWr && pkt.Meta == wire.MetaFieldMeta0State &&
		pkt.Value == wire.MetaValueInvalid:
		// Host is flushing a line it is relinquishing ownership of: write
		// the data through, then drop any stale device-side cached copy.
		d.writeMemory(ctx, addr, pkt.Data)
		if d.cfg.CacheLink != nil {
			d.cfg.CacheLink.Request.Put(hostbridge.CacheRequest{Type: hostbridge.CacheReqSnpInv, Addr: addr})
			d.cfg.CacheLink.Response.Get(ctx)
		}
		d.replyNDR(pkt.TID, wire.NDRCmp)

	default:
		pkg.LogWarn(pkg.ComponentMemDevice, "dcoh: unrecognised m2s shape",
			"opcode", pkt.Opcode, "meta", pkt.Meta, "value", pkt.Value, "snp", pkt.Snp)
		d.replyNDR(pkt.TID, wire.NDRCmp)
	}
}

// dpa translates a host physical address to this device's physical address
// space via cfg.Decoder, falling back to identity mapping when no decoder is
// configured or hpa falls outside every committed decoder range.
func (d *DCOH) dpa(hpa uint64) uint64 {
	if d.cfg.Decoder == nil {
		return hpa
	}
	v, ok := d.cfg.Decoder.GetDPA(hpa)
	if !ok {
		pkg.LogWarn(pkg.ComponentMemDevice, "dcoh: hpa not covered by any committed decoder, passing through", "hpa", hpa)
		return hpa
	}
	return v
}

func (d *DCOH) querySnoop(ctx context.Context, reqType hostbridge.CacheRequestType, addr uint64) hostbridge.CacheResponse {
	if d.cfg.CacheLink == nil {
		return hostbridge.CacheResponse{Status: hostbridge.CacheRespMiss}
	}
	d.cfg.CacheLink.Request.Put(hostbridge.CacheRequest{Type: reqType, Addr: addr})
	resp, ok := d.cfg.CacheLink.Response.Get(ctx)
	if !ok {
		return hostbridge.CacheResponse{Status: hostbridge.CacheRespMiss}
	}
	return resp
}

func (d *DCOH) replyNDR(tid uint16, op wire.NDROpcode) {
	_ = d.cfg.Upstream.Send(wire.NewNDR(tid, op))
}

func (d *DCOH) replyDRS(tid uint16, data []byte) {
	_ = d.cfg.Upstream.Send(wire.NewDRS(tid, data))
}

func (d *DCOH) readMemory(ctx context.Context, addr uint64) []byte {
	line := make([]byte, hostbridge.CacheLineSize)
	if d.cfg.MemLink == nil {
		return line
	}
	base := lineBase(addr)
	for off := 0; off < hostbridge.CacheLineSize; off += memWordSize {
		d.cfg.MemLink.Request.Put(hostbridge.MemoryRequest{Type: hostbridge.MemReqRead, Addr: base + uint64(off), Size: memWordSize})
		resp, ok := d.cfg.MemLink.Response.Get(ctx)
		if !ok {
			return line
		}
		copy(line[off:off+memWordSize], uint64ToBytes(resp.Data, memWordSize))
	}
	return line
}

func (d *DCOH) writeMemory(ctx context.Context, addr uint64, data []byte) {
	if d.cfg.MemLink == nil || len(data) == 0 {
		return
	}
	for off := 0; off < len(data); off += memWordSize {
		end := off + memWordSize
		if end > len(data) {
			end = len(data)
		}
		d.cfg.MemLink.Request.Put(hostbridge.MemoryRequest{
			Type: hostbridge.MemReqWrite,
			Addr: addr + uint64(off),
			Size: end - off,
			Data: bytesToUint64(data[off:end]),
		})
		if _, ok := d.cfg.MemLink.Response.Get(ctx); !ok {
			return
		}
	}
}

func lineBase(addr uint64) uint64 { return addr &^ (hostbridge.CacheLineSize - 1) }

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func uint64ToBytes(v uint64, size int) []byte {
	if size > 8 {
		size = 8
	}
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}
