package hostbridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opencis/opencis-core/mailbox"
	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// CacheDeviceLink is the downstream CXL.cache transport a CoherencyBridge
// drives: Send dispatches an H2D Req/Rsp/Data packet, and D2H carries every
// device-initiated D2H Req/Rsp/Data packet on one channel (cache_id/uqid
// disambiguate shape and pairing, matching the source's single
// downstream_cxl_cache_fifos.target_to_host queue).
type CacheDeviceLink struct {
	Send func(*wire.CxlCachePacket) error
	D2H  *mailbox.Mailbox[*wire.CxlCachePacket]
}

// CoherencyBridgeConfig wires a CoherencyBridge to its neighbours.
type CoherencyBridgeConfig struct {
	// HostLink is the same CacheFifoPair a HomeAgent's BridgeLink (or a
	// CacheController's CacheToCohBridge) points at: SNP_DATA/SNP_CUR/
	// SNP_INV/WRITE_BACK/WRITE_BACK_CLEAN requests for DRAM-backed addresses
	// that may also be cached by a downstream CXL.cache device.
	HostLink *CacheFifoPair

	// CacheLink lets a device-initiated D2H request probe the local host
	// cache's state before the bridge grants GO. Nil means no local host
	// cache is attached to this bridge.
	CacheLink *CacheFifoPair

	// MemLink is the backing DRAM store WRITE_BACK/WRITE_BACK_CLEAN flush to
	// and device D2H reads fill from.
	MemLink *MemoryFifoPair

	Device CacheDeviceLink
}

// CoherencyBridge is the cache-coherency bridge of spec.md §4.J: it answers
// host-side snoop/write-back requests by snooping the actual CXL.cache
// device, and answers device-initiated D2H cache-fill requests by consulting
// the local host cache and backing DRAM.
type CoherencyBridge struct {
	cfg       CoherencyBridgeConfig
	lifecycle *pkg.Lifecycle

	devCount atomic.Int32

	cqidMu sync.Mutex
	nextCQ uint16
}

// NewCoherencyBridge constructs a bridge bound to cfg, ready to be started
// with Run.
func NewCoherencyBridge(cfg CoherencyBridgeConfig) *CoherencyBridge {
	return &CoherencyBridge{cfg: cfg, lifecycle: pkg.NewLifecycle()}
}

// SetCoherentDeviceCount records how many downstream devices participate in
// CXL.cache coherency. A count of zero means device-originated snoops from
// the home agent have nowhere to go.
func (cb *CoherencyBridge) SetCoherentDeviceCount(n int) { cb.devCount.Store(int32(n)) }

// CoherentDeviceCount returns the count set by SetCoherentDeviceCount.
func (cb *CoherencyBridge) CoherentDeviceCount() int { return int(cb.devCount.Load()) }

// State returns the bridge's lifecycle state.
func (cb *CoherencyBridge) State() pkg.State { return cb.lifecycle.State() }

// WaitReady blocks until Run has entered its main loops.
func (cb *CoherencyBridge) WaitReady(ctx context.Context) error { return cb.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once the bridge has fully stopped.
func (cb *CoherencyBridge) Done() <-chan struct{} { return cb.lifecycle.Done() }

// Stop requests shutdown by closing the mailboxes this bridge reads from.
func (cb *CoherencyBridge) Stop() error {
	cb.cfg.HostLink.Request.Stop()
	cb.cfg.Device.D2H.Stop()
	return nil
}

// Run drives both the host-facing and device-facing loops until ctx is
// cancelled.
func (cb *CoherencyBridge) Run(ctx context.Context) error {
	cb.lifecycle.MarkRunning()
	defer cb.lifecycle.MarkStopped()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); cb.serveHost(ctx) }()
	go func() { defer wg.Done(); cb.serveDevice(ctx) }()
	wg.Wait()
	return nil
}

func (cb *CoherencyBridge) nextCQID() uint16 {
	cb.cqidMu.Lock()
	defer cb.cqidMu.Unlock()
	cb.nextCQ++
	return cb.nextCQ
}

// serveHost answers CacheRequests arriving on HostLink: a device-originated
// CXL.mem back-invalidate the home agent turned into a local snoop, or a
// host cacheline eviction needing a DRAM flush.
func (cb *CoherencyBridge) serveHost(ctx context.Context) {
	for {
		req, ok := cb.cfg.HostLink.Request.Get(ctx)
		if !ok {
			return
		}
		cb.cfg.HostLink.Response.Put(cb.handleHostRequest(ctx, req))
	}
}

func (cb *CoherencyBridge) handleHostRequest(ctx context.Context, req CacheRequest) CacheResponse {
	switch req.Type {
	case CacheReqWriteBack, CacheReqWriteBackClean:
		return cb.flushToMemory(ctx, req)
	case CacheReqSnpData:
		return cb.snoopDevice(ctx, req.Addr, wire.H2DReqSnpData, CacheRespS)
	case CacheReqSnpCur:
		return cb.snoopDevice(ctx, req.Addr, wire.H2DReqSnpCur, CacheRespV)
	case CacheReqSnpInv:
		return cb.snoopDevice(ctx, req.Addr, wire.H2DReqSnpInv, CacheRespI)
	default:
		return CacheResponse{Status: CacheRespMiss}
	}
}

// memWordSize is the granularity of one MemoryRequest: MemoryRequest.Data is
// a uint64, so a 64-byte cacheline flush or fill takes 8 of them.
const memWordSize = 8

func (cb *CoherencyBridge) flushToMemory(ctx context.Context, req CacheRequest) CacheResponse {
	if cb.cfg.MemLink == nil {
		return CacheResponse{Status: CacheRespOK}
	}
	for off := 0; off < len(req.Line); off += memWordSize {
		end := off + memWordSize
		if end > len(req.Line) {
			end = len(req.Line)
		}
		cb.cfg.MemLink.Request.Put(MemoryRequest{
			Type: MemReqWrite,
			Addr: req.Addr + uint64(off),
			Size: end - off,
			Data: bytesToUint64(req.Line[off:end]),
		})
		if _, ok := cb.cfg.MemLink.Response.Get(ctx); !ok {
			return CacheResponse{Status: CacheRespMiss}
		}
	}
	return CacheResponse{Status: CacheRespOK}
}

// snoopDevice issues an H2D back-snoop and waits for the device's D2H
// verdict. If no coherent device is attached the snoop trivially misses
// (there is nothing to hold a copy).
func (cb *CoherencyBridge) snoopDevice(ctx context.Context, addr uint64, op wire.H2DReqOpcode, hit CacheResponseStatus) CacheResponse {
	if cb.CoherentDeviceCount() == 0 {
		return CacheResponse{Status: CacheRespMiss}
	}

	cqid := cb.nextCQID()
	if err := cb.cfg.Device.Send(wire.NewH2DReq(cqid, op)); err != nil {
		return CacheResponse{Status: CacheRespMiss}
	}

	// SNP_INV expects a bare D2H Rsp (pure invalidate ack, no data); SNP_DATA
	// and SNP_CUR expect a D2H Rsp followed by a D2H Data carrying the
	// forwarded line.
	if _, ok := cb.awaitD2H(ctx, wire.CacheD2HRsp, cqid); !ok {
		return CacheResponse{Status: CacheRespMiss}
	}
	if op == wire.H2DReqSnpInv {
		return CacheResponse{Status: CacheRespI}
	}

	data, ok := cb.awaitD2H(ctx, wire.CacheD2HData, cqid)
	if !ok {
		return CacheResponse{Status: CacheRespMiss}
	}
	return CacheResponse{Status: hit, Line: data.Data}
}

// awaitD2H blocks for the next D2H packet of class on the device link whose
// UQID echoes cqid. Unrelated traffic is discarded.
func (cb *CoherencyBridge) awaitD2H(ctx context.Context, class wire.CacheMsgClass, cqid uint16) (*wire.CxlCachePacket, bool) {
	for {
		pkt, ok := cb.cfg.Device.D2H.Get(ctx)
		if !ok {
			return nil, false
		}
		if pkt.MsgClass == class && pkt.UQID == cqid {
			return pkt, true
		}
	}
}

// awaitAnyD2HData blocks for the next D2H Data packet regardless of UQID,
// used for the dirty-evict flow where only one such transfer is ever
// in flight per serveDevice iteration.
func (cb *CoherencyBridge) awaitAnyD2HData(ctx context.Context) *wire.CxlCachePacket {
	for {
		pkt, ok := cb.cfg.Device.D2H.Get(ctx)
		if !ok {
			return nil
		}
		if pkt.MsgClass == wire.CacheD2HData {
			return pkt
		}
	}
}

// serveDevice answers device-initiated D2H cache-fill requests: it probes
// the local host cache (if attached), grants GO, and supplies the line from
// backing DRAM.
func (cb *CoherencyBridge) serveDevice(ctx context.Context) {
	for {
		pkt, ok := cb.cfg.Device.D2H.Get(ctx)
		if !ok {
			return
		}
		if pkt.MsgClass != wire.CacheD2HReq {
			continue
		}
		cb.handleDeviceRequest(ctx, pkt)
	}
}

func (cb *CoherencyBridge) handleDeviceRequest(ctx context.Context, pkt *wire.CxlCachePacket) {
	cqid := cb.nextCQID()

	if cb.cfg.CacheLink != nil {
		cb.cfg.CacheLink.Request.Put(CacheRequest{Type: CacheReqSnpData, Addr: pkt.Addr})
		if _, ok := cb.cfg.CacheLink.Response.Get(ctx); !ok {
			return
		}
	}

	switch pkt.D2HReqOp {
	case wire.D2HReqCacheDirtyEvict:
		_ = cb.cfg.Device.Send(wire.NewH2DRsp(cqid, wire.H2DRspGoWritePull))
		data := cb.awaitAnyD2HData(ctx)
		if data != nil {
			cb.writeMemory(ctx, pkt.Addr, data.Data)
		}
	default:
		_ = cb.cfg.Device.Send(wire.NewH2DRsp(cqid, wire.H2DRspGo))
		line := cb.readMemory(ctx, pkt.Addr)
		_ = cb.cfg.Device.Send(wire.NewH2DData(cqid, line))
	}
}

func (cb *CoherencyBridge) readMemory(ctx context.Context, addr uint64) []byte {
	line := make([]byte, CacheLineSize)
	if cb.cfg.MemLink == nil {
		return line
	}
	for off := 0; off < CacheLineSize; off += memWordSize {
		cb.cfg.MemLink.Request.Put(MemoryRequest{Type: MemReqRead, Addr: addr + uint64(off), Size: memWordSize})
		resp, ok := cb.cfg.MemLink.Response.Get(ctx)
		if !ok {
			return line
		}
		copy(line[off:off+memWordSize], uint64ToBytes(resp.Data, memWordSize))
	}
	return line
}

func (cb *CoherencyBridge) writeMemory(ctx context.Context, addr uint64, data []byte) {
	if cb.cfg.MemLink == nil {
		return
	}
	for off := 0; off < len(data); off += memWordSize {
		end := off + memWordSize
		if end > len(data) {
			end = len(data)
		}
		cb.cfg.MemLink.Request.Put(MemoryRequest{
			Type: MemReqWrite,
			Addr: addr + uint64(off),
			Size: end - off,
			Data: bytesToUint64(data[off:end]),
		})
		if _, ok := cb.cfg.MemLink.Response.Get(ctx); !ok {
			return
		}
	}
}
