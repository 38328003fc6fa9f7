package hostbridge

import (
	"context"
	"sync"

	"github.com/opencis/opencis-core/pkg"
)

// MemAddrType classifies an address range's coherency treatment (spec.md
// §4.H): which downstream fifo pair, if any, a miss or snoop is forwarded
// on.
type MemAddrType int

// MemAddrType values.
const (
	MemOOB MemAddrType = iota
	MemDRAM
	MemCXLCached
	MemCXLCachedBI
	MemCXLUncached
)

// MemoryRange is one entry of the cache controller's address map.
type MemoryRange struct {
	Addr     uint64
	Size     uint64
	AddrType MemAddrType
}

// CacheControllerConfig wires a CacheController to its neighbours. A host
// CPU-facing controller sets ProcessorToCache; a device-side controller that
// only answers snoops (the one memdevice.DCOH queries over a CacheFifoPair
// for its HDM-DB dispatch, per spec.md §4.K) leaves it nil.
type CacheControllerConfig struct {
	ComponentName string

	ProcessorToCache *MemoryFifoPair // CPU surface; nil if this controller has none

	CacheToCohAgent *CacheFifoPair // outward to the home agent (CXL.mem-backed ranges)
	CohAgentToCache *CacheFifoPair // inward snoops from the home agent

	CacheToCohBridge *CacheFifoPair // outward to the coherency bridge (DRAM-backed ranges)
	CohBridgeToCache *CacheFifoPair // inward snoops from the coherency bridge

	NumAssoc int
	NumSet   int
}

// CacheController is the inclusive cache plus its memory-range map and
// neighbour wiring (spec.md §4.H).
type CacheController struct {
	cfg       CacheControllerConfig
	cache     *Cache
	lifecycle *pkg.Lifecycle

	rangeMu sync.Mutex
	ranges  []MemoryRange
}

// NewCacheController constructs a controller with an empty cache and empty
// address map.
func NewCacheController(cfg CacheControllerConfig) *CacheController {
	return &CacheController{
		cfg:       cfg,
		cache:     NewCache(cfg.NumAssoc, cfg.NumSet),
		lifecycle: pkg.NewLifecycle(cfg.ComponentName),
	}
}

// State returns the controller's lifecycle state.
func (cc *CacheController) State() pkg.State { return cc.lifecycle.State() }

// WaitReady blocks until Run has entered its service loops.
func (cc *CacheController) WaitReady(ctx context.Context) error { return cc.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once the controller has fully stopped.
func (cc *CacheController) Done() <-chan struct{} { return cc.lifecycle.Done() }

// Run services the CPU-surface and snoop-surface mailboxes until ctx is
// cancelled.
func (cc *CacheController) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if cc.cfg.ProcessorToCache != nil {
		wg.Add(1)
		go func() { defer wg.Done(); cc.serveProcessor(ctx) }()
	}
	if cc.cfg.CohAgentToCache != nil {
		wg.Add(1)
		go func() { defer wg.Done(); cc.serveSnoops(ctx, cc.cfg.CohAgentToCache) }()
	}
	if cc.cfg.CohBridgeToCache != nil {
		wg.Add(1)
		go func() { defer wg.Done(); cc.serveSnoops(ctx, cc.cfg.CohBridgeToCache) }()
	}
	cc.lifecycle.MarkRunning()
	<-ctx.Done()
	wg.Wait()
	cc.lifecycle.MarkStopped()
	return nil
}

// Stop requests shutdown by closing every mailbox this controller reads
// from; the service goroutines observe !ok from Get and return.
func (cc *CacheController) Stop() error {
	if cc.cfg.ProcessorToCache != nil {
		cc.cfg.ProcessorToCache.Request.Stop()
	}
	if cc.cfg.CohAgentToCache != nil {
		cc.cfg.CohAgentToCache.Request.Stop()
	}
	if cc.cfg.CohBridgeToCache != nil {
		cc.cfg.CohBridgeToCache.Request.Stop()
	}
	return nil
}

func (cc *CacheController) serveProcessor(ctx context.Context) {
	pair := cc.cfg.ProcessorToCache
	for {
		req, ok := pair.Request.Get(ctx)
		if !ok {
			return
		}
		var resp MemoryResponse
		switch req.Type {
		case MemReqRead:
			data, err := cc.Load(ctx, req.Addr, req.Size)
			resp = toMemResponse(data, err)
		case MemReqWrite:
			err := cc.Store(ctx, req.Addr, req.Size, req.Data)
			resp = toMemResponse(req.Data, err)
		case MemReqUncachedRead:
			data, err := cc.UncachedLoad(ctx, req.Addr, req.Size)
			resp = toMemResponse(data, err)
		case MemReqUncachedWrite:
			err := cc.UncachedStore(ctx, req.Addr, req.Size, req.Data)
			resp = toMemResponse(req.Data, err)
		}
		pair.Response.Put(resp)
	}
}

func (cc *CacheController) serveSnoops(ctx context.Context, pair *CacheFifoPair) {
	for {
		req, ok := pair.Request.Get(ctx)
		if !ok {
			return
		}
		var resp CacheResponse
		switch req.Type {
		case CacheReqSnpData:
			resp = cc.SnpData(req.Addr)
		case CacheReqSnpInv:
			resp = cc.SnpInv(req.Addr)
		case CacheReqSnpCur:
			resp = cc.SnpCur(req.Addr)
		default:
			resp = CacheResponse{Status: CacheRespMiss}
		}
		pair.Response.Put(resp)
	}
}

func toMemResponse(data uint64, err error) MemoryResponse {
	if err != nil {
		return MemoryResponse{Status: MemRespError}
	}
	return MemoryResponse{Status: MemRespOK, Data: data}
}

// Load services a CPU read (spec.md §4.H): a hit returns data directly; a
// miss issues an M2S MemRd-shaped SNP_DATA fetch (evicting and writing back
// the LRU victim first, if dirty) and inserts the line in Shared.
func (cc *CacheController) Load(ctx context.Context, addr uint64, size int) (uint64, error) {
	cc.cache.Acquire(addr)
	defer cc.cache.Release(addr)

	if slot, hit := cc.cache.lookup(addr); hit {
		return bytesToUint64(cc.cache.read(slot, addr, size)), nil
	}

	addrType := cc.GetMemAddrType(addr)
	if addrType == MemOOB {
		return 0, pkg.ErrConfig
	}

	slot, evicted := cc.cache.allocate(addr)
	if evicted != nil {
		if err := cc.writeBack(ctx, addrType, evicted); err != nil {
			return 0, err
		}
	}

	resp, err := cc.sendOutward(ctx, addrType, CacheRequest{Type: CacheReqSnpData, Addr: lineBase(addr)})
	if err != nil {
		return 0, err
	}
	cc.cache.touch(slot, lineBase(addr), LineShared, resp.Line)
	return bytesToUint64(cc.cache.read(slot, addr, size)), nil
}

// Store services a CPU write (spec.md §4.H): a hit in M/E writes locally; a
// hit in S first upgrades via SNP_INV; a miss allocates a line and always
// fetches its existing contents with SNP_DATA before writing.
func (cc *CacheController) Store(ctx context.Context, addr uint64, size int, data uint64) error {
	cc.cache.Acquire(addr)
	defer cc.cache.Release(addr)

	buf := uint64ToBytes(data, size)
	addrType := cc.GetMemAddrType(addr)

	if slot, hit := cc.cache.lookup(addr); hit {
		switch cc.cache.state(slot) {
		case LineModified, LineExclusive:
			cc.cache.write(slot, addr, buf)
			return nil
		default: // LineShared
			if _, err := cc.sendOutward(ctx, addrType, CacheRequest{Type: CacheReqSnpInv, Addr: lineBase(addr)}); err != nil {
				return err
			}
			cc.cache.write(slot, addr, buf)
			cc.cache.setState(slot, LineModified)
			return nil
		}
	}

	if addrType == MemOOB {
		return pkg.ErrConfig
	}

	slot, evicted := cc.cache.allocate(addr)
	if evicted != nil {
		if err := cc.writeBack(ctx, addrType, evicted); err != nil {
			return err
		}
	}

	// MemoryRequest.Data is a uint64, so a CPU store can cover at most 8
	// bytes of a 64-byte line; the rest must be read for ownership first.
	line := make([]byte, CacheLineSize)
	resp, err := cc.sendOutward(ctx, addrType, CacheRequest{Type: CacheReqSnpData, Addr: lineBase(addr)})
	if err != nil {
		return err
	}
	if resp.Line != nil {
		copy(line, resp.Line)
	}
	off := addr - lineBase(addr)
	copy(line[off:], buf)
	cc.cache.touch(slot, lineBase(addr), LineModified, line)
	return nil
}

// UncachedLoad bypasses the cache entirely, emitting UNCACHED_READ.
func (cc *CacheController) UncachedLoad(ctx context.Context, addr uint64, size int) (uint64, error) {
	addrType := cc.GetMemAddrType(addr)
	if addrType == MemOOB {
		return 0, pkg.ErrConfig
	}
	resp, err := cc.sendOutward(ctx, addrType, CacheRequest{Type: CacheReqUncachedRead, Addr: addr, Size: size})
	if err != nil {
		return 0, err
	}
	return bytesToUint64(resp.Line), nil
}

// UncachedStore bypasses the cache entirely, emitting UNCACHED_WRITE.
func (cc *CacheController) UncachedStore(ctx context.Context, addr uint64, size int, data uint64) error {
	addrType := cc.GetMemAddrType(addr)
	if addrType == MemOOB {
		return pkg.ErrConfig
	}
	_, err := cc.sendOutward(ctx, addrType, CacheRequest{Type: CacheReqUncachedWrite, Addr: addr, Size: size, Line: uint64ToBytes(data, size)})
	return err
}

// SnpData answers a peer-originated shared-read snoop (spec.md §4.H).
func (cc *CacheController) SnpData(addr uint64) CacheResponse {
	cc.cache.Acquire(addr)
	defer cc.cache.Release(addr)
	slot, hit := cc.cache.lookup(addr)
	if !hit {
		return CacheResponse{Status: CacheRespMiss}
	}
	data := cc.cache.lineData(slot)
	if cc.cache.state(slot) == LineModified {
		cc.cache.setState(slot, LineShared)
	}
	return CacheResponse{Status: CacheRespS, Line: data}
}

// SnpInv answers a peer-originated invalidating snoop (spec.md §4.H),
// returning any dirty data so the caller can write it back.
func (cc *CacheController) SnpInv(addr uint64) CacheResponse {
	cc.cache.Acquire(addr)
	defer cc.cache.Release(addr)
	slot, hit := cc.cache.lookup(addr)
	if !hit {
		return CacheResponse{Status: CacheRespMiss}
	}
	dirty := cc.cache.state(slot) == LineModified
	var data []byte
	if dirty {
		data = cc.cache.lineData(slot)
	}
	cc.cache.invalidate(slot)
	return CacheResponse{Status: CacheRespI, Line: data}
}

// SnpCur answers a peer-originated current-value snoop (spec.md §4.H): the
// line's data is returned without any state transition.
func (cc *CacheController) SnpCur(addr uint64) CacheResponse {
	cc.cache.Acquire(addr)
	defer cc.cache.Release(addr)
	slot, hit := cc.cache.lookup(addr)
	if !hit {
		return CacheResponse{Status: CacheRespMiss}
	}
	return CacheResponse{Status: CacheRespV, Line: cc.cache.lineData(slot)}
}

// writeBack emits a WRITE_BACK CacheRequest for an evicted modified line.
func (cc *CacheController) writeBack(ctx context.Context, addrType MemAddrType, evicted *cacheLine) error {
	data := append([]byte(nil), evicted.data[:]...)
	_, err := cc.sendOutward(ctx, addrType, CacheRequest{Type: CacheReqWriteBack, Addr: evicted.tag, Line: data})
	return err
}

// sendOutward routes req to the coh-agent pair (CXL.mem-backed ranges) or
// the coh-bridge pair (DRAM-backed ranges) per its address type.
func (cc *CacheController) sendOutward(ctx context.Context, addrType MemAddrType, req CacheRequest) (CacheResponse, error) {
	pair := cc.cfg.CacheToCohAgent
	if addrType == MemDRAM {
		pair = cc.cfg.CacheToCohBridge
	}
	if pair == nil {
		return CacheResponse{}, pkg.ErrProtocol
	}
	pair.Request.Put(req)
	resp, ok := pair.Response.Get(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return CacheResponse{}, err
		}
		return CacheResponse{}, pkg.ErrProtocol
	}
	return resp, nil
}

// AddMemRange registers an address range's coherency treatment.
func (cc *CacheController) AddMemRange(addr, size uint64, addrType MemAddrType) {
	cc.rangeMu.Lock()
	defer cc.rangeMu.Unlock()
	cc.ranges = append(cc.ranges, MemoryRange{Addr: addr, Size: size, AddrType: addrType})
}

// RemoveMemRange removes a previously added range matching exactly.
func (cc *CacheController) RemoveMemRange(addr, size uint64, addrType MemAddrType) {
	cc.rangeMu.Lock()
	defer cc.rangeMu.Unlock()
	out := cc.ranges[:0]
	for _, r := range cc.ranges {
		if r.Addr == addr && r.Size == size && r.AddrType == addrType {
			continue
		}
		out = append(out, r)
	}
	cc.ranges = out
}

// GetMemRange returns the range containing addr, if any.
func (cc *CacheController) GetMemRange(addr uint64) (MemoryRange, bool) {
	cc.rangeMu.Lock()
	defer cc.rangeMu.Unlock()
	for _, r := range cc.ranges {
		if addr >= r.Addr && addr < r.Addr+r.Size {
			return r, true
		}
	}
	return MemoryRange{}, false
}

// GetMemAddrType returns addr's coherency class, or MemOOB if unmapped.
func (cc *CacheController) GetMemAddrType(addr uint64) MemAddrType {
	if r, ok := cc.GetMemRange(addr); ok {
		return r.AddrType
	}
	return MemOOB
}

// GetMemoryRanges returns a snapshot of the address map.
func (cc *CacheController) GetMemoryRanges() []MemoryRange {
	cc.rangeMu.Lock()
	defer cc.rangeMu.Unlock()
	return append([]MemoryRange(nil), cc.ranges...)
}

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
