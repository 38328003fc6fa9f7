package hostbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opencis/opencis-core/mailbox"
	"github.com/opencis/opencis-core/wire"
)

// coherencyBridgeHarness wires a CoherencyBridge to an in-process HostLink,
// an optional CacheLink, a map-backed MemLink (standing in for the DRAM
// backing store), and a recording Device.Send, so handleHostRequest and
// handleDeviceRequest can be driven directly and their CXL.cache/CXL.mem
// traffic inspected.
type coherencyBridgeHarness struct {
	cb        *CoherencyBridge
	hostLink  *CacheFifoPair
	cacheLink *CacheFifoPair
	memLink   *MemoryFifoPair
	d2h       *mailbox.Mailbox[*wire.CxlCachePacket]

	mu   sync.Mutex
	mem  map[uint64]uint64
	sent []*wire.CxlCachePacket
}

func newCoherencyBridgeHarness(t *testing.T, withCacheLink bool) *coherencyBridgeHarness {
	t.Helper()
	h := &coherencyBridgeHarness{
		hostLink: NewCacheFifoPair(),
		memLink:  NewMemoryFifoPair(),
		d2h:      mailbox.New[*wire.CxlCachePacket](),
		mem:      make(map[uint64]uint64),
	}
	if withCacheLink {
		h.cacheLink = NewCacheFifoPair()
	}
	h.cb = NewCoherencyBridge(CoherencyBridgeConfig{
		HostLink:  h.hostLink,
		CacheLink: h.cacheLink,
		MemLink:   h.memLink,
		Device: CacheDeviceLink{
			Send: func(p *wire.CxlCachePacket) error {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.sent = append(h.sent, p)
				return nil
			},
			D2H: h.d2h,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.serveMem(ctx)
	return h
}

func (h *coherencyBridgeHarness) serveMem(ctx context.Context) {
	for {
		req, ok := h.memLink.Request.Get(ctx)
		if !ok {
			return
		}
		h.mu.Lock()
		switch req.Type {
		case MemReqWrite:
			h.mem[req.Addr] = req.Data
			h.memLink.Response.Put(MemoryResponse{Status: MemRespOK})
		case MemReqRead:
			h.memLink.Response.Put(MemoryResponse{Status: MemRespOK, Data: h.mem[req.Addr]})
		}
		h.mu.Unlock()
	}
}

func (h *coherencyBridgeHarness) waitSent(t *testing.T, n int) *wire.CxlCachePacket {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.sent) >= n {
			p := h.sent[n-1]
			h.mu.Unlock()
			return p
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("device packet not observed before deadline")
	return nil
}

func TestCoherencyBridgeFlushToMemoryWritesWholeLine(t *testing.T) {
	h := newCoherencyBridgeHarness(t, false)
	line := make([]byte, CacheLineSize)
	line[0], line[8] = 0x11, 0x22

	resp := h.cb.handleHostRequest(context.Background(), CacheRequest{Type: CacheReqWriteBack, Addr: 0x1000, Line: line})
	if resp.Status != CacheRespOK {
		t.Fatalf("response = %+v, want RSP_OK", resp)
	}
	h.mu.Lock()
	got0, got8 := h.mem[0x1000], h.mem[0x1008]
	h.mu.Unlock()
	if got0 != 0x11 || got8 != 0x22 {
		t.Fatalf("mem[0x1000]/mem[0x1008] = %#x/%#x, want 0x11/0x22", got0, got8)
	}
}

func TestCoherencyBridgeSnoopWithNoCoherentDevicesMisses(t *testing.T) {
	h := newCoherencyBridgeHarness(t, false)
	resp := h.cb.handleHostRequest(context.Background(), CacheRequest{Type: CacheReqSnpData, Addr: 0})
	if resp.Status != CacheRespMiss {
		t.Fatalf("response = %+v, want RSP_MISS (no coherent device attached)", resp)
	}
	h.mu.Lock()
	n := len(h.sent)
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("sent %d device packets, want 0: a snoop with nowhere to go must not touch the device link", n)
	}
}

func TestCoherencyBridgeSnoopDataSharedHitReturnsForwardedLine(t *testing.T) {
	h := newCoherencyBridgeHarness(t, false)
	h.cb.SetCoherentDeviceCount(1)
	line := make([]byte, CacheLineSize)
	line[0] = 0x9A

	done := make(chan CacheResponse, 1)
	go func() { done <- h.cb.handleHostRequest(context.Background(), CacheRequest{Type: CacheReqSnpData, Addr: 0}) }()

	req := h.waitSent(t, 1)
	if req.MsgClass != wire.CacheH2DReq || req.H2DReqOp != wire.H2DReqSnpData {
		t.Fatalf("device request = %+v, want H2D SnpData", req)
	}
	h.d2h.Put(wire.NewD2HRsp(req.CQID, wire.D2HRspRspIFwdM))
	h.d2h.Put(wire.NewD2HData(req.CQID, line))

	select {
	case resp := <-done:
		if resp.Status != CacheRespS || resp.Line[0] != 0x9A {
			t.Fatalf("response = %+v, want RSP_S carrying the forwarded line", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("no response before deadline")
	}
}

func TestCoherencyBridgeSnoopInvReturnsIWithoutAwaitingData(t *testing.T) {
	h := newCoherencyBridgeHarness(t, false)
	h.cb.SetCoherentDeviceCount(1)

	done := make(chan CacheResponse, 1)
	go func() { done <- h.cb.handleHostRequest(context.Background(), CacheRequest{Type: CacheReqSnpInv, Addr: 0}) }()

	req := h.waitSent(t, 1)
	if req.H2DReqOp != wire.H2DReqSnpInv {
		t.Fatalf("device request op = %v, want H2DReqSnpInv", req.H2DReqOp)
	}
	h.d2h.Put(wire.NewD2HRsp(req.CQID, wire.D2HRspRspIFwdM))

	select {
	case resp := <-done:
		if resp.Status != CacheRespI {
			t.Fatalf("response = %+v, want RSP_I", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("no response before deadline")
	}
}

func TestCoherencyBridgeHandleDeviceRequestFillsFromMemory(t *testing.T) {
	h := newCoherencyBridgeHarness(t, false)
	h.mu.Lock()
	h.mem[0] = 0x1122334455667788
	h.mu.Unlock()

	h.cb.handleDeviceRequest(context.Background(), wire.NewD2HReq(0, 0, wire.D2HReqCacheRdShared))

	grant := h.waitSent(t, 1)
	if grant.MsgClass != wire.CacheH2DRsp || grant.H2DRspOp != wire.H2DRspGo {
		t.Fatalf("grant = %+v, want H2D Rsp(Go)", grant)
	}
	data := h.waitSent(t, 2)
	if data.MsgClass != wire.CacheH2DData || data.Data[0] != 0x88 {
		t.Fatalf("data = %+v, want H2D Data carrying mem[0]", data)
	}
}

func TestCoherencyBridgeHandleDeviceRequestDirtyEvictWritesMemory(t *testing.T) {
	h := newCoherencyBridgeHarness(t, false)

	done := make(chan struct{})
	go func() {
		h.cb.handleDeviceRequest(context.Background(), wire.NewD2HReq(0, 0x2000, wire.D2HReqCacheDirtyEvict))
		close(done)
	}()

	grant := h.waitSent(t, 1)
	if grant.MsgClass != wire.CacheH2DRsp || grant.H2DRspOp != wire.H2DRspGoWritePull {
		t.Fatalf("grant = %+v, want H2D Rsp(GoWritePull)", grant)
	}

	dirty := make([]byte, CacheLineSize)
	dirty[0] = 0x5C
	h.d2h.Put(wire.NewD2HData(0, dirty))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleDeviceRequest did not return after the evicted data arrived")
	}
	h.mu.Lock()
	got := h.mem[0x2000]
	h.mu.Unlock()
	if got != 0x5C {
		t.Fatalf("mem[0x2000] = %#x, want 0x5C", got)
	}
}

func TestCoherencyBridgeHandleDeviceRequestProbesLocalCacheFirst(t *testing.T) {
	h := newCoherencyBridgeHarness(t, true)
	probed := make(chan uint64, 1)
	go func() {
		req, ok := h.cacheLink.Request.Get(context.Background())
		if !ok {
			return
		}
		probed <- req.Addr
		h.cacheLink.Response.Put(CacheResponse{Status: CacheRespMiss})
	}()

	h.cb.handleDeviceRequest(context.Background(), wire.NewD2HReq(0, 0x3000, wire.D2HReqCacheRdAny))
	h.waitSent(t, 2) // grant + data

	select {
	case addr := <-probed:
		if addr != 0x3000 {
			t.Fatalf("probed addr = %#x, want 0x3000", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("local cache was never probed before granting the device's request")
	}
}
