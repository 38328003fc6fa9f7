package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencis/opencis-core/hostbridge"
	"github.com/opencis/opencis-core/mailbox"
	"github.com/opencis/opencis-core/wire"
)

// newTestHub wires a MemoryHub whose downstream CXL.mem transport is a
// minimal fake memory device. It answers the two M2S shapes a cached
// CXL_HOST_READ/CXL_HOST_WRITE round trip can produce
// (hostbridge/homeagent_table.go's m2sTable): a SNP_DATA cache-miss fetch
// completes with a bare S2M NDR (Shared hit, no data, per
// hostbridge/homeagent.go's handleHostRequest), while a plain or uncached
// read completes with an S2M DRS carrying a fixed line.
func newTestHub(t *testing.T) *hostbridge.MemoryHub {
	t.Helper()
	ndr := mailbox.New[*wire.CxlMemPacket]()
	drs := mailbox.New[*wire.CxlMemPacket]()
	bisnp := mailbox.New[*wire.CxlMemPacket]()

	hub := hostbridge.NewMemoryHub(hostbridge.MemoryHubConfig{
		ComponentName: "mgmt-test-hub",
		NumAssoc:      2,
		NumSet:        4,
		MemLink: hostbridge.MemLink{
			Send: func(p *wire.CxlMemPacket) error {
				switch {
				case p.Snp == wire.SnpTypeSnpData:
					ndr.Put(wire.NewNDR(p.TID, wire.NDRCmpS))
				case p.Opcode == wire.MemOpMemRd:
					line := make([]byte, hostbridge.CacheLineSize)
					line[0] = 0x5A
					drs.Put(wire.NewDRS(p.TID, line))
				}
				return nil
			},
			NDR:   ndr,
			DRS:   drs,
			BISnp: bisnp,
		},
	})
	hub.AddMemRange(0, 0x10000, hostbridge.MemCXLUncached)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	if err := hub.WaitReady(ctx); err != nil {
		t.Fatalf("hub.WaitReady: %v", err)
	}
	return hub
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	hub := newTestHub(t)
	srv := NewServer("127.0.0.1:0", hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		srv.Stop()
		cancel()
	})
	go srv.Run(ctx)
	if err := srv.WaitReady(ctx); err != nil {
		t.Fatalf("srv.WaitReady: %v", err)
	}
	return srv, fmt.Sprintf("ws://%s/ws", srv.Addr().String())
}

func dialRPC(t *testing.T, url string, method string, params any, id uint64) response {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	defer conn.Close()

	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal params: %v", err)
	}
	if err := conn.WriteJSON(request{ID: id, Method: method, Params: raw}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return resp
}

func TestServerHostWriteThenReadRoundTrips(t *testing.T) {
	_, url := newTestServer(t)

	// The write allocates and fills the line locally (CacheController.Store
	// folds its own byte into the fetched line before caching it Modified),
	// so a read back of the same address is a cache hit and needs nothing
	// from the fake memory device.
	wr := dialRPC(t, url, "CXL_HOST_WRITE", hostWriteParams{Addr: 0x100, Size: 1, Data: 0x42}, 1)
	if wr.Error != "" {
		t.Fatalf("CXL_HOST_WRITE error: %s", wr.Error)
	}

	rd := dialRPC(t, url, "CXL_HOST_READ", hostReadParams{Addr: 0x100, Size: 1}, 2)
	if rd.Error != "" {
		t.Fatalf("CXL_HOST_READ error: %s", rd.Error)
	}
	result, ok := rd.Result.(map[string]any)
	if !ok {
		t.Fatalf("CXL_HOST_READ result = %#v, want a JSON object", rd.Result)
	}
	if data, _ := result["data"].(float64); uint64(data) != 0x42 {
		t.Fatalf("CXL_HOST_READ data = %v, want 0x42 (echoed back from the earlier write)", result["data"])
	}
}

func TestServerUnknownMethodReportsUnsupportedRequest(t *testing.T) {
	_, url := newTestServer(t)
	resp := dialRPC(t, url, "CXL_FROB", struct{}{}, 7)
	if resp.Error == "" {
		t.Fatal("CXL_FROB: want an error for an unrecognised method")
	}
}

func TestServerMemBIRspInjectsDeviceSnoop(t *testing.T) {
	hub := newTestHub(t)
	srv := NewServer("127.0.0.1:0", hub)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { srv.Stop(); cancel() })
	go srv.Run(ctx)
	if err := srv.WaitReady(ctx); err != nil {
		t.Fatalf("srv.WaitReady: %v", err)
	}
	url := fmt.Sprintf("ws://%s/ws", srv.Addr().String())

	// No CXL.cache device is attached to this hub's coherency bridge, so the injected
	// snoop's only observable effect is that it is accepted without error;
	// hostbridge/homeagent_test.go covers the resulting BIRsp shape directly.
	resp := dialRPC(t, url, "CXL_MEM_BIRSP", memBIRspParams{BIID: 1, BITag: 2, Addr: 0, Op: "data"}, 3)
	if resp.Error != "" {
		t.Fatalf("CXL_MEM_BIRSP error: %s", resp.Error)
	}
}

func TestServerMemBIRspRejectsUnknownOp(t *testing.T) {
	_, url := newTestServer(t)
	resp := dialRPC(t, url, "CXL_MEM_BIRSP", memBIRspParams{Op: "bogus"}, 4)
	if resp.Error == "" {
		t.Fatal("CXL_MEM_BIRSP with an unknown op: want an error")
	}
}
