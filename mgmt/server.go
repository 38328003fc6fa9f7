// Package mgmt exposes a JSON-RPC-over-WebSocket management channel onto a
// running hostbridge.MemoryHub: CXL_HOST_READ/CXL_HOST_WRITE drive the CPU
// surface directly, and CXL_MEM_BIRSP injects a device-originated
// back-invalidate snoop so the home agent's device-snoop path can be
// exercised without a real CXL.cache device attached.
package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opencis/opencis-core/hostbridge"
	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// request is the JSON-RPC-lite envelope read from a management connection.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response answers a request, echoing its id.
type response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type hostReadParams struct {
	Addr uint64 `json:"addr"`
	Size int    `json:"size"`
}

type hostReadResult struct {
	Data uint64 `json:"data"`
}

type hostWriteParams struct {
	Addr uint64 `json:"addr"`
	Size int    `json:"size"`
	Data uint64 `json:"data"`
}

type memBIRspParams struct {
	BIID  uint16 `json:"bi_id"`
	BITag uint16 `json:"bi_tag"`
	Addr  uint64 `json:"addr"`
	Op    string `json:"op"` // "data" or "inv"
}

// Server is a management-channel listener bound to one MemoryHub. Grounded
// on fabric.ConnectionManager's net.Listen/accept-loop/lifecycle shape,
// adapted from a raw sideband TCP transport to an HTTP+WebSocket one.
type Server struct {
	lifecycle *pkg.Lifecycle
	addr      string
	hub       *hostbridge.MemoryHub
	upgrader  websocket.Upgrader

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// NewServer constructs a management server that will drive hub's CPU and
// device-snoop surfaces once started with Run.
func NewServer(addr string, hub *hostbridge.MemoryHub) *Server {
	return &Server{
		lifecycle: pkg.NewLifecycle(),
		addr:      addr,
		hub:       hub,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// State returns the server's lifecycle state.
func (s *Server) State() pkg.State { return s.lifecycle.State() }

// WaitReady blocks until the listener is bound and accepting connections.
func (s *Server) WaitReady(ctx context.Context) error { return s.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once Run has returned.
func (s *Server) Done() <-chan struct{} { return s.lifecycle.Done() }

// Addr returns the listener's bound address once Run has started, or nil
// before then.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run binds addr and serves management connections until ctx is cancelled
// or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.lifecycle.MarkRunning()
	defer s.lifecycle.MarkStopped()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	err = s.srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop closes the listener, unblocking Serve in Run.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		pkg.LogWarn(pkg.ComponentMgmt, "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.dispatch(r.Context(), req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	resp := response{ID: req.ID}
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "CXL_HOST_READ":
		var p hostReadParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.hostRead(ctx, p)
	case "CXL_HOST_WRITE":
		var p hostWriteParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, s.hostWrite(ctx, p)
	case "CXL_MEM_BIRSP":
		var p memBIRspParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, s.memBIRsp(p)
	default:
		return nil, fmt.Errorf("%w: unknown method %q", pkg.ErrUnsupportedRequest, method)
	}
}

func (s *Server) hostRead(ctx context.Context, p hostReadParams) (hostReadResult, error) {
	data, err := s.hub.Load(ctx, p.Addr, p.Size)
	if err != nil {
		return hostReadResult{}, err
	}
	return hostReadResult{Data: data}, nil
}

func (s *Server) hostWrite(ctx context.Context, p hostWriteParams) error {
	return s.hub.Store(ctx, p.Addr, p.Size, p.Data)
}

func (s *Server) memBIRsp(p memBIRspParams) error {
	op, ok := parseBISnpOp(p.Op)
	if !ok {
		return fmt.Errorf("%w: unknown bi_snp op %q", pkg.ErrConfig, p.Op)
	}
	s.hub.HomeAgent.InjectDeviceSnoop(wire.NewBISnp(p.BIID, p.BITag, p.Addr, op))
	return nil
}

func parseBISnpOp(s string) (wire.BISnpOpcode, bool) {
	switch s {
	case "data":
		return wire.BISnpData, true
	case "inv":
		return wire.BISnpInv, true
	default:
		return 0, false
	}
}
