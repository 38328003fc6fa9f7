// Package memdevice implements the device side of the fabric: the backing
// store a Type 3 endpoint serves reads and writes from, and the device-side
// coherency responder (DCOH) that answers the host's CXL.mem traffic.
package memdevice

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/opencis/opencis-core/hostbridge"
	"github.com/opencis/opencis-core/pkg"
)

// MemoryControllerConfig configures a MemoryController's backing file.
type MemoryControllerConfig struct {
	ComponentName string

	// Path is the backing file. It is created and truncated to Size if it
	// does not already exist at that length, and removed when Run returns.
	Path string
	Size int64

	Link *hostbridge.MemoryFifoPair
}

// MemoryController is the device's backing store (spec.md §4.G): a single
// goroutine draining MemoryRequests off Link and answering them against a
// file-backed byte array, grounded on
// original_source/opencis/cxl/component/root_complex/memory_controller.py's
// _process_memory_requests loop. Unlike the cache controller upstream, this
// layer does not distinguish cached from uncached access — that decision was
// already made by whichever coherency component issued the request.
type MemoryController struct {
	cfg       MemoryControllerConfig
	lifecycle *pkg.Lifecycle
	file      *os.File
}

// NewMemoryController opens (creating if necessary) the backing file at
// cfg.Path, sized to cfg.Size, and returns a controller ready to be started
// with Run.
func NewMemoryController(cfg MemoryControllerConfig) (*MemoryController, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(cfg.Size); err != nil {
		f.Close()
		return nil, err
	}
	return &MemoryController{cfg: cfg, lifecycle: pkg.NewLifecycle(cfg.ComponentName), file: f}, nil
}

// Size returns the backing store's capacity in bytes.
func (mc *MemoryController) Size() int64 { return mc.cfg.Size }

// State returns the controller's lifecycle state.
func (mc *MemoryController) State() pkg.State { return mc.lifecycle.State() }

// WaitReady blocks until Run has entered its main loop.
func (mc *MemoryController) WaitReady(ctx context.Context) error { return mc.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once the controller has fully stopped.
func (mc *MemoryController) Done() <-chan struct{} { return mc.lifecycle.Done() }

// Stop requests shutdown by closing the mailbox this controller reads from.
func (mc *MemoryController) Stop() error {
	mc.cfg.Link.Request.Stop()
	return nil
}

// Run drains MemoryRequests off Link until ctx is cancelled or Stop closes
// the request mailbox, then closes and removes the backing file.
func (mc *MemoryController) Run(ctx context.Context) error {
	mc.lifecycle.MarkRunning()
	defer mc.lifecycle.MarkStopped()
	defer func() {
		mc.file.Close()
		os.Remove(mc.cfg.Path)
	}()

	for {
		req, ok := mc.cfg.Link.Request.Get(ctx)
		if !ok {
			return nil
		}

		var resp hostbridge.MemoryResponse
		switch req.Type {
		case hostbridge.MemReqWrite, hostbridge.MemReqUncachedWrite:
			resp = mc.write(req)
		case hostbridge.MemReqRead, hostbridge.MemReqUncachedRead:
			resp = mc.read(req)
		default:
			resp = hostbridge.MemoryResponse{Status: hostbridge.MemRespError}
		}
		mc.cfg.Link.Response.Put(resp)
	}
}

func (mc *MemoryController) write(req hostbridge.MemoryRequest) hostbridge.MemoryResponse {
	if req.Size < 1 || req.Size > 8 {
		pkg.LogWarn(pkg.ComponentMemDevice, "write size out of range", "size", req.Size)
		return hostbridge.MemoryResponse{Status: hostbridge.MemRespError}
	}
	if req.Addr%uint64(req.Size) != 0 {
		pkg.LogWarn(pkg.ComponentMemDevice, "misaligned write", "addr", req.Addr, "size", req.Size, "err", pkg.ErrMisaligned)
		return hostbridge.MemoryResponse{Status: hostbridge.MemRespMisaligned}
	}
	buf := make([]byte, req.Size)
	for i := range buf {
		buf[i] = byte(req.Data >> (8 * i))
	}
	if _, err := unix.Pwrite(int(mc.file.Fd()), buf, int64(req.Addr)); err != nil {
		pkg.LogWarn(pkg.ComponentMemDevice, "pwrite failed", "addr", req.Addr, "err", err)
		return hostbridge.MemoryResponse{Status: hostbridge.MemRespError}
	}
	return hostbridge.MemoryResponse{Status: hostbridge.MemRespOK}
}

func (mc *MemoryController) read(req hostbridge.MemoryRequest) hostbridge.MemoryResponse {
	if req.Size < 1 || req.Size > 8 {
		pkg.LogWarn(pkg.ComponentMemDevice, "read size out of range", "size", req.Size)
		return hostbridge.MemoryResponse{Status: hostbridge.MemRespError}
	}
	if req.Addr%uint64(req.Size) != 0 {
		pkg.LogWarn(pkg.ComponentMemDevice, "misaligned read", "addr", req.Addr, "size", req.Size, "err", pkg.ErrMisaligned)
		return hostbridge.MemoryResponse{Status: hostbridge.MemRespMisaligned}
	}
	buf := make([]byte, req.Size)
	if _, err := unix.Pread(int(mc.file.Fd()), buf, int64(req.Addr)); err != nil {
		pkg.LogWarn(pkg.ComponentMemDevice, "pread failed", "addr", req.Addr, "err", err)
		return hostbridge.MemoryResponse{Status: hostbridge.MemRespError}
	}
	var data uint64
	for i, b := range buf {
		data |= uint64(b) << (8 * i)
	}
	return hostbridge.MemoryResponse{Status: hostbridge.MemRespOK, Data: data}
}
