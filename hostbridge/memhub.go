package hostbridge

import (
	"context"

	"github.com/opencis/opencis-core/pkg"
)

// MemoryHubConfig wires a MemoryHub's three components together and to the
// downstream CXL.mem/CXL.cache transports.
type MemoryHubConfig struct {
	ComponentName string

	NumAssoc int
	NumSet   int

	MemLink    MemLink         // downstream CXL.mem transport, driven by the home agent
	DeviceLink CacheDeviceLink // downstream CXL.cache transport, driven by the coherency bridge

	// CoherentDeviceCount seeds the bridge's device-snoop gate; 0 means no
	// CXL.cache device is attached and device-originated back-invalidates
	// are always answered I-state.
	CoherentDeviceCount int
}

// MemoryHub is the composition root of spec.md §2's host-side coherency
// pipeline (row B/I/J): the inclusive cache plus its controller, the home
// agent, and the coherency bridge, wired together with CacheFifoPair pairs
// exactly as cache_controller.py/home_agent.py/cache_coherency_bridge.py
// wire their asyncio.Queue pairs in the source, then flattened into one Go
// component per spec.md §9's composition-root note.
type MemoryHub struct {
	CacheController *CacheController
	HomeAgent       *HomeAgent
	CoherencyBridge *CoherencyBridge
	lifecycle       *pkg.Lifecycle
}

// NewMemoryHub constructs and wires every sub-component; none are started
// until Run is called.
func NewMemoryHub(cfg MemoryHubConfig) *MemoryHub {
	cacheToCohAgent := NewCacheFifoPair()
	cohAgentToCache := NewCacheFifoPair()
	cacheToCohBridge := NewCacheFifoPair()
	cohBridgeToCache := NewCacheFifoPair()
	processorToCache := NewMemoryFifoPair()

	cc := NewCacheController(CacheControllerConfig{
		ComponentName:    cfg.ComponentName,
		ProcessorToCache: processorToCache,
		CacheToCohAgent:  cacheToCohAgent,
		CohAgentToCache:  cohAgentToCache,
		CacheToCohBridge: cacheToCohBridge,
		CohBridgeToCache: cohBridgeToCache,
		NumAssoc:         cfg.NumAssoc,
		NumSet:           cfg.NumSet,
	})

	ha := NewHomeAgent(HomeAgentConfig{
		HostLink:   cacheToCohAgent,
		BridgeLink: cacheToCohBridge,
		MemLink:    cfg.MemLink,
	})

	cb := NewCoherencyBridge(CoherencyBridgeConfig{
		HostLink:  cacheToCohBridge,
		CacheLink: cohBridgeToCache,
		Device:    cfg.DeviceLink,
	})
	cb.SetCoherentDeviceCount(cfg.CoherentDeviceCount)

	return &MemoryHub{
		CacheController: cc,
		HomeAgent:       ha,
		CoherencyBridge: cb,
		lifecycle:       pkg.NewLifecycle(cfg.ComponentName),
	}
}

// State returns the hub's lifecycle state.
func (h *MemoryHub) State() pkg.State { return h.lifecycle.State() }

// WaitReady blocks until every sub-component has entered its main loop.
func (h *MemoryHub) WaitReady(ctx context.Context) error {
	if err := h.CacheController.WaitReady(ctx); err != nil {
		return err
	}
	if err := h.HomeAgent.WaitReady(ctx); err != nil {
		return err
	}
	if err := h.CoherencyBridge.WaitReady(ctx); err != nil {
		return err
	}
	return h.lifecycle.WaitReady(ctx)
}

// Done returns a channel closed once the hub has fully stopped.
func (h *MemoryHub) Done() <-chan struct{} { return h.lifecycle.Done() }

// Run starts every sub-component and blocks until ctx is cancelled.
func (h *MemoryHub) Run(ctx context.Context) error {
	h.lifecycle.MarkRunning()
	defer h.lifecycle.MarkStopped()

	errs := make(chan error, 3)
	go func() { errs <- h.CacheController.Run(ctx) }()
	go func() { errs <- h.HomeAgent.Run(ctx) }()
	go func() { errs <- h.CoherencyBridge.Run(ctx) }()

	<-ctx.Done()
	for i := 0; i < 3; i++ {
		<-errs
	}
	return nil
}

// Stop requests shutdown of every sub-component.
func (h *MemoryHub) Stop() error {
	h.CacheController.Stop()
	h.HomeAgent.Stop()
	h.CoherencyBridge.Stop()
	return nil
}

// Load services a CPU read through the cache controller (spec.md §4.H).
func (h *MemoryHub) Load(ctx context.Context, addr uint64, size int) (uint64, error) {
	return h.CacheController.Load(ctx, addr, size)
}

// Store services a CPU write through the cache controller (spec.md §4.H).
func (h *MemoryHub) Store(ctx context.Context, addr uint64, size int, data uint64) error {
	return h.CacheController.Store(ctx, addr, size, data)
}

// UncachedLoad bypasses the cache entirely (spec.md §4.H).
func (h *MemoryHub) UncachedLoad(ctx context.Context, addr uint64, size int) (uint64, error) {
	return h.CacheController.UncachedLoad(ctx, addr, size)
}

// UncachedStore bypasses the cache entirely (spec.md §4.H).
func (h *MemoryHub) UncachedStore(ctx context.Context, addr uint64, size int, data uint64) error {
	return h.CacheController.UncachedStore(ctx, addr, size, data)
}

// AddMemRange registers an address range's coherency treatment.
func (h *MemoryHub) AddMemRange(addr, size uint64, addrType MemAddrType) {
	h.CacheController.AddMemRange(addr, size, addrType)
}

// RemoveMemRange removes a previously added range matching exactly.
func (h *MemoryHub) RemoveMemRange(addr, size uint64, addrType MemAddrType) {
	h.CacheController.RemoveMemRange(addr, size, addrType)
}

// GetMemoryRanges returns a snapshot of the address map.
func (h *MemoryHub) GetMemoryRanges() []MemoryRange {
	return h.CacheController.GetMemoryRanges()
}
