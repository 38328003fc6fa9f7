package memdevice

import (
	"context"

	"github.com/opencis/opencis-core/hdm"
	"github.com/opencis/opencis-core/hostbridge"
	"github.com/opencis/opencis-core/pkg"
)

// DeviceConfig wires a Type 3 endpoint's three sub-components together and
// to the host-facing CXL.mem transport (spec.md §9's composition-root note,
// flattened from original_source/opencis/cxl/device/upstream_port_device.py).
type DeviceConfig struct {
	ComponentName string

	// BackingFilePath and BackingFileSize size the device's memory.
	BackingFilePath string
	BackingFileSize int64

	// Upstream is the host-facing CXL.mem transport, typically a
	// fabric.Processor's Mem mailbox and Send method reached through a DSP
	// connection to the switch.
	Upstream DCOHUpstreamLink

	// Decoder, if non-nil, is committed by the caller before Run and
	// installs this device's HPA->DPA mapping. Nil means identity mapping
	// (the device's DPA space equals its share of the HPA space directly).
	Decoder *hdm.DeviceDecoder
}

// Device is a Type 3 memory-expansion endpoint: a file-backed
// MemoryController fronted by a DCOH that answers the host's CXL.mem
// traffic after translating every address through Decoder. This device does
// not carry its own CXL.cache-visible line cache, so DCOH's CacheLink is
// left nil and every device-coherency snoop misses (spec.md §4.K).
type Device struct {
	MemoryController *MemoryController
	DCOH             *DCOH
	Decoder          *hdm.DeviceDecoder

	lifecycle *pkg.Lifecycle
}

// NewDevice opens the backing file and wires the memory controller to the
// DCOH over an in-process MemoryFifoPair. Neither sub-component is started
// until Run is called.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	memLink := hostbridge.NewMemoryFifoPair()

	mc, err := NewMemoryController(MemoryControllerConfig{
		ComponentName: cfg.ComponentName,
		Path:          cfg.BackingFilePath,
		Size:          cfg.BackingFileSize,
		Link:          memLink,
	})
	if err != nil {
		return nil, err
	}

	decoder := cfg.Decoder
	if decoder == nil {
		decoder = hdm.NewDeviceDecoder(0)
	}

	dcoh := NewDCOH(DCOHConfig{
		ComponentName: cfg.ComponentName,
		Upstream:      cfg.Upstream,
		MemLink:       memLink,
		Decoder:       decoder,
	})

	return &Device{
		MemoryController: mc,
		DCOH:             dcoh,
		Decoder:          decoder,
		lifecycle:        pkg.NewLifecycle(cfg.ComponentName),
	}, nil
}

// State returns the device's lifecycle state.
func (d *Device) State() pkg.State { return d.lifecycle.State() }

// WaitReady blocks until both sub-components have entered their main loop.
func (d *Device) WaitReady(ctx context.Context) error {
	if err := d.MemoryController.WaitReady(ctx); err != nil {
		return err
	}
	return d.DCOH.WaitReady(ctx)
}

// Done returns a channel closed once the device has fully stopped.
func (d *Device) Done() <-chan struct{} { return d.lifecycle.Done() }

// Run starts the memory controller and DCOH and blocks until ctx is
// cancelled.
func (d *Device) Run(ctx context.Context) error {
	d.lifecycle.MarkRunning()
	defer d.lifecycle.MarkStopped()

	errs := make(chan error, 2)
	go func() { errs <- d.MemoryController.Run(ctx) }()
	go func() { errs <- d.DCOH.Run(ctx) }()

	<-ctx.Done()
	for i := 0; i < 2; i++ {
		<-errs
	}
	return nil
}

// Stop requests shutdown of both sub-components.
func (d *Device) Stop() error {
	d.MemoryController.Stop()
	d.DCOH.Stop()
	return nil
}
