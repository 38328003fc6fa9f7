package fabric

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// ConnectionManager accepts TCP connections, performs the sideband
// connection handshake (spec.md §4.B/§4.C), and binds each accepted
// connection's packet Processor to a physical port of sw.
//
// Grounded on the original SwitchConnectionManager's accept loop: wait for
// a connection_request, validate the port index, reply accept or reject,
// then hand the stream to a per-port Processor and block until it exits.
type ConnectionManager struct {
	lifecycle *pkg.Lifecycle
	addr      string
	sw        *VirtualSwitch
	numPorts  int

	mu       sync.Mutex
	ln       net.Listener
	conn     map[int]*Processor
	mmioBase uint64
	cci      *CCIHandler
}

// NewConnectionManager constructs a manager listening on addr, binding
// incoming connections to one of sw's numPorts physical ports.
func NewConnectionManager(addr string, sw *VirtualSwitch, numPorts int) *ConnectionManager {
	return &ConnectionManager{
		lifecycle: pkg.NewLifecycle(),
		addr:      addr,
		sw:        sw,
		numPorts:  numPorts,
		conn:      make(map[int]*Processor),
		cci:       NewCCIHandler(sw),
	}
}

// SetMMIOBase sets the base address spec.md §8 scenario S2's enumeration
// walk assigns DSP bridge MMIO windows from. Zero (the default) is a valid
// base; callers that need a non-zero one must set it before the first
// connection is accepted.
func (c *ConnectionManager) SetMMIOBase(base uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mmioBase = base
}

// MMIOBase returns the base address set by SetMMIOBase (zero by default).
func (c *ConnectionManager) MMIOBase() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mmioBase
}

// State returns the manager's lifecycle state.
func (c *ConnectionManager) State() pkg.State { return c.lifecycle.State() }

// WaitReady blocks until the listener is bound and accepting connections.
func (c *ConnectionManager) WaitReady(ctx context.Context) error { return c.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once Run has returned.
func (c *ConnectionManager) Done() <-chan struct{} { return c.lifecycle.Done() }

// Run binds addr and accepts connections until ctx is cancelled or Stop is
// called, blocking until every spawned per-connection goroutine has exited.
func (c *ConnectionManager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	c.lifecycle.MarkRunning()
	defer c.lifecycle.MarkStopped()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	var wg sync.WaitGroup
	for {
		raw, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handleClient(ctx, raw)
		}()
	}
}

// Addr returns the listener's bound address once Run has started, or nil
// before then. Useful for tests and callers that bind an ephemeral port.
func (c *ConnectionManager) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Stop closes the listener, unblocking Accept in Run.
func (c *ConnectionManager) Stop() error {
	c.mu.Lock()
	ln := c.ln
	c.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (c *ConnectionManager) handleClient(ctx context.Context, raw net.Conn) {
	wc := wire.NewConn(raw, raw.RemoteAddr().String())

	portIndex, err := c.handshake(wc)
	if err != nil {
		pkg.LogInfo(pkg.ComponentFabric, "rejected incoming connection", "err", err)
		wc.Close()
		return
	}
	pkg.LogInfo(pkg.ComponentFabric, "accepted connection", "port", portIndex)

	c.sw.SetPortConnected(portIndex, true)
	defer c.sw.SetPortConnected(portIndex, false)

	p := NewProcessor(wc, fmt.Sprintf("port%d", portIndex))
	c.mu.Lock()
	c.conn[portIndex] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.conn, portIndex)
		c.mu.Unlock()
	}()

	go c.runForwarding(ctx, portIndex, p)

	if err := p.Run(ctx); err != nil {
		pkg.LogWarn(pkg.ComponentFabric, "processor exited with error", "port", portIndex, "err", err)
	}
	pkg.LogInfo(pkg.ComponentFabric, "closed client connection", "port", portIndex)
}

// handshake waits for a connection_request, validates the requested port,
// and replies accept or reject, returning the bound port index on success.
func (c *ConnectionManager) handshake(wc *wire.Conn) (int, error) {
	pk, err := wc.ReadPacket()
	if err != nil {
		return 0, err
	}
	sb, ok := pk.(*wire.SidebandPacket)
	if !ok || sb.Kind != wire.SidebandConnectionRequest {
		_ = wc.WritePacket(wire.NewConnectionReject())
		return 0, pkg.ErrProtocol
	}

	portIndex := int(sb.PortIndex)
	if portIndex < 0 || portIndex >= c.numPorts {
		_ = wc.WritePacket(wire.NewConnectionReject())
		return 0, pkg.ErrPortOutOfRange
	}
	c.mu.Lock()
	_, busy := c.conn[portIndex]
	c.mu.Unlock()
	if busy {
		_ = wc.WritePacket(wire.NewConnectionReject())
		return 0, pkg.ErrAlreadyBound
	}

	if err := wc.WritePacket(wire.NewConnectionAccept()); err != nil {
		return 0, err
	}
	return portIndex, nil
}

// Processor returns the Processor currently bound to portIndex, if a
// connection is live on it.
func (c *ConnectionManager) Processor(portIndex int) (*Processor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.conn[portIndex]
	return p, ok
}
