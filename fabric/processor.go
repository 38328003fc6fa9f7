package fabric

import (
	"context"
	"sync"

	"github.com/opencis/opencis-core/mailbox"
	"github.com/opencis/opencis-core/pkg"
	"github.com/opencis/opencis-core/wire"
)

// tidKind records which CXL.io mailbox a transaction id's completion
// belongs to (spec.md §4.D rule 1).
type tidKind uint8

const (
	tidCfg tidKind = iota
	tidMMIO
)

// Processor demultiplexes one connection's inbound packets into
// per-sublayer mailboxes and matches completions to the request that
// spawned them by transaction id (spec.md §4.D).
type Processor struct {
	lifecycle *pkg.Lifecycle
	conn      *wire.Conn
	label     string

	Config *mailbox.Mailbox[*wire.CxlIoPacket]
	MMIO   *mailbox.Mailbox[*wire.CxlIoPacket]
	Mem    *mailbox.Mailbox[*wire.CxlMemPacket]
	Cache  *mailbox.Mailbox[*wire.CxlCachePacket]
	CCI    *mailbox.Mailbox[*wire.CCIPacket]

	tidMu sync.Mutex
	tids  map[uint16]tidKind
}

// NewProcessor constructs a processor bound to conn, ready to be started
// with Run.
func NewProcessor(conn *wire.Conn, label string) *Processor {
	return &Processor{
		lifecycle: pkg.NewLifecycle(),
		conn:      conn,
		label:     label,
		Config:    mailbox.New[*wire.CxlIoPacket](),
		MMIO:      mailbox.New[*wire.CxlIoPacket](),
		Mem:       mailbox.New[*wire.CxlMemPacket](),
		Cache:     mailbox.New[*wire.CxlCachePacket](),
		CCI:       mailbox.New[*wire.CCIPacket](),
		tids:      make(map[uint16]tidKind),
	}
}

// State returns the processor's lifecycle state.
func (p *Processor) State() pkg.State { return p.lifecycle.State() }

// WaitReady blocks until Run has entered its receive loop.
func (p *Processor) WaitReady(ctx context.Context) error { return p.lifecycle.WaitReady(ctx) }

// Done returns a channel closed once the processor has fully stopped.
func (p *Processor) Done() <-chan struct{} { return p.lifecycle.Done() }

// Run reads packets off conn until disconnect or ctx cancellation,
// demultiplexing each into its sublayer mailbox (spec.md §4.D). It returns
// only after every mailbox has been notified of the stop.
func (p *Processor) Run(ctx context.Context) error {
	p.lifecycle.MarkRunning()
	defer p.stopMailboxes()
	defer p.lifecycle.MarkStopped()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pk, err := p.conn.ReadPacket()
		if err != nil {
			if wire.IsDisconnect(err) {
				pkg.LogInfo(pkg.ComponentFabric, "connection disconnected", "conn", p.label)
				return nil
			}
			pkg.LogWarn(pkg.ComponentFabric, "read error, tearing down connection", "conn", p.label, "err", err)
			return err
		}

		if err := p.dispatch(pk); err != nil {
			pkg.LogWarn(pkg.ComponentFabric, "dispatch error", "conn", p.label, "err", err)
			return err
		}
	}
}

// Stop requests the processor to exit its receive loop on the next
// opportunity by closing the underlying connection.
func (p *Processor) Stop() error {
	return p.conn.Close()
}

func (p *Processor) stopMailboxes() {
	p.Config.Stop()
	p.MMIO.Stop()
	p.Mem.Stop()
	p.Cache.Stop()
	p.CCI.Stop()
}

// dispatch applies spec.md §4.D's three demultiplexing rules.
func (p *Processor) dispatch(pk wire.Packet) error {
	switch v := pk.(type) {
	case *wire.CxlIoPacket:
		return p.dispatchCxlIo(v)
	case *wire.CxlMemPacket:
		p.Mem.Put(v)
		return nil
	case *wire.CxlCachePacket:
		p.Cache.Put(v)
		return nil
	case *wire.CCIPacket:
		p.CCI.Put(v)
		return nil
	case *wire.SidebandPacket:
		if v.Kind == wire.SidebandConnectionDisconnected {
			return nil
		}
		return pkg.ErrProtocol
	default:
		return pkg.ErrProtocol
	}
}

func (p *Processor) dispatchCxlIo(v *wire.CxlIoPacket) error {
	switch v.Type {
	case wire.FmtCfgRd, wire.FmtCfgWr:
		if err := p.recordTid(v.TransactionID, tidCfg); err != nil {
			return err
		}
		p.Config.Put(v)
	case wire.FmtMemRd, wire.FmtMemWr:
		if err := p.recordTid(v.TransactionID, tidMMIO); err != nil {
			return err
		}
		p.MMIO.Put(v)
	case wire.FmtCpl, wire.FmtCplD:
		kind, err := p.consumeTid(v.TransactionID)
		if err != nil {
			return err
		}
		if kind == tidCfg {
			p.Config.Put(v)
		} else {
			p.MMIO.Put(v)
		}
	default:
		return pkg.ErrMalformedPacket
	}
	return nil
}

func (p *Processor) recordTid(tid uint16, kind tidKind) error {
	p.tidMu.Lock()
	defer p.tidMu.Unlock()
	if _, exists := p.tids[tid]; exists {
		return pkg.ErrDuplicateTag
	}
	p.tids[tid] = kind
	return nil
}

func (p *Processor) consumeTid(tid uint16) (tidKind, error) {
	p.tidMu.Lock()
	defer p.tidMu.Unlock()
	kind, ok := p.tids[tid]
	if !ok {
		return 0, pkg.ErrUnknownTag
	}
	delete(p.tids, tid)
	return kind, nil
}

// SendCxlIo writes a CXL.io packet to the connection, recording its tid if
// it is a request this side initiated (so the matching completion is
// routed correctly when it arrives).
func (p *Processor) SendCxlIo(pk *wire.CxlIoPacket) error {
	switch pk.Type {
	case wire.FmtCfgRd, wire.FmtCfgWr:
		if err := p.recordTid(pk.TransactionID, tidCfg); err != nil {
			return err
		}
	case wire.FmtMemRd, wire.FmtMemWr:
		if err := p.recordTid(pk.TransactionID, tidMMIO); err != nil {
			return err
		}
	}
	return p.conn.WritePacket(pk)
}

// Send writes any non-CXL.io packet to the connection.
func (p *Processor) Send(pk wire.Packet) error {
	return p.conn.WritePacket(pk)
}
