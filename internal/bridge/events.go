package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/device"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// watchNetwork forwards presence events to the loop, pausing after each.
func (b *Bridge) watchNetwork(ctx context.Context) error {
	for {
		ev, err := b.net.Events(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, rvc.ErrClosed) {
				return err
			}
			b.log.Error().Err(err).Msg("network event failed")
			continue
		}

		if _, idle := ev.(rvc.NoEvent); idle {
			continue
		}
		if err := b.submit(ctx, func() { b.handleEvent(ev) }); err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.cfg.EventDeadTime):
		}
	}
}

func (b *Bridge) handleEvent(ev rvc.Event) {
	switch e := ev.(type) {
	case rvc.NodeAppeared:
		b.nodeAppeared(e.Addr)
	case rvc.NodeAddressChanged:
		b.nodeMoved(e.Old, e.New)
	case rvc.NodeRemoved:
		b.nodeRemoved(e.Addr, e.Reason)
	case rvc.NoEvent:
	default:
		b.log.Error().Type("event", ev).Msg("unexpected network event")
	}
}

func (b *Bridge) nodeAppeared(addr uint8) {
	if _, ok := b.devices[addr]; ok {
		b.log.Warn().Uint8("node", addr).Msg("node appeared twice")
		return
	}
	conn, err := b.net.Connect(addr)
	if err != nil {
		b.log.Error().Err(err).Uint8("node", addr).Msg("cannot connect to node")
		return
	}

	d := device.New(conn, b.cfg.Device, b.deps)
	b.devices[addr] = d
	d.Start(b.runCtx)
	b.updateGauges()
	b.log.Info().Uint8("node", addr).Msg("new node found")
}

// nodeMoved replaces the manager of a node that claimed a new address.
// A named manager hands its state to the new one, which skips
// identification.
func (b *Bridge) nodeMoved(from, to uint8) {
	prev, ok := b.devices[from]
	if !ok {
		b.nodeAppeared(to)
		return
	}
	b.log.Info().Uint8("from", from).Uint8("to", to).Msg("node changed address")

	prev.Close()
	delete(b.devices, from)

	conn, err := b.net.Connect(to)
	if err != nil {
		b.log.Error().Err(err).Uint8("node", to).Msg("cannot connect to node")
		b.forget(prev)
		b.updateGauges()
		return
	}

	d := device.New(conn, b.cfg.Device, b.deps)
	b.devices[to] = d
	if _, named := prev.Key(); named {
		d.Inherit(prev)
		if s, ok := b.graph.move(from, to); ok {
			b.renameSlot(s)
		}
	} else {
		b.graph.remove(from)
	}
	d.Start(b.runCtx)
	b.updateGauges()
}

func (b *Bridge) nodeRemoved(addr uint8, reason rvc.RemovalReason) {
	d, ok := b.devices[addr]
	if !ok {
		return
	}
	d.Close()
	delete(b.devices, addr)
	b.log.Info().Uint8("node", addr).Str("device", d.Name()).Stringer("reason", reason).Msg("device has gone offline")
	b.forget(d)
	b.updateGauges()
}

// Abandon drops a manager that gave up on its node. The node stays on the
// network without a manager until it reappears.
func (b *Bridge) Abandon(ctx context.Context, d *device.Manager, err error) {
	_ = b.submit(ctx, func() {
		addr := d.Addr()
		if b.devices[addr] != d {
			return
		}
		delete(b.devices, addr)
		b.log.Warn().Err(err).Uint8("node", addr).Msg("device abandoned")
		b.forget(d)
		b.updateGauges()
	})
}

// forget publishes a departed device offline and renames any survivor of
// its slot.
func (b *Bridge) forget(d *device.Manager) {
	if name := d.Name(); name != "" {
		b.sink.Status(name, "offline")
	}
	if s, ok := b.graph.remove(d.Addr()); ok {
		b.renameSlot(s)
		b.publishDuplicates()
	}
}
