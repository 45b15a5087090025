package bridge

import (
	"context"
	"fmt"

	"github.com/tamzrod/rvc2mqtt/internal/alerts"
	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/device"
	"github.com/tamzrod/rvc2mqtt/internal/mapping"
)

const (
	duplicateCode = 1
	duplicateDesc = "Duplicate device instances found"
)

// RequestRename places a manager under a new instance key and renames
// every device whose suffix decision changed as a result.
func (b *Bridge) RequestRename(ctx context.Context, d *device.Manager, key device.InstanceKey) error {
	return b.call(ctx, func() error {
		addr := d.Addr()
		if b.devices[addr] != d {
			return fmt.Errorf("%w: node %d is no longer registered", ErrUnknownDevice, addr)
		}

		for _, s := range b.graph.place(addr, slot{class: d.Class(), key: key}) {
			b.renameSlot(s)
		}
		b.publishDuplicates()
		return nil
	})
}

// renameSlot applies the graph's names to every member of s and refreshes
// their subscriptions.
func (b *Bridge) renameSlot(s slot) {
	for _, addr := range b.graph.members(s) {
		d, ok := b.devices[addr]
		if !ok {
			continue
		}
		name, _ := b.graph.name(addr)
		d.SetName(name, s.key)
		d.UpdateSubscriptions(b.patterns)
	}
}

// publishDuplicates republishes the bridge alert document after every
// rename. A change in the number of shared slots is logged.
func (b *Bridge) publishDuplicates() {
	n := b.graph.duplicates()
	changed := n != b.dupes
	b.dupes = n
	b.metrics.SetDuplicates(n)

	var faults []alerts.Alert
	if n > 0 {
		faults = append(faults, alerts.Alert{Code: duplicateCode, Desc: duplicateDesc, Severity: mapping.SeverityFault})
		if changed {
			b.log.Warn().Int("slots", n).Msg(duplicateDesc)
		}
	}
	b.sink.Alerts(bus.BridgeName, alerts.Render(faults, nil), true)
}
