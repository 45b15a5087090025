// internal/writer/status_writer.go
package writer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tamzrod/rvc2mqtt/internal/status"
)

// deviceStatusWriter delivers one device's status block. It writes the
// whole block first and after any failure, and only changed slots
// otherwise.
type deviceStatusWriter struct {
	name    string
	unitID  uint8
	base    uint16
	cli     endpointClient
	tracker status.Tracker

	needFull bool
	last     status.Snapshot
}

func newDeviceStatusWriter(d DevicePlan, unitID uint8, cli endpointClient) *deviceStatusWriter {
	return &deviceStatusWriter{
		name:     d.Name,
		unitID:   unitID,
		base:     d.Slot * status.SlotsPerDevice,
		cli:      cli,
		needFull: true,
	}
}

// WriteStatus delivers s. On any write failure the next call re-asserts
// the full block.
func (sw *deviceStatusWriter) WriteStatus(s status.Snapshot) error {
	if sw.cli == nil {
		return errors.New("status writer: no client")
	}

	if sw.needFull {
		if err := sw.cli.WriteRegisters(sw.unitID, sw.base, status.Encode(s, sw.name)); err != nil {
			return fmt.Errorf("status writer: %s: full block write failed: %w", sw.name, err)
		}
		sw.needFull = false
		sw.last = s
		return nil
	}

	var errs []string
	prev, next := liveSlots(sw.last), liveSlots(s)
	for slot := range next {
		if prev[slot] == next[slot] {
			continue
		}
		if err := sw.cli.WriteRegisters(sw.unitID, sw.base+uint16(slot), []uint16{next[slot]}); err != nil {
			errs = append(errs, fmt.Sprintf("slot%d write failed: %v", slot, err))
		}
	}
	sw.last = s

	if len(errs) > 0 {
		sw.needFull = true
		return fmt.Errorf("status writer: %s: %s", sw.name, strings.Join(errs, " | "))
	}
	return nil
}

// liveSlots returns slots 0 to SlotWarningCount in block order.
func liveSlots(s status.Snapshot) [status.SlotWarningCount + 1]uint16 {
	var out [status.SlotWarningCount + 1]uint16
	out[status.SlotHealthCode] = s.Health
	out[status.SlotFaultCount] = s.Faults
	out[status.SlotSecondsOffline] = s.SecondsOffline
	out[status.SlotWarningCount] = s.Warnings
	return out
}
