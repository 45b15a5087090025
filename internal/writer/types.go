// internal/writer/types.go
package writer

import (
	"context"

	"github.com/tamzrod/rvc2mqtt/internal/bridge"
)

// endpointClient is the exact contract the mirror writes through.
// Registers land in holding-register memory of unitID.
type endpointClient interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
}

// StateSource lists the devices the bridge currently manages.
type StateSource interface {
	States(ctx context.Context) ([]bridge.DeviceState, error)
}

// DevicePlan places one device name at a block slot.
type DevicePlan struct {
	Name string
	Slot uint16
}

// Plan is the fully-built mirror plan.
type Plan struct {
	Endpoint string
	UnitID   uint8
	Devices  []DevicePlan
}
