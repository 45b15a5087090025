// internal/status/constants.go
package status

// Device status block layout. These values are the register contract
// with whatever reads the mirror and are not configurable.

// SlotsPerDevice is the fixed number of registers per device block.
const SlotsPerDevice = 20

// ---- SLOT INDICES ----

// SlotHealthCode holds the device health state.
const SlotHealthCode = 0

// SlotFaultCount holds the number of active faults.
const SlotFaultCount = 1

// SlotSecondsOffline holds how long the device has not been online.
const SlotSecondsOffline = 2

// SlotWarningCount holds the number of active warnings.
const SlotWarningCount = 3

// Slots 4–10 are reserved.
const SlotReservedStart = 4
const SlotReservedEnd = 10

// ---- DEVICE NAME ----

// SlotDeviceNameStart is the first slot used for the device name.
const SlotDeviceNameStart = 11

// SlotDeviceNameSlots is the number of slots reserved for the device name.
const SlotDeviceNameSlots = 8

// SlotDeviceNameEnd is the last slot used for the device name (inclusive).
const SlotDeviceNameEnd = SlotDeviceNameStart + SlotDeviceNameSlots - 1

// ---- LIMITS ----

// DeviceNameMaxChars is the maximum number of ASCII characters stored for a name.
const DeviceNameMaxChars = 16

// MaxSeconds is where the offline counter saturates.
const MaxSeconds = 65535

// ---- HEALTH CODES ----

// HealthUnknown is the state before the device was ever seen.
const HealthUnknown uint16 = 0

// HealthOnline means the bridge currently manages the device.
const HealthOnline uint16 = 1

// HealthOffline means the device was seen and has since gone away.
const HealthOffline uint16 = 2
