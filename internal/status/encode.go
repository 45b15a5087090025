// internal/status/encode.go
package status

// Encode converts a Snapshot and device name into a full status block.
// No IO. No side effects.
func Encode(s Snapshot, name string) []uint16 {
	regs := make([]uint16, SlotsPerDevice)

	regs[SlotHealthCode] = s.Health
	regs[SlotFaultCount] = s.Faults
	regs[SlotSecondsOffline] = s.SecondsOffline
	regs[SlotWarningCount] = s.Warnings

	copy(regs[SlotDeviceNameStart:SlotDeviceNameEnd+1], EncodeName(name))
	return regs
}

// EncodeName packs up to 16 ASCII characters into 8 registers, two
// characters per register, high byte first. Non-printable bytes become '?'.
func EncodeName(name string) []uint16 {
	out := make([]uint16, SlotDeviceNameSlots)

	b := []byte(name)
	if len(b) > DeviceNameMaxChars {
		b = b[:DeviceNameMaxChars]
	}
	for i := range b {
		if b[i] < 0x20 || b[i] > 0x7E {
			b[i] = '?'
		}
	}

	for i := 0; i < DeviceNameMaxChars; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		out[i/2] = uint16(hi)<<8 | uint16(lo)
	}
	return out
}
