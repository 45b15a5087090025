package mapping

import "fmt"

// AnyInstance in a row's ISB matches every instance byte.
const AnyInstance uint8 = 0xFF

// SpnRow maps a diagnostic SPN/FMI to a device alert code.
type SpnRow struct {
	Code int   `yaml:"code"`
	Msb  uint8 `yaml:"msb"`
	Isb  uint8 `yaml:"isb"`
	Lsb  uint8 `yaml:"lsb"`
	Fmi  uint8 `yaml:"fmi"`
}

func (r SpnRow) matches(msb, isb, lsb, fmi uint8) bool {
	return r.Msb == msb && (r.Isb == isb || r.Isb == AnyInstance) && r.Lsb == lsb && r.Fmi == fmi
}

// AlertTable holds a product family's fault and warning lookups.
type AlertTable struct {
	Strings  map[int]string `yaml:"strings"`
	Faults   []SpnRow       `yaml:"faults"`
	Warnings []SpnRow       `yaml:"warnings"`
}

// FaultCode returns the first fault row matching the SPN parts and FMI.
func (t *AlertTable) FaultCode(msb, isb, lsb, fmi uint8) (int, bool) {
	return lookup(t.Faults, msb, isb, lsb, fmi)
}

// WarningCode returns the first warning row matching the SPN parts and FMI.
func (t *AlertTable) WarningCode(msb, isb, lsb, fmi uint8) (int, bool) {
	return lookup(t.Warnings, msb, isb, lsb, fmi)
}

// Describe returns the text of an alert code.
func (t *AlertTable) Describe(code int) string {
	if s, ok := t.Strings[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown %d", code)
}

func lookup(rows []SpnRow, msb, isb, lsb, fmi uint8) (int, bool) {
	for _, r := range rows {
		if r.matches(msb, isb, lsb, fmi) {
			return r.Code, true
		}
	}
	return 0, false
}
