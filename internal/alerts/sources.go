package alerts

import (
	"errors"
	"fmt"

	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// ErrNoCode is returned when a diagnostic report matches no table row.
var ErrNoCode = errors.New("alerts: no matching code")

// ApplyFlags updates the set from a BMS status message. Membership is
// absolute: On/Disconnected raises, Off/Connected clears and any other
// value leaves the code untouched.
func (s *Set) ApplyFlags(msg *rvc.Message, flags []mapping.Flag) Delta {
	var d Delta

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range flags {
		v, err := msg.Value(f.Signal)
		if err != nil {
			d.Ignored = append(d.Ignored, f.Signal)
			continue
		}
		switch v {
		case "On", "Disconnected":
			if s.raise(f.Severity, f.Code, f.Desc, FromFlags) {
				d.Raised = append(d.Raised, f.Code)
			}
		case "Off", "Connected":
			if s.clearFrom(f.Severity, f.Code, FromFlags) {
				d.Cleared = append(d.Cleared, f.Code)
			}
		default:
			d.Ignored = append(d.Ignored, f.Signal+"="+v)
		}
	}
	return d
}

// ApplyDiag updates the set from a DiagMsg1 report. A red lamp is looked
// up as a fault, else a yellow lamp as a warning. With both lamps off
// every alert raised by a diagnostic report is cleared.
func (s *Set) ApplyDiag(msg *rvc.Message, table *mapping.AlertTable) (Delta, error) {
	var d Delta

	red, _ := msg.Value("OpStsRed")
	yel, _ := msg.Value("OpStsYel")

	if red != "On" && yel != "On" {
		s.mu.Lock()
		defer s.mu.Unlock()
		for sev, bucket := range s.active {
			for code, a := range bucket {
				if a.Origin == FromDiag {
					delete(s.active[sev], code)
					d.Cleared = append(d.Cleared, code)
				}
			}
		}
		return d, nil
	}

	if table == nil {
		return d, fmt.Errorf("%w: no alert table", ErrNoCode)
	}

	msb, isb, lsb, fmi, err := spn(msg)
	if err != nil {
		return d, err
	}

	sev := mapping.SeverityWarning
	lookup := table.WarningCode
	if red == "On" {
		sev = mapping.SeverityFault
		lookup = table.FaultCode
	}

	code, ok := lookup(msb, isb, lsb, fmi)
	if !ok {
		return d, fmt.Errorf("%w: %s spn %d/%d/%d fmi %d", ErrNoCode, sev, msb, isb, lsb, fmi)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raise(sev, code, table.Describe(code), FromDiag) {
		d.Raised = append(d.Raised, code)
	}
	return d, nil
}

func spn(msg *rvc.Message) (msb, isb, lsb, fmi uint8, err error) {
	parts := [4]uint8{}
	for i, sig := range []string{"SpnMsb", "SpnIsb", "SpnLsb", "Fmi"} {
		v, e := msg.Raw(sig)
		if e != nil {
			return 0, 0, 0, 0, e
		}
		parts[i] = uint8(v)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
