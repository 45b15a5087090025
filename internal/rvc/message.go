package rvc

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// AddrGlobal is the broadcast destination address.
const AddrGlobal uint8 = 0xFF

// NotAvailable is the display value of a signal carrying no data.
const NotAvailable = "Data Not Available"

var numberMatcher = regexp.MustCompile(`^\s*(-?\d+\.?\d*)`)

// Message is one decoded or outgoing RV-C message.
type Message struct {
	Def      *PGNDef
	Source   uint8
	Dest     uint8
	Priority uint8

	data []byte
}

// Mnemonic returns the message type name.
func (m *Message) Mnemonic() string { return m.Def.Mnemonic }

// PGN returns the parameter group number.
func (m *Message) PGN() uint32 { return m.Def.PGN }

// Bytes returns the payload.
func (m *Message) Bytes() []byte { return m.data }

// Has reports whether the message type defines the signal.
func (m *Message) Has(signal string) bool {
	_, ok := m.Def.Signal(signal)
	return ok
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(src=%d dst=%d % X)", m.Def.Mnemonic, m.Source, m.Dest, m.data)
}

// Raw returns the unscaled signal value. Text fields are parsed as integers.
func (m *Message) Raw(signal string) (uint64, error) {
	s, ok := m.Def.Signal(signal)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownSignal, m.Def.Mnemonic, signal)
	}
	if m.Def.Text {
		v, err := strconv.ParseUint(strings.TrimSpace(m.textField(s.Field)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s.%s", ErrInvalidValue, m.Def.Mnemonic, signal)
		}
		return v, nil
	}
	return getBits(m.data, s.StartBit, s.Bits), nil
}

// Float returns the scaled numeric value of a signal.
func (m *Message) Float(signal string) (float64, error) {
	s, ok := m.Def.Signal(signal)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownSignal, m.Def.Mnemonic, signal)
	}
	raw, err := m.Raw(signal)
	if err != nil {
		return 0, err
	}
	if !m.Def.Text && s.Bits > 1 && raw == maxRaw(s.Bits) {
		return 0, fmt.Errorf("%w: %s.%s", ErrNotAvailable, m.Def.Mnemonic, signal)
	}
	return float64(raw)*s.Scale + s.Offset, nil
}

// Value returns the display form of a signal: the enum name, the scaled
// number with its unit, or the text field.
func (m *Message) Value(signal string) (string, error) {
	s, ok := m.Def.Signal(signal)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownSignal, m.Def.Mnemonic, signal)
	}
	if m.Def.Text {
		return m.textField(s.Field), nil
	}

	raw := getBits(m.data, s.StartBit, s.Bits)
	if s.Enum != nil {
		if name, ok := s.Enum[raw]; ok {
			return name, nil
		}
	}
	if s.Bits > 1 && raw == maxRaw(s.Bits) {
		return NotAvailable, nil
	}
	if s.Enum != nil {
		return strconv.FormatUint(raw, 10), nil
	}

	return formatScaled(float64(raw)*s.Scale+s.Offset, s.Scale, s.Unit), nil
}

// Set encodes a display value: an enum name, or a number optionally
// followed by its unit.
func (m *Message) Set(signal, value string) error {
	s, ok := m.Def.Signal(signal)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownSignal, m.Def.Mnemonic, signal)
	}
	if m.Def.Text {
		m.setTextField(s.Field, value)
		return nil
	}

	for raw, name := range s.Enum {
		if name == value {
			return m.SetRaw(signal, raw)
		}
	}
	if value == NotAvailable {
		return m.SetRaw(signal, maxRaw(s.Bits))
	}

	match := numberMatcher.FindStringSubmatch(value)
	if match == nil {
		return fmt.Errorf("%w: %q for %s.%s", ErrInvalidValue, value, m.Def.Mnemonic, signal)
	}
	f, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return fmt.Errorf("%w: %q for %s.%s", ErrInvalidValue, value, m.Def.Mnemonic, signal)
	}

	scaled := math.Round((f - s.Offset) / s.Scale)
	if scaled < 0 || scaled >= float64(maxRaw(s.Bits)) && s.Bits > 1 {
		return fmt.Errorf("%w: %q out of range for %s.%s", ErrInvalidValue, value, m.Def.Mnemonic, signal)
	}

	return m.SetRaw(signal, uint64(scaled))
}

// SetRaw stores an unscaled value.
func (m *Message) SetRaw(signal string, raw uint64) error {
	s, ok := m.Def.Signal(signal)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownSignal, m.Def.Mnemonic, signal)
	}
	if m.Def.Text {
		m.setTextField(s.Field, strconv.FormatUint(raw, 10))
		return nil
	}
	if s.Bits < 64 && raw > maxRaw(s.Bits) {
		return fmt.Errorf("%w: raw %d overflows %s.%s", ErrInvalidValue, raw, m.Def.Mnemonic, signal)
	}
	putBits(m.data, s.StartBit, s.Bits, raw)
	return nil
}

func (m *Message) textField(i int) string {
	fields := strings.Split(string(m.data), "*")
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func (m *Message) setTextField(i int, v string) {
	fields := strings.Split(strings.TrimSuffix(string(m.data), "*"), "*")
	if len(m.data) == 0 {
		fields = nil
	}
	for len(fields) <= i {
		fields = append(fields, "")
	}
	fields[i] = v
	m.data = []byte(strings.Join(fields, "*") + "*")
}

func maxRaw(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(bits) - 1
}

func getBits(data []byte, start, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		bit := start + i
		if bit/8 >= len(data) {
			break
		}
		if data[bit/8]>>(uint(bit)%8)&1 == 1 {
			v |= 1 << uint(i)
		}
	}
	return v
}

func putBits(data []byte, start, n int, v uint64) {
	for i := 0; i < n; i++ {
		bit := start + i
		if bit/8 >= len(data) {
			return
		}
		mask := byte(1) << (uint(bit) % 8)
		if v>>uint(i)&1 == 1 {
			data[bit/8] |= mask
		} else {
			data[bit/8] &^= mask
		}
	}
}

func formatScaled(v, scale float64, unit string) string {
	decimals := 0
	if s := strconv.FormatFloat(scale, 'f', -1, 64); strings.Contains(s, ".") {
		decimals = len(s) - strings.Index(s, ".") - 1
	}

	out := strconv.FormatFloat(v, 'f', decimals, 64)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	if out == "-0" {
		out = "0"
	}
	if unit != "" {
		out += " " + unit
	}
	return out
}
