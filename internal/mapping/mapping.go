// Package mapping holds the per-model tables that tie external parameter
// names to RV-C message fields, and the alert code tables used to turn
// diagnostic reports into fault and warning codes.
package mapping

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

var (
	ErrNoMapping        = errors.New("mapping: no mapping")
	ErrUnsupportedModel = errors.New("mapping: unsupported model")
)

//go:embed models.yaml
var defaultModelsYAML []byte

// InstanceSource names the message a model reports its instance in.
type InstanceSource string

const (
	InstanceInstSts InstanceSource = "inst_sts"
	InstanceBattSts InstanceSource = "batt_sts"
	InstanceSccSts  InstanceSource = "scc_sts"
)

// Message returns the mnemonic carrying the instance.
func (s InstanceSource) Message() string {
	switch s {
	case InstanceBattSts:
		return "BattSts6"
	case InstanceSccSts:
		return "SccSts"
	default:
		return "InstSts"
	}
}

// Severity of an alert.
type Severity string

const (
	SeverityFault   Severity = "faults"
	SeverityWarning Severity = "warnings"
)

// Entry maps one external parameter to a message field.
type Entry struct {
	Message    string            `yaml:"message"`
	Signal     string            `yaml:"signal"`
	Qualifiers map[string]string `yaml:"qualifiers,omitempty"`
	Transform  string            `yaml:"transform,omitempty"`
}

// Key is the subscription key of a status entry. Association records are
// keyed by type and instance since one mnemonic carries many of them.
func (e Entry) Key() string {
	if e.Message == rvc.MnemPmAssocSts {
		inst, _ := strconv.ParseUint(e.Qualifiers["AssocInst"], 10, 64)
		return rvc.AssocMnemonic(e.Qualifiers["AssocType"], inst)
	}
	return e.Message
}

// PPNParam returns the proprietary parameter an entry reads or writes.
func (e Entry) PPNParam() (string, bool) {
	switch e.Message {
	case rvc.MnemPpnReadRsp, rvc.MnemPpnWriteCmd:
		p, ok := e.Qualifiers["ParamId"]
		return p, ok
	}
	return "", false
}

// SortedQualifiers returns qualifier signals in a stable order.
func (e Entry) SortedQualifiers() []string {
	keys := make([]string, 0, len(e.Qualifiers))
	for k := range e.Qualifiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Model is the mapping of one product family.
type Model struct {
	Names          []string         `yaml:"names"`
	Function       string           `yaml:"function"`
	InstanceSource InstanceSource   `yaml:"instance_source"`
	Alerts         string           `yaml:"alerts,omitempty"`
	Status         map[string]Entry `yaml:"status"`
	Commands       map[string]Entry `yaml:"commands"`

	alertTable *AlertTable
}

// Class returns the short function class used in device names.
func (m *Model) Class() string { return FunctionClass(m.Function) }

// AlertTable returns the model's diagnostic code table, or nil.
func (m *Model) AlertTable() *AlertTable { return m.alertTable }

// StatusEntry looks up a status parameter.
func (m *Model) StatusEntry(param string) (Entry, error) {
	e, ok := m.Status[param]
	if !ok {
		return Entry{}, fmt.Errorf("%w: status %q", ErrNoMapping, param)
	}
	return e, nil
}

// CommandEntry looks up a command parameter.
func (m *Model) CommandEntry(param string) (Entry, error) {
	e, ok := m.Commands[param]
	if !ok {
		return Entry{}, fmt.Errorf("%w: command %q", ErrNoMapping, param)
	}
	return e, nil
}

// Flag is one alert-carrying signal of a BMS status message.
type Flag struct {
	Signal   string   `yaml:"signal"`
	Code     int      `yaml:"code"`
	Desc     string   `yaml:"desc"`
	Severity Severity `yaml:"severity"`
}

// Tables is the full set of model, alert and flag tables.
type Tables struct {
	Models      []*Model               `yaml:"models"`
	AlertTables map[string]*AlertTable `yaml:"alert_tables"`
	FlagTables  map[string][]Flag      `yaml:"flags"`

	byName map[string]*Model
}

// Parse reads tables from YAML without validating them.
func Parse(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("mapping: parse: %w", err)
	}
	if t.AlertTables == nil {
		t.AlertTables = map[string]*AlertTable{}
	}
	if t.FlagTables == nil {
		t.FlagTables = map[string][]Flag{}
	}
	return &t, nil
}

// Default parses the embedded tables.
func Default() (*Tables, error) {
	return Parse(defaultModelsYAML)
}

// TransformSet reports which transform names are registered for each
// direction.
type TransformSet interface {
	HasStatus(name string) bool
	HasCommand(name string) bool
}

// Load returns the embedded tables merged with the optional override
// file, validated against db and the registered transforms.
func Load(path string, db *rvc.Database, transforms TransformSet) (*Tables, error) {
	t, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("mapping: read %s: %w", path, err)
		}
		over, err := Parse(data)
		if err != nil {
			return nil, err
		}
		t.Merge(over)
	}

	if err := t.Validate(db, transforms); err != nil {
		return nil, err
	}
	return t, nil
}

// Merge overlays other onto t. A model in other replaces every model in
// t sharing one of its names; alert and flag tables replace by key.
func (t *Tables) Merge(other *Tables) {
	for _, om := range other.Models {
		names := make(map[string]bool, len(om.Names))
		for _, n := range om.Names {
			names[n] = true
		}
		kept := t.Models[:0]
		for _, m := range t.Models {
			var remaining []string
			for _, n := range m.Names {
				if !names[n] {
					remaining = append(remaining, n)
				}
			}
			if len(remaining) > 0 {
				m.Names = remaining
				kept = append(kept, m)
			}
		}
		t.Models = append(kept, om)
	}
	for k, v := range other.AlertTables {
		t.AlertTables[k] = v
	}
	for k, v := range other.FlagTables {
		t.FlagTables[k] = v
	}
	t.byName = nil
}

// Validate checks every reference in the tables and indexes models by
// name. It must succeed before Model is used.
func (t *Tables) Validate(db *rvc.Database, transforms TransformSet) error {
	t.byName = make(map[string]*Model)

	for i, m := range t.Models {
		if len(m.Names) == 0 {
			return fmt.Errorf("mapping: model %d has no names", i)
		}
		label := m.Names[0]

		if strings.TrimSpace(m.Function) == "" {
			return fmt.Errorf("mapping: model %q: function required", label)
		}
		switch m.InstanceSource {
		case "":
			m.InstanceSource = InstanceInstSts
		case InstanceInstSts, InstanceBattSts, InstanceSccSts:
		default:
			return fmt.Errorf("mapping: model %q: unknown instance_source %q", label, m.InstanceSource)
		}

		if m.Alerts != "" {
			at, ok := t.AlertTables[m.Alerts]
			if !ok {
				return fmt.Errorf("mapping: model %q: unknown alert table %q", label, m.Alerts)
			}
			m.alertTable = at
		}

		for param, e := range m.Status {
			if err := checkEntry(db, e, transforms.HasStatus); err != nil {
				return fmt.Errorf("mapping: model %q status %q: %w", label, param, err)
			}
		}
		for param, e := range m.Commands {
			if err := checkEntry(db, e, transforms.HasCommand); err != nil {
				return fmt.Errorf("mapping: model %q command %q: %w", label, param, err)
			}
		}

		for _, n := range m.Names {
			if _, dup := t.byName[n]; dup {
				return fmt.Errorf("mapping: model name %q defined twice", n)
			}
			t.byName[n] = m
		}
	}

	for mnem, flags := range t.FlagTables {
		def, ok := db.Lookup(mnem)
		if !ok {
			return fmt.Errorf("mapping: flags: unknown message %q", mnem)
		}
		for _, f := range flags {
			if _, ok := def.Signal(f.Signal); !ok {
				return fmt.Errorf("mapping: flags: unknown signal %s.%s", mnem, f.Signal)
			}
			if f.Severity != SeverityFault && f.Severity != SeverityWarning {
				return fmt.Errorf("mapping: flags: %s.%s: severity must be faults or warnings", mnem, f.Signal)
			}
		}
	}

	return nil
}

func checkEntry(db *rvc.Database, e Entry, isTransform func(string) bool) error {
	def, ok := db.Lookup(e.Message)
	if !ok {
		return fmt.Errorf("unknown message %q", e.Message)
	}
	if _, ok := def.Signal(e.Signal); !ok {
		return fmt.Errorf("unknown signal %s.%s", e.Message, e.Signal)
	}
	for q := range e.Qualifiers {
		if _, ok := def.Signal(q); !ok {
			return fmt.Errorf("unknown qualifier signal %s.%s", e.Message, q)
		}
	}
	if e.Transform != "" && !isTransform(e.Transform) {
		return fmt.Errorf("unknown transform %q", e.Transform)
	}
	return nil
}

// Model looks up the mapping of a product model string.
func (t *Tables) Model(name string) (*Model, error) {
	m, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
	}
	return m, nil
}

// Flags returns the alert flag table of a message type.
func (t *Tables) Flags(mnemonic string) ([]Flag, bool) {
	f, ok := t.FlagTables[mnemonic]
	return f, ok
}

// ModelNames lists every known model string, sorted.
func (t *Tables) ModelNames() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var functionClasses = map[string]string{
	"Inverter Charger":          "invchg",
	"Charger":                   "scc",
	"Inverter":                  "inv",
	"Battery Monitor":           "battmon",
	"Battery Management System": "bms",
	"Service Tool":              "service",
}

// FunctionClass maps a product function to the short name used in
// device names. Unlisted functions are lowercased with spaces removed.
func FunctionClass(function string) string {
	if c, ok := functionClasses[function]; ok {
		return c
	}
	return strings.ToLower(strings.ReplaceAll(function, " ", ""))
}
