package rvc

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed pgns.yaml
var defaultDatabaseYAML []byte

// Signal describes one named field inside a PGN payload.
// Bits are packed little-endian starting at StartBit.
type Signal struct {
	Name     string            `yaml:"name"`
	StartBit int               `yaml:"start_bit"`
	Bits     int               `yaml:"bits"`
	Scale    float64           `yaml:"scale"`
	Offset   float64           `yaml:"offset"`
	Unit     string            `yaml:"unit"`
	Enum     map[uint64]string `yaml:"enum"`

	// Field indexes a '*'-delimited text payload. Only used by text PGNs.
	Field int `yaml:"field"`
}

// PGNDef describes one message type.
type PGNDef struct {
	PGN      uint32 `yaml:"pgn"`
	Mnemonic string `yaml:"mnemonic"`
	Length   int    `yaml:"length"`
	Priority uint8  `yaml:"priority"`

	// GroupFunction selects a proprietary message by the first payload byte.
	GroupFunction *uint8 `yaml:"group_function"`

	// Text payloads are ASCII fields separated by '*'.
	Text bool `yaml:"text"`

	Signals []Signal `yaml:"signals"`

	byName map[string]*Signal
}

// Signal returns the named signal definition.
func (d *PGNDef) Signal(name string) (*Signal, bool) {
	s, ok := d.byName[name]
	return s, ok
}

// Database indexes PGN definitions by mnemonic and number.
type Database struct {
	byMnemonic map[string]*PGNDef
	byPGN      map[uint32][]*PGNDef
}

type databaseFile struct {
	PGNs []*PGNDef `yaml:"pgns"`
}

// LoadDatabase parses a YAML PGN database.
func LoadDatabase(data []byte) (*Database, error) {
	var f databaseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rvc: parse database: %w", err)
	}

	db := &Database{
		byMnemonic: make(map[string]*PGNDef, len(f.PGNs)),
		byPGN:      make(map[uint32][]*PGNDef, len(f.PGNs)),
	}

	for _, d := range f.PGNs {
		if d.Mnemonic == "" {
			return nil, fmt.Errorf("rvc: pgn 0x%05X has no mnemonic", d.PGN)
		}
		if _, dup := db.byMnemonic[d.Mnemonic]; dup {
			return nil, fmt.Errorf("rvc: duplicate mnemonic %q", d.Mnemonic)
		}
		if d.Length <= 0 {
			d.Length = 8
		}
		if d.Priority == 0 {
			d.Priority = 6
		}

		d.byName = make(map[string]*Signal, len(d.Signals))
		for i := range d.Signals {
			s := &d.Signals[i]
			if s.Scale == 0 {
				s.Scale = 1
			}
			if !d.Text && (s.Bits <= 0 || s.Bits > 64) {
				return nil, fmt.Errorf("rvc: %s.%s: bits must be 1..64", d.Mnemonic, s.Name)
			}
			d.byName[s.Name] = s
		}

		db.byMnemonic[d.Mnemonic] = d
		db.byPGN[d.PGN] = append(db.byPGN[d.PGN], d)
	}

	return db, nil
}

var (
	defaultOnce sync.Once
	defaultDB   *Database
)

// DefaultDatabase returns the embedded database. It panics if the embedded
// file is broken, which is a build defect.
func DefaultDatabase() *Database {
	defaultOnce.Do(func() {
		db, err := LoadDatabase(defaultDatabaseYAML)
		if err != nil {
			panic(err)
		}
		defaultDB = db
	})
	return defaultDB
}

// Lookup finds a definition by mnemonic.
func (db *Database) Lookup(mnemonic string) (*PGNDef, bool) {
	d, ok := db.byMnemonic[mnemonic]
	return d, ok
}

// New returns an outgoing message with every byte set to 0xFF and the
// group function byte filled in.
func (db *Database) New(mnemonic string) (*Message, error) {
	d, ok := db.byMnemonic[mnemonic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPGN, mnemonic)
	}

	data := make([]byte, d.Length)
	if d.Text {
		data = data[:0]
	} else {
		for i := range data {
			data[i] = 0xFF
		}
		if d.GroupFunction != nil {
			data[0] = *d.GroupFunction
		}
	}

	return &Message{Def: d, Priority: d.Priority, Dest: AddrGlobal, data: data}, nil
}

// Decode builds a message from a received payload.
func (db *Database) Decode(pgn uint32, src, dst uint8, data []byte) (*Message, error) {
	defs := db.byPGN[pgn]
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: 0x%05X", ErrUnknownPGN, pgn)
	}

	def := defs[0]
	if def.GroupFunction != nil {
		def = nil
		if len(data) > 0 {
			for _, d := range defs {
				if d.GroupFunction != nil && *d.GroupFunction == data[0] {
					def = d
					break
				}
			}
		}
		if def == nil {
			return nil, fmt.Errorf("%w: 0x%05X group function", ErrUnknownPGN, pgn)
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	return &Message{Def: def, Source: src, Dest: dst, Priority: def.Priority, data: buf}, nil
}
