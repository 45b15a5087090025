// Package alerts keeps the active fault and warning set of one device.
package alerts

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/mapping"
)

// Origin says which kind of message raised an alert.
type Origin int

const (
	FromFlags Origin = iota
	FromDiag
)

// Alert is one active fault or warning.
type Alert struct {
	Code       int
	Desc       string
	Severity   mapping.Severity
	DetectedAt time.Time
	Origin     Origin
}

// Delta lists the codes an update raised or cleared. Ignored names the
// flag signals whose value was neither set nor clear.
type Delta struct {
	Raised  []int
	Cleared []int
	Ignored []string
}

// Changed reports whether the update altered the set.
func (d Delta) Changed() bool { return len(d.Raised) > 0 || len(d.Cleared) > 0 }

// Set is a device's severity -> code -> Alert table. Safe for concurrent
// use.
type Set struct {
	mu     sync.Mutex
	active map[mapping.Severity]map[int]Alert
	now    func() time.Time
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{
		active: map[mapping.Severity]map[int]Alert{
			mapping.SeverityFault:   {},
			mapping.SeverityWarning: {},
		},
		now: time.Now,
	}
}

// raise must be called with mu held. An alert already active keeps its
// detection time.
func (s *Set) raise(sev mapping.Severity, code int, desc string, origin Origin) bool {
	bucket, ok := s.active[sev]
	if !ok {
		return false
	}
	if _, exists := bucket[code]; exists {
		return false
	}
	bucket[code] = Alert{Code: code, Desc: desc, Severity: sev, DetectedAt: s.now(), Origin: origin}
	return true
}

func (s *Set) clear(sev mapping.Severity, code int) bool {
	bucket := s.active[sev]
	if _, ok := bucket[code]; !ok {
		return false
	}
	delete(bucket, code)
	return true
}

// clearFrom removes an alert only when origin raised it.
func (s *Set) clearFrom(sev mapping.Severity, code int, origin Origin) bool {
	if a, ok := s.active[sev][code]; !ok || a.Origin != origin {
		return false
	}
	delete(s.active[sev], code)
	return true
}

// Raise activates one alert.
func (s *Set) Raise(sev mapping.Severity, code int, desc string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raise(sev, code, desc, FromFlags)
}

// Clear removes one alert.
func (s *Set) Clear(sev mapping.Severity, code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear(sev, code)
}

// Active returns the alerts of one severity sorted by code.
func (s *Set) Active(sev mapping.Severity) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Alert, 0, len(s.active[sev]))
	for _, a := range s.active[sev] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Count returns the number of active alerts of one severity.
func (s *Set) Count(sev mapping.Severity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active[sev])
}

type entry struct {
	Code int    `json:"code"`
	Desc string `json:"desc"`
}

type document struct {
	Faults   []entry `json:"faults"`
	Warnings []entry `json:"warnings"`
}

// JSON renders the set as {"faults":[{code,desc}],"warnings":[...]}.
func (s *Set) JSON() []byte {
	return Render(s.Active(mapping.SeverityFault), s.Active(mapping.SeverityWarning))
}

// Render encodes fault and warning lists in the published layout.
func Render(faults, warnings []Alert) []byte {
	doc := document{Faults: make([]entry, 0, len(faults)), Warnings: make([]entry, 0, len(warnings))}
	for _, a := range faults {
		doc.Faults = append(doc.Faults, entry{Code: a.Code, Desc: a.Desc})
	}
	for _, a := range warnings {
		doc.Warnings = append(doc.Warnings, entry{Code: a.Code, Desc: a.Desc})
	}
	b, _ := json.Marshal(doc)
	return b
}
