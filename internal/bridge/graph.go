package bridge

import (
	"sort"

	"github.com/tamzrod/rvc2mqtt/internal/device"
)

// slot is a (function class, instance key) pair. Devices sharing a slot
// are duplicates.
type slot struct {
	class string
	key   device.InstanceKey
}

// graph places node addresses in slots. Whether a name carries the
// address suffix depends only on how many addresses share its slot.
type graph struct {
	slots map[slot]map[uint8]struct{}
	at    map[uint8]slot
}

func newGraph() *graph {
	return &graph{
		slots: make(map[slot]map[uint8]struct{}),
		at:    make(map[uint8]slot),
	}
}

// place moves addr into s and returns the slots whose membership changed.
// Aggregate keys name a battery regardless of class, so their slots
// ignore it.
func (g *graph) place(addr uint8, s slot) []slot {
	if s.key.Aggregate {
		s.class = ""
	}
	old, had := g.at[addr]
	if had && old == s {
		return []slot{s}
	}
	var touched []slot
	if had {
		g.drop(addr, old)
		touched = append(touched, old)
	}
	members, ok := g.slots[s]
	if !ok {
		members = make(map[uint8]struct{})
		g.slots[s] = members
	}
	members[addr] = struct{}{}
	g.at[addr] = s
	return append(touched, s)
}

// remove takes addr out of the graph and returns the slot it left.
func (g *graph) remove(addr uint8) (slot, bool) {
	s, ok := g.at[addr]
	if !ok {
		return slot{}, false
	}
	g.drop(addr, s)
	return s, true
}

// move re-keys a placed address, keeping its slot.
func (g *graph) move(from, to uint8) (slot, bool) {
	s, ok := g.remove(from)
	if !ok {
		return slot{}, false
	}
	g.place(to, s)
	return s, true
}

func (g *graph) drop(addr uint8, s slot) {
	delete(g.at, addr)
	members := g.slots[s]
	delete(members, addr)
	if len(members) == 0 {
		delete(g.slots, s)
	}
}

// members returns the addresses in s, sorted.
func (g *graph) members(s slot) []uint8 {
	out := make([]uint8, 0, len(g.slots[s]))
	for addr := range g.slots[s] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// name renders the display name of a placed address.
func (g *graph) name(addr uint8) (string, bool) {
	s, ok := g.at[addr]
	if !ok {
		return "", false
	}
	return device.DisplayName(s.class, s.key, addr, len(g.slots[s]) > 1), true
}

// names renders every placed address directly from the graph.
func (g *graph) names() map[uint8]string {
	out := make(map[uint8]string, len(g.at))
	for addr := range g.at {
		out[addr], _ = g.name(addr)
	}
	return out
}

// duplicates counts slots held by more than one address.
func (g *graph) duplicates() int {
	n := 0
	for _, members := range g.slots {
		if len(members) > 1 {
			n++
		}
	}
	return n
}
