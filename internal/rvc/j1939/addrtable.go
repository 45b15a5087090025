package j1939

import (
	"sort"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

type node struct {
	name     Name
	lastSeen time.Time
}

// AddressTable tracks which NAME holds which source address and turns
// claims and silence into presence events. It is not safe for concurrent
// use.
type AddressTable struct {
	byAddr map[uint8]*node
	byName map[Name]uint8
	self   uint8
}

// NewAddressTable ignores claims made for the bridge's own address.
func NewAddressTable(self uint8) *AddressTable {
	return &AddressTable{
		byAddr: make(map[uint8]*node),
		byName: make(map[Name]uint8),
		self:   self,
	}
}

// Claim processes an address claim from addr.
func (t *AddressTable) Claim(name Name, addr uint8, now time.Time) []rvc.Event {
	if addr == t.self || addr >= AddrNull {
		return nil
	}

	if cur, ok := t.byAddr[addr]; ok {
		if cur.name == name {
			cur.lastSeen = now
			return nil
		}
		if name > cur.name {
			// claimant loses contention and must move elsewhere
			return nil
		}
	}

	var events []rvc.Event

	if cur, ok := t.byAddr[addr]; ok {
		delete(t.byName, cur.name)
		delete(t.byAddr, addr)
		events = append(events, rvc.NodeRemoved{Addr: addr, Reason: rvc.RemovedBumped})
	}

	if old, ok := t.byName[name]; ok && old != addr {
		delete(t.byAddr, old)
		t.byName[name] = addr
		t.byAddr[addr] = &node{name: name, lastSeen: now}
		return append(events, rvc.NodeAddressChanged{Old: old, New: addr})
	}

	t.byName[name] = addr
	t.byAddr[addr] = &node{name: name, lastSeen: now}
	return append(events, rvc.NodeAppeared{Addr: addr})
}

// Seen refreshes a node's liveness on any traffic from addr.
func (t *AddressTable) Seen(addr uint8, now time.Time) {
	if n, ok := t.byAddr[addr]; ok {
		n.lastSeen = now
	}
}

// Known reports whether addr is held by a claimed node.
func (t *AddressTable) Known(addr uint8) bool {
	_, ok := t.byAddr[addr]
	return ok
}

// Expire removes nodes silent for longer than timeout, lowest address first.
func (t *AddressTable) Expire(now time.Time, timeout time.Duration) []rvc.Event {
	var gone []uint8
	for addr, n := range t.byAddr {
		if now.Sub(n.lastSeen) > timeout {
			gone = append(gone, addr)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })

	events := make([]rvc.Event, 0, len(gone))
	for _, addr := range gone {
		delete(t.byName, t.byAddr[addr].name)
		delete(t.byAddr, addr)
		events = append(events, rvc.NodeRemoved{Addr: addr, Reason: rvc.RemovedTimeout})
	}
	return events
}
