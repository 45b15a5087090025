// Package arbiter decides which DC source may speak for a battery bank.
//
// Every report of (bank, priority) refreshes that priority's ballot for
// the bank. Ballots count down once per tick and expire at zero. A report
// wins when no live ballot of the same bank holds a larger priority.
package arbiter

import "sort"

const (
	DefaultWindow   = 6
	DefaultSentinel = 255
)

// Arbiter is not safe for concurrent use; the bridge coordinator owns it.
type Arbiter struct {
	window   int
	sentinel uint64

	banks map[uint64]map[uint64]int
}

// New returns an arbiter whose ballots live for window ticks. Reports of
// the sentinel priority are ignored.
func New(window int, sentinel uint64) *Arbiter {
	if window < 1 {
		window = DefaultWindow
	}
	return &Arbiter{
		window:   window,
		sentinel: sentinel,
		banks:    make(map[uint64]map[uint64]int),
	}
}

// Report records a source's priority for bank. It returns whether the
// source currently wins the bank and whether this report brought the bank
// into existence.
func (a *Arbiter) Report(bank, priority uint64) (winning, appeared bool) {
	if priority == a.sentinel {
		return false, false
	}

	ballots, ok := a.banks[bank]
	if !ok {
		ballots = make(map[uint64]int)
		a.banks[bank] = ballots
		appeared = true
	}
	ballots[priority] = a.window

	for p := range ballots {
		if p > priority {
			return false, appeared
		}
	}
	return true, appeared
}

// Tick decays every ballot by one and returns the banks whose last
// ballot expired, in ascending order.
func (a *Arbiter) Tick() []uint64 {
	var expired []uint64
	for bank, ballots := range a.banks {
		for p := range ballots {
			ballots[p]--
			if ballots[p] <= 0 {
				delete(ballots, p)
			}
		}
		if len(ballots) == 0 {
			delete(a.banks, bank)
			expired = append(expired, bank)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// Winner returns the highest live priority of bank.
func (a *Arbiter) Winner(bank uint64) (uint64, bool) {
	ballots, ok := a.banks[bank]
	if !ok {
		return 0, false
	}
	var best uint64
	for p := range ballots {
		if p > best {
			best = p
		}
	}
	return best, true
}

// Winners maps every bank with a live ballot to its highest priority.
func (a *Arbiter) Winners() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(a.banks))
	for bank := range a.banks {
		out[bank], _ = a.Winner(bank)
	}
	return out
}
