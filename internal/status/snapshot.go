// internal/status/snapshot.go
package status

// Snapshot represents exactly what the writer is allowed to deliver.
type Snapshot struct {
	Health         uint16
	Faults         uint16
	SecondsOffline uint16
	Warnings       uint16
}

// Tracker folds presence observations and a 1 Hz clock into a Snapshot
// for one device. It holds no IO and is not safe for concurrent use.
type Tracker struct {
	snap Snapshot
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot { return t.snap }

// Observe records whether the device is present and, if so, its alert
// counts. It reports whether anything changed.
func (t *Tracker) Observe(present bool, faults, warnings int) bool {
	next := t.snap
	switch {
	case present:
		next = Snapshot{
			Health:   HealthOnline,
			Faults:   clamp(faults),
			Warnings: clamp(warnings),
		}
	case t.snap.Health == HealthOnline:
		next.Health = HealthOffline
		next.Faults = 0
		next.Warnings = 0
	}
	changed := next != t.snap
	t.snap = next
	return changed
}

// Tick advances the offline counter by one second while the device is
// not online. It reports whether the counter moved.
func (t *Tracker) Tick() bool {
	if t.snap.Health == HealthOnline || t.snap.SecondsOffline >= MaxSeconds {
		return false
	}
	t.snap.SecondsOffline++
	return true
}

func clamp(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > MaxSeconds:
		return MaxSeconds
	}
	return uint16(n)
}
