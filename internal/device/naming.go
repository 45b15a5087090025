package device

import "fmt"

// InstanceKey identifies a device within its function class. Aggregate
// keys carry a bank and a battery instance.
type InstanceKey struct {
	Inst      uint64
	Inst2     uint64
	Aggregate bool
}

func (k InstanceKey) String() string {
	if k.Aggregate {
		return fmt.Sprintf("%d/%d", k.Inst, k.Inst2)
	}
	return fmt.Sprintf("%d", k.Inst)
}

// DisplayName renders the external name of a device. dupe adds the
// address suffix used while another device shares the key.
func DisplayName(class string, key InstanceKey, addr uint8, dupe bool) string {
	name := fmt.Sprintf("%s%d", class, key.Inst)
	if key.Aggregate {
		name = fmt.Sprintf("bank%dbatt%d", key.Inst, key.Inst2)
	}
	if dupe {
		name += fmt.Sprintf("_node%d", addr)
	}
	return name
}

// BankName is the name of the virtual device of a battery bank.
func BankName(inst uint64) string {
	return fmt.Sprintf("bank%d", inst)
}

// SetName applies a name chosen by the coordinator. Leaving a name that
// was published under an instance marks it offline; the new name gets
// its online status and identity.
func (d *Manager) SetName(name string, key InstanceKey) {
	d.mu.Lock()
	old, hadKey := d.name, d.hasKey
	d.key, d.hasKey = key, true
	d.name = name
	id := d.ident
	d.mu.Unlock()

	if name != old {
		if hadKey && old != "" {
			d.sink.Status(old, "offline")
		}
		d.sink.Status(name, "online")
		d.sink.Retained(name, "network", "rvc")
		for _, p := range []struct{ param, v string }{
			{"Manufacturer", id.Make},
			{"Model", id.Model},
			{"SerialNumber", id.Serial},
		} {
			if p.v != "" {
				d.sink.Retained(name, p.param, p.v)
			}
		}
		d.log.Info().Str("device", name).Str("previous", old).Stringer("key", key).Msg("device named")
	}

	d.namedOnce.Do(func() { close(d.named) })
}

// Inherit takes over identity, naming, subscriptions and alerts from the
// manager the node had at its previous address. The manager then starts
// without identifying the node again.
func (d *Manager) Inherit(prev *Manager) {
	prev.mu.Lock()
	ident, model, class := prev.ident, prev.model, prev.class
	key, hasKey, name := prev.key, prev.hasKey, prev.name
	subs, ppn := prev.subs, prev.ppnSubs
	set := prev.alerts
	state := make(map[string]string, len(prev.state))
	for k, v := range prev.state {
		state[k] = v
	}
	prev.mu.Unlock()

	d.mu.Lock()
	d.ident, d.model, d.class = ident, model, class
	d.key, d.hasKey, d.name = key, hasKey, name
	d.subs, d.ppnSubs = subs, ppn
	d.alerts = set
	d.state = state
	d.inherited = true
	d.mu.Unlock()

	d.namedOnce.Do(func() { close(d.named) })
}
