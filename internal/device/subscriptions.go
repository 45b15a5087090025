package device

import (
	"path"
	"sort"
	"strings"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// UpdateSubscriptions rebuilds the device's subscription set from the
// global pattern list. Patterns are "<device-glob>/<param>".
func (d *Manager) UpdateSubscriptions(patterns []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.model == nil || d.name == "" {
		return
	}

	subs := make(map[string][]subscription)
	ppn := make(map[string]subscription)

	for _, p := range patterns {
		glob, param, ok := strings.Cut(p, "/")
		if !ok || param == "" {
			continue
		}
		if matched, err := path.Match(glob, d.name); err != nil || !matched {
			continue
		}

		e, err := d.model.StatusEntry(param)
		if err != nil {
			// Wildcard patterns routinely name parameters a model lacks.
			ev := d.log.Debug()
			if glob == d.name {
				ev = d.log.Warn()
			}
			ev.Str("param", param).Str("model", d.ident.Model).Msg("no mapping for subscribed parameter")
			continue
		}

		if e.Message == rvc.MnemProdIdent {
			d.log.Warn().Str("pattern", p).Msg("ignoring subscription to a ProdIdent field")
			continue
		}

		if e.Message == rvc.MnemPpnReadRsp {
			if id, ok := e.PPNParam(); ok {
				ppn[id] = subscription{param: param, entry: e}
			}
			continue
		}

		key := e.Key()
		dup := false
		for _, s := range subs[key] {
			if s.param == param {
				dup = true
				break
			}
		}
		if !dup {
			subs[key] = append(subs[key], subscription{param: param, entry: e})
		}
	}

	d.subs = subs
	d.ppnSubs = ppn
}

// Subscribed lists the status parameters currently subscribed, sorted.
func (d *Manager) Subscribed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for _, list := range d.subs {
		for _, s := range list {
			out = append(out, s.param)
		}
	}
	for _, s := range d.ppnSubs {
		out = append(out, s.param)
	}
	sort.Strings(out)
	return out
}
