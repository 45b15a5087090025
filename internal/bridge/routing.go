package bridge

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/metrics"
)

// Parameters every device carries and nobody (un)subscribes.
var implicitParams = map[string]bool{
	"Alerts":  true,
	"OpState": true,
}

// onBusMessage runs on the bus client's goroutine.
func (b *Bridge) onBusMessage(m bus.Message) {
	kind, name, param, ok := bus.Parse(b.cfg.Prefix, m.Topic)
	if !ok {
		b.log.Warn().Str("topic", m.Topic).Msg("ignoring topic")
		return
	}
	payload := append([]byte(nil), m.Payload...)

	var fn func() error
	switch kind {
	case bus.KindCmd:
		fn = func() error { return b.command(name, param, string(payload)) }
	case bus.KindSub:
		fn = func() error { return b.subscribe(name, payload) }
	case bus.KindUnsub:
		fn = func() error { return b.unsubscribe(name, payload) }
	}

	err := b.submit(b.runCtx, func() {
		if err := fn(); err != nil {
			b.log.Warn().Err(err).Str("topic", m.Topic).Msg("external request ignored")
		}
	})
	if err != nil {
		b.log.Debug().Err(err).Str("topic", m.Topic).Msg("bridge stopping")
	}
}

func (b *Bridge) command(name, param, value string) error {
	d := b.lookup(name)
	if d == nil {
		b.metrics.Command(metrics.CommandUnknownDevice)
		return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return d.HandleCommand(param, value)
}

// decodeParams reads a JSON array of parameter names. A JSON null yields
// a nil slice and ok false.
func decodeParams(payload []byte) (params []string, ok bool, err error) {
	var list *[]string
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if list == nil {
		return nil, false, nil
	}
	return *list, true, nil
}

func (b *Bridge) subscribe(name string, payload []byte) error {
	params, ok, err := decodeParams(payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscribe needs a list", ErrMalformedPayload)
	}

	for _, p := range params {
		if implicitParams[p] {
			continue
		}
		pattern := name + "/" + p
		if !slices.Contains(b.patterns, pattern) {
			b.patterns = append(b.patterns, pattern)
		}
	}
	b.refresh(name)
	return nil
}

// unsubscribe removes the listed parameters of name, or all of them for
// a null payload.
func (b *Bridge) unsubscribe(name string, payload []byte) error {
	params, ok, err := decodeParams(payload)
	if err != nil {
		return err
	}

	if !ok {
		b.patterns = slices.DeleteFunc(b.patterns, func(p string) bool {
			return strings.HasPrefix(p, name+"/")
		})
	} else {
		drop := make(map[string]bool, len(params))
		for _, p := range params {
			if !implicitParams[p] {
				drop[name+"/"+p] = true
			}
		}
		b.patterns = slices.DeleteFunc(b.patterns, func(p string) bool { return drop[p] })
	}
	b.refresh(name)
	return nil
}

// refresh recomputes the subscriptions of every device the name glob
// matches. Patterns for absent devices wait for them to appear.
func (b *Bridge) refresh(glob string) {
	if d := b.lookup(glob); d != nil {
		d.UpdateSubscriptions(b.patterns)
		return
	}
	for _, d := range b.devices {
		if matched, _ := path.Match(glob, d.Name()); matched {
			d.UpdateSubscriptions(b.patterns)
		}
	}
	for name, v := range b.virtuals {
		if matched, _ := path.Match(glob, name); matched {
			v.UpdateSubscriptions(b.patterns)
		}
	}
}

