package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// firmRequest asks for mnemonic and reads the connection directly until
// it arrives. Each attempt listens for the identify window; other
// traffic is dropped meanwhile.
func (d *Manager) firmRequest(ctx context.Context, mnemonic string) (*rvc.Message, error) {
	for attempt := 0; attempt < d.cfg.IdentifyRetries; attempt++ {
		req, err := d.db.NewRequest(mnemonic, d.addr)
		if err != nil {
			return nil, err
		}
		if err := d.conn.Send(req); err != nil {
			return nil, fmt.Errorf("%w: send %s: %w", ErrAbandoned, mnemonic, err)
		}

		deadline := time.Now().Add(d.cfg.IdentifyWindow)
		for time.Now().Before(deadline) {
			rctx, cancel := context.WithTimeout(ctx, d.cfg.IdentifyRecv)
			msg, err := d.conn.Recv(rctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
			}
			d.metrics.MessageReceived(msg.Mnemonic())
			if msg.Mnemonic() == mnemonic {
				return msg, nil
			}
		}

		d.metrics.RequestTimedOut(mnemonic)
		d.log.Warn().Int("retry", attempt).Str("await", mnemonic).Msg("identification retry")
	}
	return nil, fmt.Errorf("%w: no %s from node %d", ErrAbandoned, mnemonic, d.addr)
}

// identify reads the node's product identification and resolves its
// model tables. Identifications are serialized process-wide.
func (d *Manager) identify(ctx context.Context) error {
	if err := d.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.gate.Release(1)

	msg, err := d.firmRequest(ctx, rvc.MnemProdIdent)
	if err != nil {
		return err
	}
	return d.setIdentity(msg)
}

func (d *Manager) setIdentity(msg *rvc.Message) error {
	model, err := msg.Value("Model")
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrAbandoned, ErrIdentityMismatch, err)
	}
	mk, _ := msg.Value("Make")
	serial, _ := msg.Value("Serial")

	m, err := d.tables.Model(model)
	if err != nil {
		if errors.Is(err, mapping.ErrUnsupportedModel) {
			return fmt.Errorf("%w: %w: %q at node %d", ErrAbandoned, ErrUnsupportedModel, model, d.addr)
		}
		return err
	}

	d.mu.Lock()
	d.ident = Identity{Make: mk, Model: model, Serial: serial}
	d.model = m
	d.class = m.Class()
	d.mu.Unlock()

	d.log.Info().Str("make", mk).Str("model", model).Str("serial", serial).Msg("device detected")
	return nil
}

// refreshIdentity handles an unsolicited ProdIdent. A node reporting a
// different model than it was identified as keeps its tables.
func (d *Manager) refreshIdentity(msg *rvc.Message) error {
	model, err := msg.Value("Model")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityMismatch, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model != nil && model != d.ident.Model {
		return fmt.Errorf("%w: node %d was %q, now reports %q", ErrIdentityMismatch, d.addr, d.ident.Model, model)
	}
	d.ident.Make, _ = msg.Value("Make")
	d.ident.Serial, _ = msg.Value("Serial")
	return nil
}

// resolveInstance requests the model's instance message and hands the
// key to the coordinator.
func (d *Manager) resolveInstance(ctx context.Context) error {
	d.mu.Lock()
	src := d.model.InstanceSource.Message()
	d.mu.Unlock()

	msg, err := d.firmRequest(ctx, src)
	if err != nil {
		return err
	}
	key, ok := d.instanceKey(msg)
	if !ok {
		return fmt.Errorf("%w: %w: no instance in %s", ErrAbandoned, ErrIdentityMismatch, src)
	}
	return d.coord.RequestRename(ctx, d, key)
}

// instanceKey reads the instance from msg if it is the model's instance
// message.
func (d *Manager) instanceKey(msg *rvc.Message) (InstanceKey, bool) {
	d.mu.Lock()
	m := d.model
	d.mu.Unlock()
	if m == nil || msg.Mnemonic() != m.InstanceSource.Message() {
		return InstanceKey{}, false
	}

	switch m.InstanceSource {
	case mapping.InstanceBattSts:
		bank, err1 := msg.Raw("DcInst")
		batt, err2 := msg.Raw("BattInst")
		if err1 != nil || err2 != nil {
			return InstanceKey{}, false
		}
		return InstanceKey{Inst: bank, Inst2: batt, Aggregate: true}, true
	case mapping.InstanceSccSts:
		inst, err := msg.Raw("Inst")
		if err != nil {
			return InstanceKey{}, false
		}
		return InstanceKey{Inst: inst}, true
	default:
		inst, err := msg.Raw("BaseInst")
		if err != nil {
			return InstanceKey{}, false
		}
		return InstanceKey{Inst: inst}, true
	}
}

// checkInstance asks for a rename when msg carries a key other than the
// current one.
func (d *Manager) checkInstance(ctx context.Context, msg *rvc.Message) error {
	key, ok := d.instanceKey(msg)
	if !ok {
		return nil
	}
	d.mu.Lock()
	same := d.hasKey && d.key == key
	d.mu.Unlock()
	if same {
		return nil
	}
	return d.coord.RequestRename(ctx, d, key)
}
