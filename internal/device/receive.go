package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/translate"
)

// Parameters feeding the derived operating state.
const (
	paramOpMode     = "OpMode"
	paramInvOpState = "InvOpState"
	paramChgOpState = "ChgOpState"
	paramOpState    = "OpState"
	paramAlerts     = "Alerts"
)

// DC source messages arbitrated per battery bank.
var dcSourceMessages = map[string]bool{
	"DCSrcSts1":  true,
	"DCSrcSts2":  true,
	"DCSrcSts3":  true,
	"DCSrcSts4":  true,
	"DcSrcSts11": true,
}

// isDcSource reports whether mnemonic takes part in bank arbitration.
func isDcSource(mnemonic string) bool { return dcSourceMessages[mnemonic] }

func (d *Manager) receiveLoop(ctx context.Context) error {
	for {
		msg, err := d.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, rvc.ErrClosed) {
				return err
			}
			d.log.Error().Err(err).Msg("receive failed")
			continue
		}
		if err := d.HandleMessage(ctx, msg); err != nil {
			d.log.Error().Err(err).Str("pgn", msg.Mnemonic()).Msg("message handling failed")
		}
	}
}

// HandleMessage processes one inbound message. Virtual managers only
// publish subscribed fields.
func (d *Manager) HandleMessage(ctx context.Context, msg *rvc.Message) error {
	key := msg.Mnemonic()
	d.metrics.MessageReceived(key)

	if key == rvc.MnemPmAssocSts {
		kind, _ := msg.Value("AssocType")
		inst, _ := msg.Raw("AssocInst")
		key = rvc.AssocMnemonic(kind, inst)
	}

	d.mu.Lock()
	d.lastSeen[key] = time.Now()
	d.mu.Unlock()

	var errs []error
	if !d.virtual {
		errs = append(errs, d.dispatch(ctx, key, msg))
	}
	errs = append(errs, d.publishSubscribed(key, msg))

	d.satisfy(key)
	return errors.Join(errs...)
}

func (d *Manager) dispatch(ctx context.Context, key string, msg *rvc.Message) error {
	switch {
	case key == rvc.MnemProdIdent:
		return d.refreshIdentity(msg)

	case key == "InstSts" || key == "SccSts":
		return d.checkInstance(ctx, msg)

	case key == "BattSts6":
		err := d.checkInstance(ctx, msg)
		d.applyFlags(msg)
		return err

	case key == "DcSrcSts6" || key == "PmLithionicsSts":
		d.applyFlags(msg)

	case isDcSource(key):
		return d.coord.RouteDcSource(ctx, msg)

	case key == rvc.MnemPpnReadRsp:
		return d.handlePpnRead(msg)

	case key == rvc.MnemPpnNakRsp:
		param, _ := msg.Value("ParamId")
		d.log.Info().Str("param", param).Msg("PmPpnNakRsp received")

	case key == rvc.MnemIsoAck:
		if ctrl, _ := msg.Value("CtrlByte"); ctrl != "Ack" {
			d.handleNak(msg)
		}
	}
	return nil
}

func (d *Manager) applyFlags(msg *rvc.Message) {
	flags, ok := d.tables.Flags(msg.Mnemonic())
	if !ok {
		d.log.Warn().Str("pgn", msg.Mnemonic()).Msg("message has no alert flags")
		return
	}

	d.mu.Lock()
	set := d.alerts
	d.mu.Unlock()

	delta := set.ApplyFlags(msg, flags)
	for _, ig := range delta.Ignored {
		d.log.Debug().Str("pgn", msg.Mnemonic()).Str("flag", ig).Msg("flag value ignored")
	}
	if delta.Changed() {
		d.log.Debug().Ints("raised", delta.Raised).Ints("cleared", delta.Cleared).Msg("flag alerts changed")
	}
}

func (d *Manager) publishSubscribed(key string, msg *rvc.Message) error {
	d.mu.Lock()
	subs := d.subs[key]
	name := d.name
	m := d.model
	set := d.alerts
	d.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if !translate.Qualifies(msg, s.entry.Qualifiers) {
			continue
		}

		if key == rvc.MnemDiagMsg1 {
			delta, err := set.ApplyDiag(msg, m.AlertTable())
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.param, err))
			} else if delta.Changed() {
				d.log.Debug().Ints("raised", delta.Raised).Ints("cleared", delta.Cleared).Msg("diagnostic alerts changed")
			}
			continue
		}

		v, err := translate.Transforms.StatusValue(s.entry, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.param, err))
			continue
		}
		d.sink.Value(name, s.param, v)

		switch s.param {
		case paramOpMode, paramInvOpState, paramChgOpState:
			d.mu.Lock()
			d.state[s.param] = v
			d.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// handlePpnRead routes a proprietary parameter value to its subscription.
// The BPC serial number arrives in two parts and is published whole.
func (d *Manager) handlePpnRead(msg *rvc.Message) error {
	param, err := msg.Value("ParamId")
	if err != nil {
		return err
	}
	value, err := msg.Value("Value")
	if err != nil {
		return err
	}

	d.mu.Lock()
	sub, subscribed := d.ppnSubs[param]
	name := d.name
	d.mu.Unlock()

	switch {
	case subscribed:
		if sub.entry.Transform != "" {
			if value, err = translate.Transforms.StatusValue(sub.entry, msg); err != nil {
				return fmt.Errorf("%s: %w", sub.param, err)
			}
		}
		d.sink.Value(name, sub.param, value)

	case param == "BpcSerialNum1":
		d.mu.Lock()
		d.bpcSerial = value
		d.mu.Unlock()

	case param == "BpcSerialNum2":
		d.mu.Lock()
		d.bpcSerial += value
		serial := d.bpcSerial
		d.mu.Unlock()
		d.sink.Value(name, "BpcSerialNum", serial)
	}
	return nil
}
