package device

import (
	"fmt"

	"github.com/tamzrod/rvc2mqtt/internal/metrics"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/translate"
)

// HandleCommand sends an external parameter value to the node. Writes of
// proprietary parameters are queued for the next poll cycle.
func (d *Manager) HandleCommand(param, value string) error {
	if d.virtual {
		d.metrics.Command(metrics.CommandFailed)
		return fmt.Errorf("%w: %s is virtual", ErrNoConnection, d.Name())
	}

	d.mu.Lock()
	m, key, name := d.model, d.key, d.name
	d.mu.Unlock()

	if m == nil {
		d.metrics.Command(metrics.CommandUnknownParam)
		return fmt.Errorf("%w: node %d not identified", ErrUnknownParameter, d.addr)
	}
	e, err := m.CommandEntry(param)
	if err != nil {
		d.metrics.Command(metrics.CommandUnknownParam)
		return fmt.Errorf("%w: %s/%s: %w", ErrUnknownParameter, name, param, err)
	}

	if e.Message == rvc.MnemPpnWriteCmd {
		ppn, _ := e.PPNParam()
		v, err := translate.Transforms.CommandValue(e, value)
		if err != nil {
			d.metrics.Command(metrics.CommandFailed)
			return fmt.Errorf("device: %s/%s: %w", name, param, err)
		}
		d.mu.Lock()
		d.ppnQueue = append(d.ppnQueue, ppnWrite{param: ppn, value: v})
		d.mu.Unlock()
		d.metrics.Command(metrics.CommandQueued)
		return nil
	}

	msg, err := d.db.New(e.Message)
	if err != nil {
		d.metrics.Command(metrics.CommandFailed)
		return err
	}
	if msg.Has("Inst") {
		if err := msg.SetRaw("Inst", key.Inst); err != nil {
			d.metrics.Command(metrics.CommandFailed)
			return fmt.Errorf("device: %s/%s: instance: %w", name, param, err)
		}
	}
	if err := translate.Transforms.Apply(msg, e, value); err != nil {
		d.metrics.Command(metrics.CommandFailed)
		return fmt.Errorf("device: %s/%s: %w", name, param, err)
	}
	msg.Dest = d.addr

	d.mu.Lock()
	d.lastCmd = command{sent: true, pgn: msg.PGN(), param: param, value: value}
	d.mu.Unlock()

	if err := d.conn.Send(msg); err != nil {
		d.metrics.Command(metrics.CommandFailed)
		return fmt.Errorf("device: send %s: %w", msg.Mnemonic(), err)
	}
	d.metrics.Command(metrics.CommandSent)
	d.log.Debug().Str("param", param).Str("value", value).Str("pgn", msg.Mnemonic()).Msg("command sent")
	return nil
}

// handleNak publishes a refusal of the last command. Refusals of other
// PGNs are only logged.
func (d *Manager) handleNak(msg *rvc.Message) {
	d.metrics.NakReceived()

	ctrl, _ := msg.Value("CtrlByte")
	pgn, _ := msg.Raw("ParmGrpNum")
	reason, _ := msg.Value("GroupFunctionValue")

	d.mu.Lock()
	last, name := d.lastCmd, d.name
	d.mu.Unlock()

	if !last.sent || uint32(pgn) != last.pgn {
		d.log.Warn().Str("ctrl", ctrl).Uint64("pgn", pgn).Uint32("last_pgn", last.pgn).Msg("acknowledgement does not match last command")
		return
	}

	nak := &NakError{Ctrl: ctrl, PGN: last.pgn, Reason: reason, Param: last.param, Value: last.value}
	d.log.Warn().Err(nak).Msg("command refused")
	d.sink.Nak(name, ctrl, nak.Payload())
}
