package bridge

import (
	"context"
	"fmt"

	"github.com/tamzrod/rvc2mqtt/internal/device"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// RouteDcSource arbitrates a DC source status message and hands it to
// the bank's virtual device when its source wins.
func (b *Bridge) RouteDcSource(ctx context.Context, msg *rvc.Message) error {
	bank, err := msg.Raw("Inst")
	if err != nil {
		return fmt.Errorf("bridge: %s: %w", msg.Mnemonic(), err)
	}
	priority, err := msg.Raw("DevPri")
	if err != nil {
		return fmt.Errorf("bridge: %s: %w", msg.Mnemonic(), err)
	}
	return b.submit(ctx, func() { b.routeBank(bank, priority, msg) })
}

func (b *Bridge) routeBank(bank, priority uint64, msg *rvc.Message) {
	winning, _ := b.arb.Report(bank, priority)
	if !winning {
		return
	}

	name := device.BankName(bank)
	v, ok := b.virtuals[name]
	if !ok {
		v = device.NewVirtual(name, device.InstanceKey{Inst: bank}, b.vmodel, b.cfg.Device, b.deps)
		v.UpdateSubscriptions(b.patterns)
		b.virtuals[name] = v
		b.sink.Status(name, "online")
		b.updateGauges()
		b.log.Info().Str("device", name).Uint64("priority", priority).Msg("battery bank online")
	}

	if err := v.HandleMessage(b.runCtx, msg); err != nil {
		b.log.Error().Err(err).Str("device", name).Str("pgn", msg.Mnemonic()).Msg("message handling failed")
	}
}

// expireBanks decays the ballots and retires banks nobody reports for.
func (b *Bridge) expireBanks() {
	expired := b.arb.Tick()
	b.metrics.SetBankPriorities(b.arb.Winners())
	for _, bank := range expired {
		name := device.BankName(bank)
		if _, ok := b.virtuals[name]; !ok {
			continue
		}
		delete(b.virtuals, name)
		b.sink.Status(name, "offline")
		b.updateGauges()
		b.log.Info().Str("device", name).Msg("battery bank offline")
	}
}
