package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// arm opens the response slot for mnemonic. A device has at most one
// outstanding request; arming replaces any previous wait.
func (d *Manager) arm(mnemonic string) <-chan struct{} {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	d.awaiting = mnemonic
	d.slot = make(chan struct{})
	return d.slot
}

func (d *Manager) disarm() {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	d.awaiting = ""
	d.slot = nil
}

// satisfy releases the waiting request when key is the awaited message or
// any acknowledgement.
func (d *Manager) satisfy(key string) {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	if d.slot == nil {
		return
	}
	if key == d.awaiting || key == rvc.MnemIsoAck || key == rvc.MnemPpnNakRsp {
		close(d.slot)
		d.slot = nil
		d.awaiting = ""
	}
}

// request sends msg and waits for the receive loop to see await.
func (d *Manager) request(ctx context.Context, msg *rvc.Message, await string, timeout time.Duration) error {
	ch := d.arm(await)
	if err := d.conn.Send(msg); err != nil {
		d.disarm()
		return fmt.Errorf("device: send %s: %w", msg.Mnemonic(), err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ch:
		return nil
	case <-t.C:
		d.disarm()
		return fmt.Errorf("%w: %s", rvc.ErrRequestTimeout, await)
	case <-ctx.Done():
		d.disarm()
		return ctx.Err()
	}
}

// requestRetry repeats a request up to tries times. Every timed-out
// attempt is logged and counted.
func (d *Manager) requestRetry(ctx context.Context, build func() (*rvc.Message, error), await string, timeout time.Duration, tries int) error {
	if tries < 1 {
		tries = 1
	}
	for attempt := 1; attempt <= tries; attempt++ {
		msg, err := build()
		if err != nil {
			return err
		}
		err = d.request(ctx, msg, await, timeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rvc.ErrRequestTimeout) {
			return err
		}
		d.metrics.RequestTimedOut(await)
		d.log.Warn().Str("await", await).Int("attempt", attempt).Int("tries", tries).Msg("request timed out")
	}
	return fmt.Errorf("%w: %s after %d tries", rvc.ErrRequestTimeout, await, tries)
}

// settle turns a step's request failure into a log line. Only
// cancellation stops the poll cycle.
func (d *Manager) settle(ctx context.Context, err error, what string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, rvc.ErrRequestTimeout) {
		d.log.Debug().Str("request", what).Msg("giving up until next cycle")
		return nil
	}
	d.log.Error().Err(err).Str("request", what).Msg("request failed")
	return nil
}
