package device

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tamzrod/rvc2mqtt/internal/poller"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// steps is the per-tick sequence of a physical device.
func (d *Manager) steps() []poller.Step {
	return []poller.Step{
		{Name: "opstate", Run: d.pollOpState},
		{Name: "rerequest", Run: d.pollRerequest},
		{Name: "ppn-read", Run: d.pollPpnReads},
		{Name: "ppn-write", Run: d.pollPpnWrites},
		{Name: "alerts", Run: d.pollAlerts},
	}
}

// InvChgOpState folds the inverter/charger sub-states into one state.
func InvChgOpState(opMode, invState, chgState string) string {
	switch opMode {
	case "Safe", "Hibernate", "Power Save", "Diagnostic", "Remote Power Off":
		return "Safe"
	}
	switch chgState {
	case "Bulk", "Absorption", "Float", "Overcharge", "Equalize", "Constant Voltage Constant Current":
		return "Charging"
	}
	return InvOpState(invState)
}

// InvOpState is the inverter's simplified state.
func InvOpState(invState string) string {
	if invState == "Invert" {
		return "Inverting"
	}
	return invState
}

func (d *Manager) pollOpState(ctx context.Context) error {
	d.mu.Lock()
	class, model := d.class, d.ident.Model
	d.mu.Unlock()

	switch class {
	case "invchg":
		if strings.HasPrefix(model, "FEX_RVC") {
			err := d.requestRetry(ctx, func() (*rvc.Message, error) {
				return d.db.NewRequest("PmInvSts", d.addr)
			}, "PmInvSts", d.cfg.ResponseTimeout, 1)
			if err := d.settle(ctx, err, "PmInvSts"); err != nil {
				return err
			}
		}

		d.mu.Lock()
		opMode, ok := d.state[paramOpMode]
		if !ok {
			opMode = "Operating"
		}
		inv, okInv := d.state[paramInvOpState]
		chg, okChg := d.state[paramChgOpState]
		name := d.name
		d.mu.Unlock()

		if okInv && okChg {
			d.sink.Value(name, paramOpState, InvChgOpState(opMode, inv, chg))
		}

	case "inv":
		d.mu.Lock()
		inv, ok := d.state[paramInvOpState]
		name := d.name
		d.mu.Unlock()

		if ok {
			d.sink.Value(name, paramOpState, InvOpState(inv))
		}
	}
	return nil
}

// pollRerequest requests every subscribed message not seen within the
// re-request timeout.
func (d *Manager) pollRerequest(ctx context.Context) error {
	now := time.Now()

	type stale struct {
		key   string
		first subscription
	}
	var due []stale

	d.mu.Lock()
	for key, list := range d.subs {
		if len(list) == 0 {
			continue
		}
		if seen, ok := d.lastSeen[key]; ok && now.Sub(seen) <= d.cfg.RerequestTimeout {
			continue
		}
		due = append(due, stale{key: key, first: list[0]})
	}
	d.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].key < due[j].key })

	for _, s := range due {
		build := func() (*rvc.Message, error) { return d.db.NewRequest(s.key, d.addr) }
		if s.first.entry.Message == rvc.MnemPmAssocSts {
			q := s.first.entry.Qualifiers
			inst, err := strconv.Atoi(q["AssocInst"])
			if err != nil {
				d.log.Error().Err(err).Str("key", s.key).Msg("bad association instance")
				continue
			}
			build = func() (*rvc.Message, error) { return d.db.NewAssocRequest(q["AssocType"], inst, d.addr) }
		}

		err := d.requestRetry(ctx, build, s.key, d.cfg.ResponseTimeout, d.cfg.RequestTries)
		if err := d.settle(ctx, err, s.key); err != nil {
			return err
		}
	}
	return nil
}

// pollPpnReads requests subscribed proprietary parameters every
// PPNCycleSkips ticks.
func (d *Manager) pollPpnReads(ctx context.Context) error {
	d.mu.Lock()
	if len(d.ppnSubs) == 0 {
		d.mu.Unlock()
		return nil
	}
	d.ppnCount--
	if d.ppnCount > 0 {
		d.mu.Unlock()
		return nil
	}
	d.ppnCount = d.cfg.PPNCycleSkips

	params := make([]string, 0, len(d.ppnSubs))
	for p := range d.ppnSubs {
		params = append(params, p)
	}
	d.mu.Unlock()
	sort.Strings(params)

	for _, p := range params {
		parts := []string{p}
		if p == "BpcSerialNum" {
			parts = []string{"BpcSerialNum1", "BpcSerialNum2"}
		}
		for _, part := range parts {
			if err := d.ppnRead(ctx, part); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Manager) ppnRead(ctx context.Context, param string) error {
	err := d.requestRetry(ctx, func() (*rvc.Message, error) {
		return d.db.NewPpnRead(param, d.addr)
	}, rvc.MnemPpnReadRsp, d.cfg.PPNRequestTimeout, d.cfg.PPNRequestTries)
	return d.settle(ctx, err, "PPN read "+param)
}

// pollPpnWrites drains queued proprietary writes inside a session.
func (d *Manager) pollPpnWrites(ctx context.Context) error {
	d.mu.Lock()
	queue := d.ppnQueue
	d.ppnQueue = nil
	d.mu.Unlock()

	if len(queue) == 0 {
		return nil
	}

	if err := d.ppnSession(ctx, "On"); err != nil {
		return err
	}
	for _, w := range queue {
		err := d.requestRetry(ctx, func() (*rvc.Message, error) {
			return d.db.NewPpnWrite(w.param, w.value, d.addr)
		}, rvc.MnemPpnWriteRsp, d.cfg.PPNCommandTimeout, d.cfg.PPNCommandTries)
		if err := d.settle(ctx, err, "PPN write "+w.param); err != nil {
			return err
		}
	}
	return d.ppnSession(ctx, "Off")
}

func (d *Manager) ppnSession(ctx context.Context, state string) error {
	err := d.requestRetry(ctx, func() (*rvc.Message, error) {
		return d.db.NewPpnSession(state, d.addr)
	}, rvc.MnemPpnSessRsp, d.cfg.PPNCommandTimeout, d.cfg.PPNCommandTries)
	return d.settle(ctx, err, "PPN session "+state)
}

// pollAlerts republishes the full alert set.
func (d *Manager) pollAlerts(context.Context) error {
	d.mu.Lock()
	name, set := d.name, d.alerts
	d.mu.Unlock()

	d.sink.Alerts(name, set.JSON(), false)
	return nil
}
