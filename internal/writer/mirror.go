// internal/writer/mirror.go
package writer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/rvc2mqtt/internal/bridge"
	"github.com/tamzrod/rvc2mqtt/internal/poller"
)

// Mirror copies the health of configured devices into register memory
// once per second.
type Mirror struct {
	plan     Plan
	src      StateSource
	writers  []*deviceStatusWriter
	interval time.Duration
	log      zerolog.Logger
}

// NewMirror builds a mirror writing plan through cli.
func NewMirror(plan Plan, cli endpointClient, src StateSource, log zerolog.Logger) (*Mirror, error) {
	if cli == nil {
		return nil, errors.New("writer: client required")
	}
	if src == nil {
		return nil, errors.New("writer: state source required")
	}
	if len(plan.Devices) == 0 {
		return nil, errors.New("writer: no devices to mirror")
	}

	m := &Mirror{
		plan:     plan,
		src:      src,
		interval: time.Second,
		log:      log,
	}
	for _, d := range plan.Devices {
		m.writers = append(m.writers, newDeviceStatusWriter(d, plan.UnitID, cli))
	}
	return m, nil
}

// Run refreshes the mirror until ctx is done. The first refresh happens
// immediately.
func (m *Mirror) Run(ctx context.Context) error {
	p, err := poller.New(poller.Config{
		Device:   "status_mirror",
		Interval: m.interval,
		Steps:    []poller.Step{{Name: "refresh", Run: m.refresh}},
	})
	if err != nil {
		return err
	}

	m.log.Info().Str("endpoint", m.plan.Endpoint).Int("devices", len(m.writers)).Msg("status mirror started")

	results := make(chan poller.PollResult, 1)
	go func() {
		p.Run(ctx, results)
		close(results)
	}()
	for res := range results {
		if res.Err != nil && ctx.Err() == nil {
			m.log.Warn().Err(res.Err).Uint64("tick", res.Tick).Msg("status mirror refresh failed")
		}
	}
	return nil
}

// refresh folds the bridge registry into every tracker, advances the
// offline clocks and writes what changed.
func (m *Mirror) refresh(ctx context.Context) error {
	states, err := m.src.States(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]bridge.DeviceState, len(states))
	for _, s := range states {
		byName[s.Name] = s
	}

	var errs []error
	for _, w := range m.writers {
		s, present := byName[w.name]
		changed := w.tracker.Observe(present, s.Faults, s.Warnings)
		if w.tracker.Tick() {
			changed = true
		}
		if !changed && !w.needFull {
			continue
		}
		if err := w.WriteStatus(w.tracker.Snapshot()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
