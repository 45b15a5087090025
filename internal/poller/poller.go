// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config is the minimal runtime config the poller needs.
type Config struct {
	Device   string
	Interval time.Duration
	Steps    []Step
}

// Poller is a dumb, clock-driven step runner.
type Poller struct {
	cfg  Config
	tick uint64
}

// New creates a poller with immutable config.
func New(cfg Config) (*Poller, error) {
	if cfg.Device == "" {
		return nil, errors.New("poller: device required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if len(cfg.Steps) == 0 {
		return nil, errors.New("poller: at least one step required")
	}
	for i, s := range cfg.Steps {
		if s.Run == nil {
			return nil, fmt.Errorf("poller: step %d (%q) has no func", i, s.Name)
		}
	}
	return &Poller{cfg: cfg}, nil
}

// PollOnce performs exactly one poll cycle.
// Any step failure aborts the rest of the cycle.
func (p *Poller) PollOnce(ctx context.Context) PollResult {
	p.tick++
	res := PollResult{
		Device: p.cfg.Device,
		At:     time.Now(),
		Tick:   p.tick,
	}

	for _, s := range p.cfg.Steps {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		start := time.Now()
		err := s.Run(ctx)
		res.Steps = append(res.Steps, StepResult{Name: s.Name, Took: time.Since(start), Err: err})
		if err != nil {
			res.Err = fmt.Errorf("poller: step %q: %w", s.Name, err)
			return res
		}
	}

	return res
}
