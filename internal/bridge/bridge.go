// Package bridge is the coordinator between the RV-C network and the
// pub/sub bus. It owns the device registries, names devices, arbitrates
// battery banks and routes external commands and subscriptions.
//
// All registry state belongs to one loop goroutine. Network events, bus
// messages, device manager callbacks and decay ticks reach it as
// operations queued on a channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tamzrod/rvc2mqtt/internal/arbiter"
	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/device"
	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/metrics"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

var (
	ErrMalformedPayload = errors.New("bridge: malformed payload")
	ErrUnknownDevice    = errors.New("bridge: unknown device")
)

// DefaultSubscriptions is the global pattern list a fresh bridge starts
// with. Patterns are "<device-glob>/<param>".
var DefaultSubscriptions = []string{
	"*/status",
	"inv*/OpState",
	"scc*/OpState",
	"invchg*/OpMode",
	"inv*/InvOpState",
	"invchg*/ChgOpState",
	"*/Alerts",
	"*batt*/HiVoltLimitSts",
}

// DefaultVirtualModel supplies the mapping of virtual battery banks.
const DefaultVirtualModel = "0884-0310-12"

type Config struct {
	Prefix        string
	Subscriptions []string

	// EventDeadTime is the pause after each handled network event.
	EventDeadTime time.Duration

	// Tick is the bank ballot decay period; Window and Sentinel are
	// passed to the arbiter.
	Tick         time.Duration
	Window       int
	Sentinel     uint64
	VirtualModel string

	Device device.Config
}

func DefaultConfig() Config {
	return Config{
		Prefix:        "xnet",
		Subscriptions: append([]string(nil), DefaultSubscriptions...),
		EventDeadTime: 200 * time.Millisecond,
		Tick:          time.Second,
		Window:        arbiter.DefaultWindow,
		Sentinel:      arbiter.DefaultSentinel,
		VirtualModel:  DefaultVirtualModel,
		Device:        device.DefaultConfig(),
	}
}

// DeviceState is a registry entry as seen from outside the loop.
type DeviceState struct {
	Name     string
	Addr     uint8
	Virtual  bool
	Faults   int
	Warnings int
}

type op func()

type Bridge struct {
	cfg     Config
	net     rvc.Network
	bus     bus.Bus
	sink    *bus.Sink
	deps    device.Deps
	vmodel  *mapping.Model
	metrics *metrics.Metrics
	log     zerolog.Logger

	ops    chan op
	runCtx context.Context

	// Owned by the loop goroutine.
	devices  map[uint8]*device.Manager
	virtuals map[string]*device.Manager
	graph    *graph
	patterns []string
	arb      *arbiter.Arbiter
	dupes    int
}

// New wires a bridge over net and b. The bus is not touched until Run.
func New(cfg Config, net rvc.Network, b bus.Bus, tables *mapping.Tables, m *metrics.Metrics, log zerolog.Logger) (*Bridge, error) {
	if cfg.Prefix == "" {
		return nil, errors.New("bridge: topic prefix required")
	}
	vmodel, err := tables.Model(cfg.VirtualModel)
	if err != nil {
		return nil, fmt.Errorf("bridge: virtual bank model: %w", err)
	}

	br := &Bridge{
		cfg:      cfg,
		net:      net,
		bus:      b,
		sink:     bus.NewSink(b, cfg.Prefix, log, m),
		vmodel:   vmodel,
		metrics:  m,
		log:      log,
		ops:      make(chan op),
		devices:  make(map[uint8]*device.Manager),
		virtuals: make(map[string]*device.Manager),
		graph:    newGraph(),
		patterns: append([]string(nil), cfg.Subscriptions...),
		arb:      arbiter.New(cfg.Window, cfg.Sentinel),
		dupes:    -1,
	}
	br.deps = device.Deps{
		DB:           net.Database(),
		Tables:       tables,
		Sink:         br.sink,
		Coordinator:  br,
		Metrics:      m,
		IdentifyLock: semaphore.NewWeighted(1),
		Log:          log,
	}
	return br, nil
}

// Run announces the bridge, subscribes to the external topics and serves
// until ctx is done. On the way out every device is published offline,
// then the bridge itself.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	b.runCtx = gctx

	b.sink.Status(bus.BridgeName, "online")
	b.publishDuplicates()

	for _, kind := range []string{bus.KindCmd, bus.KindSub, bus.KindUnsub} {
		filter := bus.Topic(b.cfg.Prefix, kind, "#")
		if err := b.bus.Subscribe(filter, b.onBusMessage); err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", filter, err)
		}
	}
	b.log.Info().Str("prefix", b.cfg.Prefix).Int("subscriptions", len(b.patterns)).Msg("bridge online")

	g.Go(func() error { return b.loop(gctx) })
	g.Go(func() error { return b.watchNetwork(gctx) })
	g.Go(func() error { return b.decay(gctx) })

	err := g.Wait()
	b.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bridge) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-b.ops:
			fn()
		}
	}
}

// submit queues fn on the loop.
func (b *Bridge) submit(ctx context.Context, fn op) error {
	select {
	case b.ops <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for its result.
func (b *Bridge) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := b.submit(ctx, func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decay ages bank ballots once per tick.
func (b *Bridge) decay(ctx context.Context) error {
	t := time.NewTicker(b.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := b.submit(ctx, b.expireBanks); err != nil {
				return nil
			}
		}
	}
}

// shutdown runs after the loop has exited.
func (b *Bridge) shutdown() {
	for addr, d := range b.devices {
		d.Close()
		if name := d.Name(); name != "" {
			b.sink.Status(name, "offline")
		}
		delete(b.devices, addr)
	}
	for name := range b.virtuals {
		b.sink.Status(name, "offline")
		delete(b.virtuals, name)
	}
	b.sink.Status(bus.BridgeName, "offline")
	b.metrics.SetDevices(0)
	b.metrics.SetVirtualDevices(0)
	b.log.Info().Msg("bridge offline")
}

// States lists every registered device.
func (b *Bridge) States(ctx context.Context) ([]DeviceState, error) {
	var out []DeviceState
	err := b.call(ctx, func() error {
		for addr, d := range b.devices {
			name := d.Name()
			if name == "" {
				continue
			}
			f, w := d.AlertCounts()
			out = append(out, DeviceState{Name: name, Addr: addr, Faults: f, Warnings: w})
		}
		for name, v := range b.virtuals {
			f, w := v.AlertCounts()
			out = append(out, DeviceState{Name: name, Virtual: true, Faults: f, Warnings: w})
		}
		return nil
	})
	return out, err
}

// lookup finds a physical or virtual device by display name.
func (b *Bridge) lookup(name string) *device.Manager {
	for _, d := range b.devices {
		if d.Name() == name {
			return d
		}
	}
	return b.virtuals[name]
}

func (b *Bridge) updateGauges() {
	b.metrics.SetDevices(len(b.devices))
	b.metrics.SetVirtualDevices(len(b.virtuals))
}
