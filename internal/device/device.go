// Package device runs one manager per RV-C node: it identifies the node,
// asks the coordinator for a name, publishes subscribed fields, polls for
// requested ones, aggregates alerts and forwards commands.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tamzrod/rvc2mqtt/internal/alerts"
	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/metrics"
	"github.com/tamzrod/rvc2mqtt/internal/poller"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// Config holds the request and poll timing of a manager.
type Config struct {
	PollInterval     time.Duration
	RerequestTimeout time.Duration
	ResponseTimeout  time.Duration
	RequestTries     int

	IdentifyWindow  time.Duration
	IdentifyRecv    time.Duration
	IdentifyRetries int

	PPNCycleSkips     int
	PPNRequestTimeout time.Duration
	PPNRequestTries   int
	PPNCommandTimeout time.Duration
	PPNCommandTries   int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		RerequestTimeout:  5 * time.Second,
		ResponseTimeout:   time.Second,
		RequestTries:      1,
		IdentifyWindow:    10 * time.Second,
		IdentifyRecv:      2 * time.Second,
		IdentifyRetries:   4,
		PPNCycleSkips:     5,
		PPNRequestTimeout: 500 * time.Millisecond,
		PPNRequestTries:   3,
		PPNCommandTimeout: 500 * time.Millisecond,
		PPNCommandTries:   4,
	}
}

// Coordinator owns cross-device decisions. Calls come from manager
// goroutines and must return once ctx is done.
type Coordinator interface {
	// RequestRename reports a new instance key. The coordinator answers
	// with SetName on this or another manager.
	RequestRename(ctx context.Context, d *Manager, key InstanceKey) error
	// RouteDcSource hands a DC source status message to bank arbitration.
	RouteDcSource(ctx context.Context, msg *rvc.Message) error
	// Abandon reports a manager that stopped on its own.
	Abandon(ctx context.Context, d *Manager, err error)
}

// Deps are the collaborators shared by every manager.
type Deps struct {
	DB          *rvc.Database
	Tables      *mapping.Tables
	Sink        *bus.Sink
	Coordinator Coordinator
	Metrics     *metrics.Metrics

	// IdentifyLock admits one identification at a time process-wide.
	IdentifyLock *semaphore.Weighted

	Log zerolog.Logger
}

// Identity is what a node reports in ProdIdent.
type Identity struct {
	Make   string
	Model  string
	Serial string
}

type subscription struct {
	param string
	entry mapping.Entry
}

type command struct {
	sent  bool
	pgn   uint32
	param string
	value string
}

type ppnWrite struct {
	param string
	value string
}

// Manager tracks one physical node, or one virtual aggregate when it has
// no connection.
type Manager struct {
	addr    uint8
	conn    rvc.Conn
	virtual bool

	cfg     Config
	db      *rvc.Database
	tables  *mapping.Tables
	sink    *bus.Sink
	coord   Coordinator
	metrics *metrics.Metrics
	gate    *semaphore.Weighted
	log     zerolog.Logger

	mu        sync.Mutex
	ident     Identity
	model     *mapping.Model
	class     string
	key       InstanceKey
	hasKey    bool
	name      string
	inherited bool
	subs      map[string][]subscription
	ppnSubs   map[string]subscription
	lastSeen  map[string]time.Time
	state     map[string]string
	lastCmd   command
	bpcSerial string
	ppnQueue  []ppnWrite
	ppnCount  int
	alerts    *alerts.Set

	slotMu   sync.Mutex
	awaiting string
	slot     chan struct{}

	named     chan struct{}
	namedOnce sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

func newManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		db:       deps.DB,
		tables:   deps.Tables,
		sink:     deps.Sink,
		coord:    deps.Coordinator,
		metrics:  deps.Metrics,
		gate:     deps.IdentifyLock,
		subs:     make(map[string][]subscription),
		ppnSubs:  make(map[string]subscription),
		lastSeen: make(map[string]time.Time),
		state:    make(map[string]string),
		alerts:   alerts.NewSet(),
		ppnCount: cfg.PPNCycleSkips,
		named:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// New creates the manager of the node behind conn. It does nothing until
// Start.
func New(conn rvc.Conn, cfg Config, deps Deps) *Manager {
	d := newManager(cfg, deps)
	d.addr = conn.Addr()
	d.conn = conn
	d.log = deps.Log.With().Uint8("node", d.addr).Logger()
	if d.gate == nil {
		d.gate = semaphore.NewWeighted(1)
	}
	return d
}

// NewVirtual creates the manager of an aggregate entity. It has no
// connection or loops; the coordinator feeds it with HandleMessage.
func NewVirtual(name string, key InstanceKey, model *mapping.Model, cfg Config, deps Deps) *Manager {
	d := newManager(cfg, deps)
	d.virtual = true
	d.model = model
	d.class = model.Class()
	d.key, d.hasKey = key, true
	d.name = name
	d.log = deps.Log.With().Str("device", name).Logger()
	d.namedOnce.Do(func() { close(d.named) })
	close(d.done)
	return d
}

func (d *Manager) Addr() uint8 { return d.addr }

func (d *Manager) Virtual() bool { return d.virtual }

func (d *Manager) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Key returns the instance key, if one has been resolved.
func (d *Manager) Key() (InstanceKey, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key, d.hasKey
}

// Class returns the function class, empty before identification.
func (d *Manager) Class() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.class
}

func (d *Manager) Identity() Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ident
}

// AlertCounts returns the number of active faults and warnings.
func (d *Manager) AlertCounts() (faults, warnings int) {
	d.mu.Lock()
	set := d.alerts
	d.mu.Unlock()
	return set.Count(mapping.SeverityFault), set.Count(mapping.SeverityWarning)
}

// Start runs the manager in the background until Close or until it
// gives up on the node, in which case the coordinator is told.
func (d *Manager) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go func() {
		defer close(d.done)
		defer d.conn.Close()

		err := d.Run(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("device manager stopped")
			d.coord.Abandon(ctx, d, err)
		}
	}()
}

// Close stops both loops and returns once the connection is released.
func (d *Manager) Close() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// Run identifies the node unless it was inherited, waits for a name and
// then runs the receive and poll loops until ctx is done.
func (d *Manager) Run(ctx context.Context) error {
	if d.virtual {
		return ErrNoConnection
	}

	d.mu.Lock()
	inherited := d.inherited
	d.mu.Unlock()

	if !inherited {
		if err := d.identify(ctx); err != nil {
			return err
		}
		if err := d.resolveInstance(ctx); err != nil {
			return err
		}
	}

	select {
	case <-d.named:
	case <-ctx.Done():
		return ctx.Err()
	}

	p, err := poller.New(poller.Config{
		Device:   d.Name(),
		Interval: d.cfg.PollInterval,
		Steps:    d.steps(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.receiveLoop(gctx) })
	g.Go(func() error {
		results := make(chan poller.PollResult, 1)
		go func() {
			p.Run(gctx, results)
			close(results)
		}()
		for res := range results {
			if res.Err != nil && gctx.Err() == nil {
				d.log.Error().Err(res.Err).Uint64("tick", res.Tick).Msg("poll cycle cut short")
			}
		}
		return nil
	})
	return g.Wait()
}
