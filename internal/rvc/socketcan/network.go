// Package socketcan runs the RV-C network over a Linux SocketCAN interface.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brutella/can"
	"github.com/rs/zerolog"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/j1939"
)

const (
	canEFFFlag uint32 = 0x80000000

	connQueueSize = 128

	// unknown sources are asked to re-claim at most this often
	claimRequestBackoff = 5 * time.Second
)

// Identity is what the bridge reports about itself on the network.
type Identity struct {
	Address uint8
	Name    j1939.Name
	Make    string
	Model   string
	Serial  string
}

// Config controls the network.
type Config struct {
	Interface         string
	Identity          Identity
	NodeTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// frameBus is the part of *can.Bus the network uses.
type frameBus interface {
	Publish(frame can.Frame) error
	Disconnect() error
}

// Network implements rvc.Network.
type Network struct {
	cfg Config
	db  *rvc.Database
	bus frameBus
	log zerolog.Logger

	mu            sync.Mutex
	table         *j1939.AddressTable
	tp            *j1939.Reassembler
	conns         map[uint8]*conn
	pending       []rvc.Event
	claimAsked    map[uint8]time.Time
	notify        chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	now           func() time.Time
	publishFrames func([]j1939.Frame) error
}

// Open binds the CAN interface and starts receiving frames.
func Open(cfg Config, db *rvc.Database, log zerolog.Logger) (*Network, error) {
	if cfg.Interface == "" {
		return nil, errors.New("socketcan: interface required")
	}

	bus, err := can.NewBusForInterfaceWithName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %s: %w", cfg.Interface, err)
	}

	n := newNetwork(cfg, db, bus, log)
	bus.Subscribe(n)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			n.log.Error().Err(err).Msg("CAN bus receive loop ended")
		}
	}()

	return n, nil
}

func newNetwork(cfg Config, db *rvc.Database, bus frameBus, log zerolog.Logger) *Network {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}

	n := &Network{
		cfg:        cfg,
		db:         db,
		bus:        bus,
		log:        log.With().Str("component", "socketcan").Logger(),
		table:      j1939.NewAddressTable(cfg.Identity.Address),
		tp:         j1939.NewReassembler(cfg.Identity.Address),
		conns:      make(map[uint8]*conn),
		claimAsked: make(map[uint8]time.Time),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	n.publishFrames = n.publish
	return n
}

// Database returns the message database used for decoding.
func (n *Network) Database() *rvc.Database { return n.db }

// Run claims the bridge's address, asks every node to claim, then keeps
// the heartbeat and node timeouts going until ctx is done.
func (n *Network) Run(ctx context.Context) error {
	if err := n.sendClaim(); err != nil {
		return err
	}
	if err := n.sendRequest(j1939.PGNAddressClaim, j1939.AddrGlobal); err != nil {
		return err
	}

	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	expire := time.NewTicker(time.Second)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-n.done:
			return nil

		case <-heartbeat.C:
			if err := n.sendHeartbeat(); err != nil {
				n.log.Warn().Err(err).Msg("heartbeat send failed")
			}

		case <-expire.C:
			n.expire(n.now())
		}
	}
}

func (n *Network) expire(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tp.Expire(now)
	n.queueLocked(n.table.Expire(now, n.cfg.NodeTimeout)...)
}

// Events returns the next presence event, or NoEvent when ctx ends first.
func (n *Network) Events(ctx context.Context) (rvc.Event, error) {
	for {
		n.mu.Lock()
		if len(n.pending) > 0 {
			ev := n.pending[0]
			n.pending = n.pending[1:]
			n.mu.Unlock()
			return ev, nil
		}
		n.mu.Unlock()

		select {
		case <-ctx.Done():
			return rvc.NoEvent{}, ctx.Err()
		case <-n.done:
			return rvc.NoEvent{}, rvc.ErrClosed
		case <-n.notify:
		}
	}
}

// Connect opens a per-node connection. Only one is kept per address.
func (n *Network) Connect(addr uint8) (rvc.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.done:
		return nil, rvc.ErrClosed
	default:
	}

	if old, ok := n.conns[addr]; ok {
		old.shut()
	}
	c := &conn{
		net:  n,
		addr: addr,
		ch:   make(chan *rvc.Message, connQueueSize),
		done: make(chan struct{}),
	}
	n.conns[addr] = c
	return c, nil
}

// Close disconnects from the bus and ends all connections.
func (n *Network) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		n.mu.Lock()
		for _, c := range n.conns {
			c.shut()
		}
		n.conns = map[uint8]*conn{}
		n.mu.Unlock()
		err = n.bus.Disconnect()
	})
	return err
}

func (n *Network) queueLocked(events ...rvc.Event) {
	if len(events) == 0 {
		return
	}
	n.pending = append(n.pending, events...)
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Network) dropConn(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.conns[c.addr]; ok && cur == c {
		delete(n.conns, c.addr)
	}
}

// Handle implements can.Handler.
func (n *Network) Handle(frame can.Frame) {
	if frame.ID&canEFFFlag == 0 {
		return
	}
	length := int(frame.Length)
	if length > len(frame.Data) {
		length = len(frame.Data)
	}
	data := make([]byte, length)
	copy(data, frame.Data[:length])

	n.handle(j1939.ParseCANID(frame.ID&j1939.MaskExtendedID), data)
}

func (n *Network) handle(h j1939.Header, data []byte) {
	now := n.now()
	self := n.cfg.Identity.Address

	if h.Destination != j1939.AddrGlobal && h.Destination != self {
		return
	}

	n.mu.Lock()
	n.table.Seen(h.Source, now)

	switch h.PGN {
	case j1939.PGNAddressClaim:
		n.queueLocked(n.table.Claim(j1939.NameFromBytes(data), h.Source, now)...)
		n.mu.Unlock()
		return

	case j1939.PGNTPConnect:
		replies, err := n.tp.Connect(h, data, now)
		n.mu.Unlock()
		if err != nil {
			n.log.Debug().Err(err).Uint8("node", h.Source).Msg("transport connect rejected")
		}
		n.sendFrames(replies)
		return

	case j1939.PGNTPData:
		tr, replies, err := n.tp.Data(h, data, now)
		n.mu.Unlock()
		if err != nil {
			n.log.Debug().Err(err).Uint8("node", h.Source).Msg("transport transfer aborted")
		}
		n.sendFrames(replies)
		if tr != nil {
			n.deliver(j1939.Header{PGN: tr.PGN, Source: tr.Source, Destination: tr.Destination}, tr.Data)
		}
		return

	case j1939.PGNRequest:
		n.mu.Unlock()
		n.answerRequest(h, data)
		return
	}

	askClaim := !n.table.Known(h.Source) && now.Sub(n.claimAsked[h.Source]) > claimRequestBackoff
	if askClaim {
		n.claimAsked[h.Source] = now
	}
	n.mu.Unlock()

	if askClaim {
		if err := n.sendRequest(j1939.PGNAddressClaim, h.Source); err != nil {
			n.log.Debug().Err(err).Uint8("node", h.Source).Msg("claim request failed")
		}
	}

	n.deliver(h, data)
}

func (n *Network) deliver(h j1939.Header, data []byte) {
	msg, err := n.db.Decode(h.PGN, h.Source, h.Destination, data)
	if err != nil {
		n.log.Trace().Err(err).Uint8("node", h.Source).Msg("undecodable message")
		return
	}
	msg.Priority = h.Priority

	n.mu.Lock()
	c := n.conns[h.Source]
	n.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case c.ch <- msg:
	case <-c.done:
	default:
		n.log.Warn().Uint8("node", h.Source).Str("pgn", msg.Mnemonic()).Msg("connection queue full, dropping message")
	}
}

func (n *Network) answerRequest(h j1939.Header, data []byte) {
	if len(data) < 3 {
		return
	}
	pgn := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16

	var err error
	switch pgn {
	case j1939.PGNAddressClaim:
		err = n.sendClaim()
	case 0xFEEB:
		err = n.sendProdIdent(h.Source)
	}
	if err != nil {
		n.log.Warn().Err(err).Uint8("node", h.Source).Uint32("pgn", pgn).Msg("request answer failed")
	}
}

func (n *Network) sendClaim() error {
	h := j1939.Header{PGN: j1939.PGNAddressClaim, Source: n.cfg.Identity.Address, Destination: j1939.AddrGlobal, Priority: 6}
	return n.publishFrames([]j1939.Frame{{ID: h.CANID(), Data: n.cfg.Identity.Name.Bytes()}})
}

func (n *Network) sendRequest(pgn uint32, dst uint8) error {
	h := j1939.Header{PGN: j1939.PGNRequest, Source: n.cfg.Identity.Address, Destination: dst, Priority: 6}
	return n.publishFrames([]j1939.Frame{{ID: h.CANID(), Data: []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}}})
}

func (n *Network) sendProdIdent(dst uint8) error {
	msg, err := n.db.New(rvc.MnemProdIdent)
	if err != nil {
		return err
	}
	id := n.cfg.Identity
	for _, f := range [][2]string{{"Make", id.Make}, {"Model", id.Model}, {"Serial", id.Serial}} {
		if err := msg.Set(f[0], f[1]); err != nil {
			return err
		}
	}
	msg.Dest = dst
	return n.sendMessage(msg)
}

func (n *Network) sendHeartbeat() error {
	msg, err := n.db.New(rvc.MnemDiagMsg1)
	if err != nil {
		return err
	}
	for sig, raw := range map[string]uint64{
		"OpStsProdOn":     1,
		"OpStsProdActive": 1,
		"OpStsYel":        0,
		"OpStsRed":        0,
		"ProdId":          uint64(n.cfg.Identity.Address),
	} {
		if err := msg.SetRaw(sig, raw); err != nil {
			return err
		}
	}
	return n.sendMessage(msg)
}

func (n *Network) sendMessage(msg *rvc.Message) error {
	h := j1939.Header{
		PGN:         msg.PGN(),
		Source:      n.cfg.Identity.Address,
		Destination: msg.Dest,
		Priority:    msg.Priority,
	}
	frames, err := j1939.Segment(h, msg.Bytes())
	if err != nil {
		return err
	}
	return n.publishFrames(frames)
}

func (n *Network) sendFrames(frames []j1939.Frame) {
	if len(frames) == 0 {
		return
	}
	if err := n.publishFrames(frames); err != nil {
		n.log.Warn().Err(err).Msg("control frame send failed")
	}
}

func (n *Network) publish(frames []j1939.Frame) error {
	for _, f := range frames {
		var cf can.Frame
		cf.ID = f.ID | canEFFFlag
		cf.Length = uint8(copy(cf.Data[:], f.Data))
		if err := n.bus.Publish(cf); err != nil {
			return fmt.Errorf("socketcan: publish 0x%08X: %w", f.ID, err)
		}
	}
	return nil
}
