// Package rvcsim is an in-memory RV-C network. Simulated nodes answer
// requests from their status tables so the bridge can run without a CAN
// interface.
package rvcsim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

var ErrNodeExists = errors.New("rvcsim: address in use")

const queueSize = 256

// Network implements rvc.Network.
type Network struct {
	db *rvc.Database

	mu      sync.Mutex
	nodes   map[uint8]*Node
	conns   map[uint8]*conn
	pending []rvc.Event
	sent    []*rvc.Message
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New(db *rvc.Database) *Network {
	return &Network{
		db:     db,
		nodes:  make(map[uint8]*Node),
		conns:  make(map[uint8]*conn),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (n *Network) Database() *rvc.Database { return n.db }

// Attach places node on the network and announces it.
func (n *Network) Attach(node *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.nodes[node.Addr]; ok {
		return fmt.Errorf("%w: %d", ErrNodeExists, node.Addr)
	}
	node.net = n
	n.nodes[node.Addr] = node
	n.queueLocked(rvc.NodeAppeared{Addr: node.Addr})
	return nil
}

// Move re-addresses a node the way an address claim would.
func (n *Network) Move(oldAddr, newAddr uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	node, ok := n.nodes[oldAddr]
	if !ok {
		return fmt.Errorf("rvcsim: no node at %d", oldAddr)
	}
	if _, ok := n.nodes[newAddr]; ok {
		return fmt.Errorf("%w: %d", ErrNodeExists, newAddr)
	}
	delete(n.nodes, oldAddr)
	node.Addr = newAddr
	n.nodes[newAddr] = node
	n.queueLocked(rvc.NodeAddressChanged{Old: oldAddr, New: newAddr})
	return nil
}

// Remove takes the node at addr off the network.
func (n *Network) Remove(addr uint8, reason rvc.RemovalReason) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.nodes[addr]; !ok {
		return
	}
	delete(n.nodes, addr)
	n.queueLocked(rvc.NodeRemoved{Addr: addr, Reason: reason})
}

// Node returns the node at addr, or nil.
func (n *Network) Node(addr uint8) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

// Inject delivers msg as if node msg.Source had broadcast it.
func (n *Network) Inject(msg *rvc.Message) {
	n.mu.Lock()
	c := n.conns[msg.Source]
	n.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.ch <- msg:
	default:
	}
}

// Sent returns every message the bridge has sent so far.
func (n *Network) Sent() []*rvc.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*rvc.Message(nil), n.sent...)
}

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
	c := &conn{net: n, addr: addr, ch: make(chan *rvc.Message, queueSize), done: make(chan struct{})}
	n.conns[addr] = c
	return c, nil
}

// Close ends every connection and the event stream.
func (n *Network) Close() error {
	n.once.Do(func() {
		close(n.done)
		n.mu.Lock()
		for _, c := range n.conns {
			c.shut()
		}
		n.mu.Unlock()
	})
	return nil
}

// Conns reports how many node connections are open.
func (n *Network) Conns() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *Network) queueLocked(ev rvc.Event) {
	n.pending = append(n.pending, ev)
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Network) send(c *conn, msg *rvc.Message) {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	node := n.nodes[c.addr]
	n.mu.Unlock()

	if node == nil {
		return
	}
	for _, reply := range node.answer(msg) {
		reply.Source = c.addr
		select {
		case c.ch <- reply:
		default:
		}
	}
}

func (n *Network) dropConn(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.conns[c.addr]; ok && cur == c {
		delete(n.conns, c.addr)
	}
}

type conn struct {
	net  *Network
	addr uint8
	ch   chan *rvc.Message
	done chan struct{}
	once sync.Once
}

func (c *conn) Addr() uint8 { return c.addr }

func (c *conn) Recv(ctx context.Context) (*rvc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, rvc.ErrClosed
	case msg := <-c.ch:
		return msg, nil
	}
}

func (c *conn) Send(msg *rvc.Message) error {
	select {
	case <-c.done:
		return rvc.ErrClosed
	default:
	}
	c.net.send(c, msg)
	return nil
}

func (c *conn) Close() error {
	c.shut()
	c.net.dropConn(c)
	return nil
}

func (c *conn) shut() {
	c.once.Do(func() { close(c.done) })
}
