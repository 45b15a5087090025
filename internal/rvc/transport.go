package rvc

import "context"

// Conn is a connection to a single node on the network. Recv yields only
// messages sourced by that node.
type Conn interface {
	Addr() uint8
	Recv(ctx context.Context) (*Message, error)
	Send(msg *Message) error
	Close() error
}

// Network watches node presence and hands out per-node connections.
type Network interface {
	// Events blocks until the next presence event or ctx is done.
	Events(ctx context.Context) (Event, error)
	Connect(addr uint8) (Conn, error)
	Database() *Database
}

// Event is one of NodeAppeared, NodeAddressChanged, NodeRemoved or NoEvent.
type Event interface {
	isEvent()
}

// NodeAppeared reports a node claiming an address for the first time.
type NodeAppeared struct {
	Addr uint8
}

// NodeAddressChanged reports a known node moving to a new address.
type NodeAddressChanged struct {
	Old uint8
	New uint8
}

// RemovalReason says why a node left the network.
type RemovalReason int

const (
	RemovedTimeout RemovalReason = iota
	RemovedBumped
)

func (r RemovalReason) String() string {
	if r == RemovedBumped {
		return "bumped"
	}
	return "timeout"
}

// NodeRemoved reports a node that timed out or lost its address.
type NodeRemoved struct {
	Addr   uint8
	Reason RemovalReason
}

// NoEvent is returned when nothing happened within the poll window.
type NoEvent struct{}

func (NodeAppeared) isEvent()       {}
func (NodeAddressChanged) isEvent() {}
func (NodeRemoved) isEvent()        {}
func (NoEvent) isEvent()            {}
