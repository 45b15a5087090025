package socketcan

import (
	"context"
	"sync"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/j1939"
)

type conn struct {
	net  *Network
	addr uint8
	ch   chan *rvc.Message

	done     chan struct{}
	shutOnce sync.Once
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

// Send transmits msg from the bridge's address. Destination-specific PGNs
// left at the global address are sent to this connection's node.
func (c *conn) Send(msg *rvc.Message) error {
	select {
	case <-c.done:
		return rvc.ErrClosed
	default:
	}
	if j1939.IsPDU1(msg.PGN()) && msg.Dest == rvc.AddrGlobal {
		msg.Dest = c.addr
	}
	return c.net.sendMessage(msg)
}

func (c *conn) Close() error {
	c.shut()
	c.net.dropConn(c)
	return nil
}

func (c *conn) shut() {
	c.shutOnce.Do(func() { close(c.done) })
}
