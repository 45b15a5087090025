package rvcsim

import (
	"fmt"
	"sync"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// Node is a simulated device. It answers ISO and proprietary requests
// from its status table, serves proprietary parameters and can be told
// to reject the next command.
type Node struct {
	Addr   uint8
	Make   string
	Model  string
	Serial string

	net *Network
	db  *rvc.Database

	mu       sync.Mutex
	status   map[string]*rvc.Message
	params   map[string]string
	muted    bool
	nakNext  string
	commands []*rvc.Message
	requests []string
}

func NewNode(db *rvc.Database, addr uint8, mfr, model, serial string) *Node {
	return &Node{
		Addr:   addr,
		Make:   mfr,
		Model:  model,
		Serial: serial,
		db:     db,
		status: make(map[string]*rvc.Message),
		params: make(map[string]string),
	}
}

// SetStatus stores the node's current value of a status message. Signals
// not named keep the "not available" fill.
func (n *Node) SetStatus(mnemonic string, values map[string]string) error {
	msg, err := n.db.New(mnemonic)
	if err != nil {
		return err
	}
	for sig, v := range values {
		if err := msg.Set(sig, v); err != nil {
			return err
		}
	}

	key := mnemonic
	if mnemonic == rvc.MnemPmAssocSts {
		kind, _ := msg.Value("AssocType")
		inst, _ := msg.Raw("AssocInst")
		key = rvc.AssocMnemonic(kind, inst)
	}

	n.mu.Lock()
	n.status[key] = msg
	n.mu.Unlock()
	return nil
}

// SetParam stores a proprietary parameter value.
func (n *Node) SetParam(param, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params[param] = value
}

// Param returns a proprietary parameter value.
func (n *Node) Param(param string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params[param]
}

// Mute stops the node answering anything.
func (n *Node) Mute(muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = muted
}

// NakNext makes the next non-request message be refused with reason.
func (n *Node) NakNext(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nakNext = reason
}

// Broadcast sends the stored status message as if the node had
// transmitted it unprompted.
func (n *Node) Broadcast(mnemonic string) error {
	n.mu.Lock()
	msg, ok := n.status[mnemonic]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("rvcsim: node %d has no %s", n.Addr, mnemonic)
	}
	if n.net == nil {
		return fmt.Errorf("rvcsim: node %d not attached", n.Addr)
	}
	n.net.Inject(n.copy(msg))
	return nil
}

// Requests lists the mnemonics requested from this node, in order.
func (n *Node) Requests() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.requests...)
}

// Commands lists the non-request messages sent to this node.
func (n *Node) Commands() []*rvc.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*rvc.Message(nil), n.commands...)
}

func (n *Node) copy(msg *rvc.Message) *rvc.Message {
	out, err := n.db.Decode(msg.PGN(), n.Addr, rvc.AddrGlobal, msg.Bytes())
	if err != nil {
		return msg
	}
	return out
}

func (n *Node) answer(msg *rvc.Message) []*rvc.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.muted {
		return nil
	}

	switch msg.Mnemonic() {
	case rvc.MnemIsoRequest:
		pgn, _ := msg.Raw("ReqPgn")
		if uint32(pgn) == 0xFEEB {
			n.requests = append(n.requests, rvc.MnemProdIdent)
			return n.prodIdent()
		}
		for key, st := range n.status {
			if st.PGN() == uint32(pgn) && st.Def.GroupFunction == nil {
				n.requests = append(n.requests, key)
				return []*rvc.Message{n.copy(st)}
			}
		}
		n.requests = append(n.requests, fmt.Sprintf("0x%05X", pgn))
		return nil

	case rvc.MnemPmRequest:
		gf, _ := msg.Raw("ReqGroupFunction")
		assoc, _ := n.db.Lookup(rvc.MnemPmAssocSts)
		if assoc != nil && uint64(*assoc.GroupFunction) == gf {
			kind, _ := msg.Value("ReqAssocType")
			inst, _ := msg.Raw("ReqAssocInst")
			key := rvc.AssocMnemonic(kind, inst)
			n.requests = append(n.requests, key)
			if st, ok := n.status[key]; ok {
				return []*rvc.Message{n.copy(st)}
			}
			return nil
		}
		for key, st := range n.status {
			if st.Def.GroupFunction != nil && uint64(*st.Def.GroupFunction) == gf {
				n.requests = append(n.requests, key)
				return []*rvc.Message{n.copy(st)}
			}
		}
		return nil

	case rvc.MnemPpnReadCmd:
		param, _ := msg.Value("ParamId")
		n.requests = append(n.requests, rvc.MnemPpnReadCmd+":"+param)
		v, ok := n.params[param]
		if !ok {
			return nil
		}
		return n.reply(rvc.MnemPpnReadRsp, map[string]string{"ParamId": param, "Value": v})

	case rvc.MnemPpnWriteCmd:
		param, _ := msg.Value("ParamId")
		v, _ := msg.Value("Value")
		n.commands = append(n.commands, msg)
		n.params[param] = v
		return n.reply(rvc.MnemPpnWriteRsp, map[string]string{"ParamId": param, "Value": v})

	case rvc.MnemPpnSession:
		state, _ := msg.Value("Session")
		n.commands = append(n.commands, msg)
		return n.reply(rvc.MnemPpnSessRsp, map[string]string{"Session": state})
	}

	n.commands = append(n.commands, msg)
	if n.nakNext != "" {
		reason := n.nakNext
		n.nakNext = ""
		ack, err := n.db.New(rvc.MnemIsoAck)
		if err != nil {
			return nil
		}
		_ = ack.Set("CtrlByte", "Nak")
		_ = ack.Set("GroupFunctionValue", reason)
		_ = ack.SetRaw("ParmGrpNum", uint64(msg.PGN()))
		return []*rvc.Message{ack}
	}
	return nil
}

func (n *Node) reply(mnemonic string, values map[string]string) []*rvc.Message {
	msg, err := n.db.New(mnemonic)
	if err != nil {
		return nil
	}
	for sig, v := range values {
		if err := msg.Set(sig, v); err != nil {
			return nil
		}
	}
	return []*rvc.Message{msg}
}

func (n *Node) prodIdent() []*rvc.Message {
	msg, err := n.db.New(rvc.MnemProdIdent)
	if err != nil {
		return nil
	}
	_ = msg.Set("Make", n.Make)
	_ = msg.Set("Model", n.Model)
	_ = msg.Set("Serial", n.Serial)
	return []*rvc.Message{msg}
}
