package j1939

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Transport protocol control bytes.
const (
	tpRTS   byte = 16
	tpCTS   byte = 17
	tpEOMA  byte = 19
	tpBAM   byte = 32
	tpAbort byte = 255

	// PacketTimeout bounds the gap between data packets of one transfer.
	PacketTimeout = 750 * time.Millisecond

	maxTransferSize = 1785
)

var (
	ErrSequence = errors.New("j1939: transport sequence error")
	ErrTooLarge = errors.New("j1939: transfer too large")
)

// Frame is one outgoing CAN frame with a 29-bit id.
type Frame struct {
	ID   uint32
	Data []byte
}

// Transfer is a reassembled multi-packet message.
type Transfer struct {
	PGN         uint32
	Source      uint8
	Destination uint8
	Data        []byte
}

type sessionKey struct {
	src, dst uint8
}

type session struct {
	pgn      uint32
	size     int
	packets  int
	next     int
	buf      []byte
	deadline time.Time
	bam      bool
}

// Reassembler collects TP.CM/TP.DT sequences addressed to self or to the
// global address. It is not safe for concurrent use.
type Reassembler struct {
	self     uint8
	sessions map[sessionKey]*session
}

func NewReassembler(self uint8) *Reassembler {
	return &Reassembler{self: self, sessions: make(map[sessionKey]*session)}
}

// Connect handles a TP.CM frame. It returns control frames to send back
// (CTS for an RTS addressed to self).
func (r *Reassembler) Connect(h Header, data []byte, now time.Time) ([]Frame, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("j1939: short TP.CM from %d", h.Source)
	}
	key := sessionKey{src: h.Source, dst: h.Destination}
	pgn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	switch data[0] {
	case tpBAM, tpRTS:
		size := int(binary.LittleEndian.Uint16(data[1:3]))
		packets := int(data[3])
		if size > maxTransferSize || packets == 0 || packets*7 < size {
			delete(r.sessions, key)
			return nil, fmt.Errorf("%w: %d bytes in %d packets", ErrTooLarge, size, packets)
		}
		r.sessions[key] = &session{
			pgn:      pgn,
			size:     size,
			packets:  packets,
			next:     1,
			buf:      make([]byte, 0, packets*7),
			deadline: now.Add(PacketTimeout),
			bam:      data[0] == tpBAM,
		}
		if data[0] == tpRTS && h.Destination == r.self {
			return []Frame{r.control(h.Source, []byte{tpCTS, byte(packets), 1, 0xFF, 0xFF, data[5], data[6], data[7]})}, nil
		}
		return nil, nil

	case tpAbort:
		delete(r.sessions, key)
		return nil, nil
	}

	return nil, nil
}

// Data handles a TP.DT frame and returns the transfer once complete.
func (r *Reassembler) Data(h Header, data []byte, now time.Time) (*Transfer, []Frame, error) {
	key := sessionKey{src: h.Source, dst: h.Destination}
	s, ok := r.sessions[key]
	if !ok || len(data) < 2 {
		return nil, nil, nil
	}

	if now.After(s.deadline) {
		delete(r.sessions, key)
		return nil, nil, fmt.Errorf("%w: timeout from %d", ErrSequence, h.Source)
	}
	if int(data[0]) != s.next {
		delete(r.sessions, key)
		return nil, nil, fmt.Errorf("%w: got packet %d, want %d from %d", ErrSequence, data[0], s.next, h.Source)
	}

	s.buf = append(s.buf, data[1:]...)
	s.next++
	s.deadline = now.Add(PacketTimeout)

	if s.next <= s.packets {
		return nil, nil, nil
	}

	delete(r.sessions, key)
	t := &Transfer{PGN: s.pgn, Source: h.Source, Destination: h.Destination, Data: s.buf[:s.size]}

	var replies []Frame
	if !s.bam && h.Destination == r.self {
		ack := []byte{tpEOMA, byte(s.size), byte(s.size >> 8), byte(s.packets), 0xFF, byte(s.pgn), byte(s.pgn >> 8), byte(s.pgn >> 16)}
		replies = append(replies, r.control(h.Source, ack))
	}
	return t, replies, nil
}

// Expire drops transfers whose next packet is overdue.
func (r *Reassembler) Expire(now time.Time) {
	for k, s := range r.sessions {
		if now.After(s.deadline) {
			delete(r.sessions, k)
		}
	}
}

func (r *Reassembler) control(dst uint8, data []byte) Frame {
	h := Header{PGN: PGNTPConnect, Source: r.self, Destination: dst, Priority: 7}
	return Frame{ID: h.CANID(), Data: data}
}

// Segment splits a payload longer than 8 bytes into a BAM announcement
// followed by data packets. Shorter payloads return a single frame.
func Segment(h Header, payload []byte) ([]Frame, error) {
	if len(payload) <= 8 {
		return []Frame{{ID: h.CANID(), Data: payload}}, nil
	}
	if len(payload) > maxTransferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	packets := (len(payload) + 6) / 7
	cm := Header{PGN: PGNTPConnect, Source: h.Source, Destination: AddrGlobal, Priority: 7}
	dt := Header{PGN: PGNTPData, Source: h.Source, Destination: AddrGlobal, Priority: 7}

	frames := make([]Frame, 0, packets+1)
	frames = append(frames, Frame{ID: cm.CANID(), Data: []byte{
		tpBAM, byte(len(payload)), byte(len(payload) >> 8), byte(packets), 0xFF,
		byte(h.PGN), byte(h.PGN >> 8), byte(h.PGN >> 16),
	}})

	for i := 0; i < packets; i++ {
		pkt := make([]byte, 8)
		pkt[0] = byte(i + 1)
		for j := 1; j < 8; j++ {
			pkt[j] = 0xFF
		}
		copy(pkt[1:], payload[i*7:min(len(payload), (i+1)*7)])
		frames = append(frames, Frame{ID: dt.CANID(), Data: pkt})
	}

	return frames, nil
}
