// Package j1939 holds the J1939 pieces RV-C is built on: the 29-bit
// identifier, address claiming and the multi-packet transport protocol.
package j1939

const (
	// PGN values of the network management messages.
	PGNRequest      uint32 = 0xEA00
	PGNAddressClaim uint32 = 0xEE00
	PGNAck          uint32 = 0xE800
	PGNTPConnect    uint32 = 0xEC00
	PGNTPData       uint32 = 0xEB00

	AddrGlobal uint8 = 0xFF
	AddrNull   uint8 = 0xFE

	// MaskExtendedID keeps the 29 identifier bits of a CAN frame id.
	MaskExtendedID uint32 = 0x1FFFFFFF
)

// Header is the decoded form of a 29-bit CAN identifier.
type Header struct {
	PGN         uint32
	Source      uint8
	Destination uint8
	Priority    uint8
}

// ParseCANID decodes the header fields of a 29-bit identifier.
func ParseCANID(canID uint32) Header {
	h := Header{
		Priority: uint8((canID >> 26) & 0x7),
		Source:   uint8(canID),
	}
	pf := uint8(canID >> 16)
	ps := uint8(canID >> 8)
	dp := uint8(canID>>24) & 3
	pgn := uint32(dp)<<16 | uint32(pf)<<8
	if pf < 240 {
		h.Destination = ps
		h.PGN = pgn
	} else {
		h.Destination = AddrGlobal
		h.PGN = pgn | uint32(ps)
	}
	return h
}

// CANID encodes the header. For PDU1 PGNs the destination goes in the PS byte.
func (h Header) CANID() uint32 {
	id := uint32(h.Priority&0x7)<<26 | uint32(h.Source)
	pf := uint8(h.PGN >> 8)
	if pf < 240 {
		id |= (h.PGN&0x3FF00)<<8 | uint32(h.Destination)<<8
	} else {
		id |= (h.PGN & 0x3FFFF) << 8
	}
	return id & MaskExtendedID
}

// IsPDU1 reports whether the PGN is destination specific.
func IsPDU1(pgn uint32) bool {
	return uint8(pgn>>8) < 240
}
