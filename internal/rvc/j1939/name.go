package j1939

import "encoding/binary"

// Name is the 64-bit identity a node claims its address with. Lower
// values win address contention.
type Name uint64

// NameFromBytes decodes the little-endian address claim payload.
func NameFromBytes(b []byte) Name {
	if len(b) < 8 {
		var buf [8]byte
		copy(buf[:], b)
		return Name(binary.LittleEndian.Uint64(buf[:]))
	}
	return Name(binary.LittleEndian.Uint64(b))
}

// Bytes encodes the name for an address claim payload.
func (n Name) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}

// NewName packs the identity fields used by the bridge's own claim.
func NewName(uniqueNum uint32, mfgCode uint16, function, devClass uint8, arbitrary bool) Name {
	n := uint64(uniqueNum&0x1FFFFF) |
		uint64(mfgCode&0x7FF)<<21 |
		uint64(function)<<40 |
		uint64(devClass&0x7F)<<49
	if arbitrary {
		n |= 1 << 63
	}
	return Name(n)
}
