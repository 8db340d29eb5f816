package pow

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Uint256 is a 256-bit unsigned integer stored as four little-endian words.
type Uint256 [4]uint64

// MaxUint256 is the largest representable value. A job with this target is
// satisfied by every nonce.
var MaxUint256 = Uint256{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}

// Uint256FromBytes interprets b as a little-endian integer.
func Uint256FromBytes(b [32]byte) Uint256 {
	var u Uint256
	for i := range u {
		u[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return u
}

// Bytes returns the little-endian encoding.
func (u Uint256) Bytes() [32]byte {
	var b [32]byte
	for i, w := range u {
		binary.LittleEndian.PutUint64(b[i*8:], w)
	}
	return b
}

// Cmp returns -1, 0 or 1.
func (u Uint256) Cmp(o Uint256) int {
	for i := 3; i >= 0; i-- {
		switch {
		case u[i] < o[i]:
			return -1
		case u[i] > o[i]:
			return 1
		}
	}
	return 0
}

// LessOrEqual reports u <= o.
func (u Uint256) LessOrEqual(o Uint256) bool {
	return u.Cmp(o) <= 0
}

// IsZero reports whether u is zero.
func (u Uint256) IsZero() bool {
	return u == Uint256{}
}

// Big converts u to a big.Int.
func (u Uint256) Big() *big.Int {
	be := make([]byte, 32)
	for i, w := range u {
		binary.BigEndian.PutUint64(be[(3-i)*8:], w)
	}
	return new(big.Int).SetBytes(be)
}

// FromBig converts b. The second result is false when b is negative or does
// not fit in 256 bits.
func FromBig(b *big.Int) (Uint256, bool) {
	if b.Sign() < 0 || b.BitLen() > 256 {
		return Uint256{}, false
	}
	var be [32]byte
	b.FillBytes(be[:])

	var u Uint256
	for i := range u {
		u[i] = binary.BigEndian.Uint64(be[(3-i)*8:])
	}
	return u, true
}

// String returns 64 hex digits, most significant first.
func (u Uint256) String() string {
	return fmt.Sprintf("%016x%016x%016x%016x", u[3], u[2], u[1], u[0])
}
