package pow

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Matrix is the 64x64 table of 4-bit entries used by HeavyHash. It is
// derived from the pre-pow hash and is constant for a job.
type Matrix [64][64]uint16

// xoshiro256pp is the xoshiro256++ generator used to fill the matrix.
type xoshiro256pp struct {
	s [4]uint64
}

func newXoshiro256pp(seed Hash) *xoshiro256pp {
	var x xoshiro256pp
	for i := range x.s {
		x.s[i] = binary.LittleEndian.Uint64(seed[i*8:])
	}
	return &x
}

func (x *xoshiro256pp) next() uint64 {
	res := x.s[0] + bits.RotateLeft64(x.s[0]+x.s[3], 23)
	t := x.s[1] << 17

	x.s[2] ^= x.s[0]
	x.s[3] ^= x.s[1]
	x.s[1] ^= x.s[2]
	x.s[0] ^= x.s[3]

	x.s[2] ^= t
	x.s[3] = bits.RotateLeft64(x.s[3], 45)

	return res
}

// GenerateMatrix fills a matrix from the seed, regenerating until it has
// full rank.
func GenerateMatrix(seed Hash) *Matrix {
	var m Matrix
	gen := newXoshiro256pp(seed)
	for {
		for i := range m {
			for j := 0; j < 64; j += 16 {
				val := gen.next()
				for shift := 0; shift < 16; shift++ {
					m[i][j+shift] = uint16(val >> (4 * shift) & 0x0f)
				}
			}
		}
		if m.Rank() == 64 {
			return &m
		}
	}
}

// Rank computes the rank over the reals with Gaussian elimination.
func (m *Matrix) Rank() int {
	const eps = 1e-9

	var b [64][64]float64
	for i := range m {
		for j := range m[i] {
			b[i][j] = float64(m[i][j])
		}
	}

	rank := 0
	var selected [64]bool
	for i := 0; i < 64; i++ {
		j := 0
		for ; j < 64; j++ {
			if !selected[j] && math.Abs(b[j][i]) > eps {
				break
			}
		}
		if j == 64 {
			continue
		}

		rank++
		selected[j] = true
		for p := i + 1; p < 64; p++ {
			b[j][p] /= b[j][i]
		}
		for k := 0; k < 64; k++ {
			if k != j && math.Abs(b[k][i]) > eps {
				for p := i + 1; p < 64; p++ {
					b[k][p] -= b[j][p] * b[k][i]
				}
			}
		}
	}
	return rank
}

// HeavyHash mixes h through the matrix and hashes the result with
// cSHAKE256("HeavyHash").
func (m *Matrix) HeavyHash(h [32]byte) [32]byte {
	var vector [64]uint16
	for i := 0; i < 32; i++ {
		vector[2*i] = uint16(h[i] >> 4)
		vector[2*i+1] = uint16(h[i] & 0x0f)
	}

	var product [64]uint16
	for i := 0; i < 64; i++ {
		var sum uint16
		for j := 0; j < 64; j++ {
			sum += m[i][j] * vector[j]
		}
		product[i] = sum >> 10
	}

	var res [32]byte
	for i := range res {
		res[i] = h[i] ^ (byte(product[2*i]<<4) | byte(product[2*i+1]))
	}
	return heavyHashFinal(res)
}
