package device

import "math/bits"

var longJump = [4]uint64{0x76e15d3efefdcbbf, 0xc5004e441c522fb3, 0x77710069854ee241, 0x39109bb02acbe635}

// xoshiro256ss is the xoshiro256** generator. Device lanes draw candidate
// nonces from streams separated by long jumps of 2^192 outputs.
type xoshiro256ss struct {
	s [4]uint64
}

func (x *xoshiro256ss) next() uint64 {
	result := bits.RotateLeft64(x.s[1]*5, 7) * 9
	t := x.s[1] << 17

	x.s[2] ^= x.s[0]
	x.s[3] ^= x.s[1]
	x.s[1] ^= x.s[2]
	x.s[0] ^= x.s[3]

	x.s[2] ^= t
	x.s[3] = bits.RotateLeft64(x.s[3], 45)

	return result
}

func (x *xoshiro256ss) longJump() {
	var s0, s1, s2, s3 uint64
	for _, jmp := range longJump {
		for b := 0; b < 64; b++ {
			if jmp&(1<<b) != 0 {
				s0 ^= x.s[0]
				s1 ^= x.s[1]
				s2 ^= x.s[2]
				s3 ^= x.s[3]
			}
			x.next()
		}
	}
	x.s = [4]uint64{s0, s1, s2, s3}
}

// jumpStreams returns n generators, each one long jump after the previous,
// starting one jump after seed.
func jumpStreams(seed [4]uint64, n int) []xoshiro256ss {
	cur := xoshiro256ss{s: seed}
	out := make([]xoshiro256ss, n)
	for i := range out {
		cur.longJump()
		out[i] = cur
	}
	return out
}
