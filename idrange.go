package dht

import "github.com/dhtnode/dht/krpc"

// idCmp compares two IDs as big-endian 160-bit integers, returning -1, 0, 1.
func idCmp(a, b krpc.ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// idZero is the all-zero ID, the inclusive lower bound of the whole space.
var idZero krpc.ID

// idMax is the all-ones ID. Every bucket's max field is an exclusive bound
// except where it equals idMax (the root and the rightmost spine of the
// trie): those ranges include idMax, since 2^160 itself isn't
// representable in 20 bytes.
var idMax = krpc.ID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// idInRange reports whether id falls in [min, max) — except when max is
// idMax, in which case the range is inclusive of max, matching the root
// bucket's coverage of the entire ID space.
func idInRange(id, min, max krpc.ID) bool {
	if idCmp(id, min) < 0 {
		return false
	}
	if max == idMax {
		return idCmp(id, max) <= 0
	}
	return idCmp(id, max) < 0
}

// idMid computes the byte-wise arithmetic midpoint of [min, max]:
// (min+max)/2 computed as a 161-bit sum shifted right by one.
func idMid(min, max krpc.ID) krpc.ID {
	var sum [krpc.IDLen + 1]byte
	carry := 0
	for i := krpc.IDLen - 1; i >= 0; i-- {
		s := int(min[i]) + int(max[i]) + carry
		sum[i+1] = byte(s)
		carry = s >> 8
	}
	sum[0] = byte(carry)

	var mid krpc.ID
	carryBit := byte(0)
	for i := 0; i <= krpc.IDLen; i++ {
		b := sum[i]
		newCarry := b & 1
		shifted := (b >> 1) | (carryBit << 7)
		if i > 0 {
			mid[i-1] = shifted
		}
		carryBit = newCarry
	}
	return mid
}

// idSub returns a-b as a 160-bit value, assuming a >= b.
func idSub(a, b krpc.ID) krpc.ID {
	var out krpc.ID
	borrow := 0
	for i := krpc.IDLen - 1; i >= 0; i-- {
		d := int(a[i]) - int(b[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		out[i] = byte(d)
	}
	return out
}

// singlePowerOfTwoBit returns k such that id == 2^k, or -1 if id is zero or
// not a power of two. Because idMid floors, bucket widths (max-min) in the
// trie are not all powers of two; the root's left child, for one, is
// 2^159-1 wide.
func singlePowerOfTwoBit(id krpc.ID) int {
	bit := -1
	for i := krpc.IDLen - 1; i >= 0; i-- {
		b := id[i]
		if b == 0 {
			continue
		}
		if b&(b-1) != 0 {
			return -1 // more than one bit set in this byte
		}
		if bit != -1 {
			return -1 // a set bit already found in a less significant byte
		}
		for shift := 0; shift < 8; shift++ {
			if b&(1<<uint(shift)) != 0 {
				bit = (krpc.IDLen-1-i)*8 + shift
				break
			}
		}
	}
	return bit
}

// randIDInRange draws an ID uniformly at random from [min, max) (or [min,
// max] when max is idMax), used by the refresh timer to pick a
// find_node target inside a stale bucket. randByte supplies random bytes.
func randIDInRange(min, max krpc.ID, randByte func() byte) krpc.ID {
	var random krpc.ID
	for i := range random {
		random[i] = randByte()
	}
	if min == idZero && max == idMax {
		// The true root covers the whole space; any random ID is in range.
		return random
	}
	// Buckets reaching up to idMax (the rightmost spine of the trie) are
	// inclusive of it but their min isn't a power-of-two-aligned boundary,
	// so the mask trick below doesn't apply; fall through to rejection
	// sampling for those the same as for any other non-power-of-two width.
	if max != idMax {
		width := idSub(max, min)
		if k := singlePowerOfTwoBit(width); k >= 0 {
			var masked krpc.ID
			fullBytes := k / 8
			for i := 0; i < fullBytes; i++ {
				masked[krpc.IDLen-1-i] = random[krpc.IDLen-1-i]
			}
			remBits := k % 8
			if remBits > 0 {
				bi := krpc.IDLen - 1 - fullBytes
				mask := byte(1<<uint(remBits)) - 1
				masked[bi] = random[bi] & mask
			}
			// min+masked rather than min|masked: min need not be aligned to
			// the width, and the sum stays uniform over [min, max).
			var out krpc.ID
			carry := 0
			for i := krpc.IDLen - 1; i >= 0; i-- {
				s := int(min[i]) + int(masked[i]) + carry
				out[i] = byte(s)
				carry = s >> 8
			}
			return out
		}
	}
	// Width is not a power of two (or the range reaches idMax); fall back
	// to rejection sampling over the whole ID space.
	for {
		if idInRange(random, min, max) {
			return random
		}
		for i := range random {
			random[i] = randByte()
		}
	}
}
