package signing

import "encoding/binary"

// HashSize is the length of a SHA3-256 digest in bytes.
const HashSize = 32

// keccakRate is the sponge rate for SHA3-256: 1088 bits.
const keccakRate = 136

// keccakRounds is the number of Keccak-f[1600] rounds.
const keccakRounds = 24

// Round constants for the iota step.
var keccakRC = [keccakRounds]uint64{
	0x0000000000000001, 0x0000000000008082, 0x800000000000808a, 0x8000000080008000,
	0x000000000000808b, 0x0000000080000001, 0x8000000080008081, 0x8000000000008009,
	0x000000000000008a, 0x0000000000000088, 0x0000000080008009, 0x000000008000000a,
	0x000000008000808b, 0x800000000000008b, 0x8000000000008089, 0x8000000000008003,
	0x8000000000008002, 0x8000000000000080, 0x000000000000800a, 0x800000008000000a,
	0x8000000080008081, 0x8000000000008080, 0x0000000080000001, 0x8000000080008008,
}

// Rotation offsets for the rho step.
var keccakRotc = [24]uint{
	1, 3, 6, 10, 15, 21, 28, 36, 45, 55, 2, 14,
	27, 41, 56, 8, 25, 43, 62, 18, 39, 61, 20, 44,
}

// Lane permutation for the pi step.
var keccakPiln = [24]int{
	10, 7, 11, 17, 18, 3, 5, 16, 8, 21, 24, 4,
	15, 23, 19, 13, 12, 2, 20, 14, 22, 9, 6, 1,
}

// Hash is a SHA3-256 digest of a program body.
type Hash [HashSize]byte

// HashFromSlice adopts a 32-byte slice as a Hash; reports false if the
// slice has the wrong length.
func HashFromSlice(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// ComputeHash computes the SHA3-256 digest of data.
//
// SHA3-256 is Keccak-f[1600] with rate 1088, domain separator 0x06, and
// the final padding byte OR'd with 0x80 at position rate-1.
func ComputeHash(data []byte) Hash {
	var state [25]uint64

	// Absorb full blocks.
	for len(data) >= keccakRate {
		for i := 0; i < keccakRate/8; i++ {
			state[i] ^= binary.LittleEndian.Uint64(data[i*8:])
		}
		keccakF(&state)
		data = data[keccakRate:]
	}

	// Pad and absorb the final block.
	var block [keccakRate]byte
	copy(block[:], data)
	block[len(data)] = 0x06
	block[keccakRate-1] |= 0x80
	for i := 0; i < keccakRate/8; i++ {
		state[i] ^= binary.LittleEndian.Uint64(block[i*8:])
	}
	keccakF(&state)

	// Squeeze 256 bits.
	var out Hash
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], state[i])
	}
	return out
}

// Equal compares two hashes in constant time by accumulating the XOR of
// every byte pair into a single byte.
func (h Hash) Equal(other Hash) bool {
	var diff byte
	for i := range h {
		diff |= h[i] ^ other[i]
	}
	return diff == 0
}

// keccakF applies the Keccak-f[1600] permutation.
func keccakF(state *[25]uint64) {
	rotl := func(v uint64, n uint) uint64 { return v<<n | v>>(64-n) }

	for round := 0; round < keccakRounds; round++ {
		// Theta.
		var c [5]uint64
		for x := 0; x < 5; x++ {
			c[x] = state[x] ^ state[x+5] ^ state[x+10] ^ state[x+15] ^ state[x+20]
		}
		var d [5]uint64
		for x := 0; x < 5; x++ {
			d[x] = c[(x+4)%5] ^ rotl(c[(x+1)%5], 1)
		}
		for x := 0; x < 5; x++ {
			for y := 0; y < 5; y++ {
				state[x+y*5] ^= d[x]
			}
		}

		// Rho and pi.
		t := state[1]
		for i := 0; i < 24; i++ {
			j := keccakPiln[i]
			t, state[j] = state[j], rotl(t, keccakRotc[i])
		}

		// Chi.
		for y := 0; y < 5; y++ {
			var row [5]uint64
			for x := 0; x < 5; x++ {
				row[x] = state[x+y*5]
			}
			for x := 0; x < 5; x++ {
				state[x+y*5] = row[x] ^ (^row[(x+1)%5] & row[(x+2)%5])
			}
		}

		// Iota.
		state[0] ^= keccakRC[round]
	}
}
