package signing

import (
	"bytes"
	"encoding/hex"
	"math/rand"
	"testing"

	"golang.org/x/crypto/sha3"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestSHA3NISTVectors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"},
		{"abc", "abc", "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"},
		{
			"448 bits",
			"abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq",
			"41c0dba2a9d6240849100376a8235e2c82e1b9998a999e21db32dd97496d3376",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeHash([]byte(tc.in))
			want := mustHex(t, tc.want)
			if !bytes.Equal(got[:], want) {
				t.Errorf("SHA3-256(%q) = %x, want %s", tc.in, got[:], tc.want)
			}
		})
	}
}

func TestSHA3MatchesReference(t *testing.T) {
	// Differential check against x/crypto/sha3 across sizes that cover
	// empty input, sub-block, exact-block, and multi-block payloads.
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 7, 63, keccakRate - 1, keccakRate, keccakRate + 1, 271, 272, 4096} {
		buf := make([]byte, n)
		rng.Read(buf)
		got := ComputeHash(buf)
		want := sha3.Sum256(buf)
		if got != Hash(want) {
			t.Errorf("len %d: hash = %x, want %x", n, got[:], want[:])
		}
	}
}

func TestHashEqual(t *testing.T) {
	h1 := ComputeHash([]byte("test data"))
	h2 := ComputeHash([]byte("test data"))
	h3 := ComputeHash([]byte("other data"))
	if !h1.Equal(h2) {
		t.Error("equal hashes compare unequal")
	}
	if h1.Equal(h3) {
		t.Error("distinct hashes compare equal")
	}
	// A single flipped bit in any position must be detected.
	for i := 0; i < HashSize; i++ {
		flipped := h1
		flipped[i] ^= 0x01
		if h1.Equal(flipped) {
			t.Errorf("flip at byte %d not detected", i)
		}
	}
}

func TestHashFromSlice(t *testing.T) {
	if _, ok := HashFromSlice(make([]byte, 31)); ok {
		t.Error("short slice accepted")
	}
	if _, ok := HashFromSlice(nil); ok {
		t.Error("nil slice accepted")
	}
	h, ok := HashFromSlice(make([]byte, 32))
	if !ok || h != (Hash{}) {
		t.Error("zero slice not adopted")
	}
}
