package signing

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

// testKey deterministically derives an Ed25519 key pair for fixtures.
func testKey(t *testing.T, seedByte byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = seedByte
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

var testBody = []byte("test program bytecode")

func signedBlob(t *testing.T, priv ed25519.PrivateKey, flags Flags, signedAt time.Time) []byte {
	t.Helper()
	return Sign(testBody, priv, flags, signedAt)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:  Version,
		Flags:    FlagDebugBuild | FlagHasExpiry,
		BodyHash: ComputeHash([]byte("test")),
		SignerID: SignerID{1, 2, 3, 4, 5, 6, 7, 8},
		SignedAt: 1234567890,
	}
	for i := range h.Signature {
		h.Signature[i] = 42
	}

	raw := h.Marshal()
	parsed, err := ParseHeader(raw[:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", parsed, h)
	}
}

func TestParseShortInput(t *testing.T) {
	_, err := Parse(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrShortInput) {
		t.Errorf("err = %v, want ErrShortInput", err)
	}
}

func TestParseBadMagic(t *testing.T) {
	_, priv := testKey(t, 1)
	blob := signedBlob(t, priv, 0, time.Unix(1700000000, 0))
	blob[0] = 'X'
	if _, err := Parse(blob); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	_, priv := testKey(t, 1)
	blob := signedBlob(t, priv, 0, time.Unix(1700000000, 0))
	blob[4] = 255
	_, err := Parse(blob)
	var uv *UnsupportedVersionError
	if !errors.As(err, &uv) || uv.Version != 255 {
		t.Errorf("err = %v, want UnsupportedVersionError(255)", err)
	}
}

func TestVerifyHash(t *testing.T) {
	_, priv := testKey(t, 1)
	blob := signedBlob(t, priv, 0, time.Unix(1700000000, 0))

	e, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(e.Body) != string(testBody) {
		t.Fatalf("body = %q", e.Body)
	}
	if err := e.VerifyHash(); err != nil {
		t.Errorf("verify hash: %v", err)
	}
}

func TestVerifyHashTamperDetect(t *testing.T) {
	_, priv := testKey(t, 1)
	blob := signedBlob(t, priv, 0, time.Unix(1700000000, 0))
	blob[len(blob)-1] ^= 0xff

	e, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := e.VerifyHash(); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("err = %v, want ErrHashMismatch", err)
	}
}

func TestVerifierAccepts(t *testing.T) {
	pub, priv := testKey(t, 1)
	keys := NewKeyring()
	if err := keys.AddBytes(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}

	v := NewVerifier(keys)
	e, err := v.VerifyBlob(signedBlob(t, priv, 0, time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if string(e.Body) != string(testBody) {
		t.Errorf("body = %q", e.Body)
	}
}

func TestVerifierRejections(t *testing.T) {
	pub, priv := testKey(t, 1)
	_, otherPriv := testKey(t, 2)
	signedAt := time.Unix(1700000000, 0)

	newKeys := func(t *testing.T) *Keyring {
		t.Helper()
		keys := NewKeyring()
		if err := keys.AddBytes(pub); err != nil {
			t.Fatalf("add key: %v", err)
		}
		return keys
	}

	t.Run("empty keyring", func(t *testing.T) {
		v := NewVerifier(NewKeyring())
		_, err := v.VerifyBlob(signedBlob(t, priv, 0, signedAt))
		if !errors.Is(err, ErrNoTrustedKeys) {
			t.Errorf("err = %v, want ErrNoTrustedKeys", err)
		}
	})

	t.Run("untrusted signer", func(t *testing.T) {
		v := NewVerifier(newKeys(t))
		_, err := v.VerifyBlob(signedBlob(t, otherPriv, 0, signedAt))
		if !errors.Is(err, ErrUntrustedSigner) {
			t.Errorf("err = %v, want ErrUntrustedSigner", err)
		}
	})

	t.Run("forged signature", func(t *testing.T) {
		blob := signedBlob(t, priv, 0, signedAt)
		blob[offSignature] ^= 0x01
		v := NewVerifier(newKeys(t))
		if _, err := v.VerifyBlob(blob); !errors.Is(err, ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		blob := signedBlob(t, priv, 0, signedAt)
		blob[len(blob)-1] ^= 0xff
		v := NewVerifier(newKeys(t))
		if _, err := v.VerifyBlob(blob); !errors.Is(err, ErrHashMismatch) {
			t.Errorf("err = %v, want ErrHashMismatch", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		v := NewVerifier(newKeys(t),
			WithMaxAge(time.Hour),
			WithClock(func() time.Time { return signedAt.Add(2 * time.Hour) }))
		_, err := v.VerifyBlob(signedBlob(t, priv, FlagHasExpiry, signedAt))
		if !errors.Is(err, ErrExpired) {
			t.Errorf("err = %v, want ErrExpired", err)
		}
	})

	t.Run("expiry flag clear skips age check", func(t *testing.T) {
		v := NewVerifier(newKeys(t),
			WithMaxAge(time.Hour),
			WithClock(func() time.Time { return signedAt.Add(48 * time.Hour) }))
		if _, err := v.VerifyBlob(signedBlob(t, priv, 0, signedAt)); err != nil {
			t.Errorf("verify: %v", err)
		}
	})

	t.Run("missing capabilities", func(t *testing.T) {
		v := NewVerifier(newKeys(t))
		_, err := v.VerifyBlob(signedBlob(t, priv, FlagRequiresCaps, signedAt))
		if !errors.Is(err, ErrMissingCapabilities) {
			t.Errorf("err = %v, want ErrMissingCapabilities", err)
		}
	})

	t.Run("capabilities granted", func(t *testing.T) {
		v := NewVerifier(newKeys(t), WithCapabilities(func() bool { return true }))
		if _, err := v.VerifyBlob(signedBlob(t, priv, FlagRequiresCaps, signedAt)); err != nil {
			t.Errorf("verify: %v", err)
		}
	})
}

func TestKeyringBounds(t *testing.T) {
	keys := NewKeyring()
	for i := 0; i < MaxTrustedKeys; i++ {
		pub, _ := testKey(t, byte(i+1))
		if err := keys.AddBytes(pub); err != nil {
			t.Fatalf("add key %d: %v", i, err)
		}
	}
	pub, _ := testKey(t, 100)
	if err := keys.AddBytes(pub); !errors.Is(err, ErrTooManyKeys) {
		t.Errorf("err = %v, want ErrTooManyKeys", err)
	}

	// Re-adding an existing key does not consume a slot and succeeds.
	existing, _ := testKey(t, 1)
	if err := keys.AddBytes(existing); err != nil {
		t.Errorf("re-add: %v", err)
	}
	if keys.Len() != MaxTrustedKeys {
		t.Errorf("len = %d, want %d", keys.Len(), MaxTrustedKeys)
	}
}

func TestKeyringRejectsShortKey(t *testing.T) {
	if err := NewKeyring().AddBytes(make([]byte, 31)); !errors.Is(err, ErrBadPublicKey) {
		t.Errorf("err = %v, want ErrBadPublicKey", err)
	}
}

func TestFlags(t *testing.T) {
	f := Flags(0b00000011)
	if !f.Has(FlagRequiresCaps) || !f.Has(FlagDebugBuild) {
		t.Error("set flags not reported")
	}
	if f.Has(FlagHasExpiry) {
		t.Error("clear flag reported set")
	}
}
