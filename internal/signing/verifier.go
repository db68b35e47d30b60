package signing

import (
	"crypto/ed25519"
	"time"
)

// CapabilityFn answers whether the caller holds the capabilities an
// envelope with FlagRequiresCaps demands. A nil predicate denies.
type CapabilityFn func() bool

// Verifier runs the full envelope verification procedure against a
// trusted keyring.
type Verifier struct {
	keys *Keyring
	// maxAge is the expiry policy applied when FlagHasExpiry is set:
	// the object is stale once now > signed-at + maxAge.
	maxAge time.Duration
	caps   CapabilityFn
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMaxAge sets the expiry window for envelopes carrying FlagHasExpiry.
func WithMaxAge(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxAge = d }
}

// WithCapabilities installs the capability predicate consulted for
// envelopes carrying FlagRequiresCaps.
func WithCapabilities(fn CapabilityFn) VerifierOption {
	return func(v *Verifier) { v.caps = fn }
}

// WithClock overrides the wall clock. Tests use this to pin expiry.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// DefaultMaxAge is the expiry window applied when none is configured.
const DefaultMaxAge = 30 * 24 * time.Hour

// NewVerifier creates a verifier over the given keyring.
func NewVerifier(keys *Keyring, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, maxAge: DefaultMaxAge, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the verification procedure, in order:
//
//  1. the envelope has already been parsed (magic/version/length);
//  2. recompute SHA3-256 over the body and compare constant-time;
//  3. reject signer ids matching no trusted key (early filter);
//  4. verify the Ed25519 signature of the hash against the full key;
//  5. if FlagHasExpiry, reject objects older than the max age;
//  6. if FlagRequiresCaps, consult the capability predicate.
//
// The first failing step's error is returned.
func (v *Verifier) Verify(e *Envelope) error {
	if v.keys.Len() == 0 {
		return ErrNoTrustedKeys
	}

	if err := e.VerifyHash(); err != nil {
		return err
	}

	key, ok := v.keys.Lookup(e.Header.SignerID)
	if !ok {
		return ErrUntrustedSigner
	}

	if !ed25519.Verify(key.Public(), e.Header.BodyHash[:], e.Header.Signature[:]) {
		return ErrBadSignature
	}

	if e.Header.Flags.Has(FlagHasExpiry) {
		signedAt := time.Unix(int64(e.Header.SignedAt), 0)
		if v.now().After(signedAt.Add(v.maxAge)) {
			return ErrExpired
		}
	}

	if e.Header.Flags.Has(FlagRequiresCaps) {
		if v.caps == nil || !v.caps() {
			return ErrMissingCapabilities
		}
	}

	return nil
}

// VerifyBlob parses and verifies a signed blob in one step, returning the
// envelope on success so the caller can hand the body to the loader.
func (v *Verifier) VerifyBlob(data []byte) (*Envelope, error) {
	e, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := v.Verify(e); err != nil {
		return nil, err
	}
	return e, nil
}
